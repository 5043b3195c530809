// Package local keeps rendered artifacts on the local filesystem, one file
// per job named after the job ID.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/serialfetch/internal/serial"
)

const tempSuffix = ".partial"

// Config captures the parameters for the local artifact store.
type Config struct {
	// BaseDir is the scratch directory artifacts are written to.
	BaseDir string `mapstructure:"dir" yaml:"dir"`
}

// Store writes artifacts to the local filesystem.
type Store struct {
	baseDir string
}

// New creates a store rooted at cfg.BaseDir, creating it when missing and
// verifying it is writable.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Store{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// Dir returns the scratch directory.
func (s *Store) Dir() string {
	return s.baseDir
}

// Put streams data to <jobID>.<ext>. The file appears under its final name
// only once fully written.
func (s *Store) Put(ctx context.Context, jobID, ext, contentType string, data io.Reader) (serial.StoredArtifact, error) {
	if strings.TrimSpace(jobID) == "" || strings.TrimSpace(ext) == "" {
		return serial.StoredArtifact{}, fmt.Errorf("job id and extension are required")
	}
	fullPath, err := s.resolve(jobID + "." + ext)
	if err != nil {
		return serial.StoredArtifact{}, err
	}
	if err := ctx.Err(); err != nil {
		return serial.StoredArtifact{}, err
	}

	tmp := fullPath + tempSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return serial.StoredArtifact{}, fmt.Errorf("failed to create artifact: %w", err)
	}
	size, err := io.Copy(f, data)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return serial.StoredArtifact{}, fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		_ = os.Remove(tmp)
		return serial.StoredArtifact{}, fmt.Errorf("failed to commit artifact: %w", err)
	}

	return serial.StoredArtifact{Path: fullPath, ContentType: contentType, SizeBytes: size}, nil
}

// Open returns a reader for an artifact written by Put.
func (s *Store) Open(path string) (*os.File, error) {
	clean := filepath.Clean(path)
	if filepath.Dir(clean) != s.baseDir {
		return nil, fmt.Errorf("artifact outside scratch directory: %s", path)
	}
	f, err := os.Open(clean)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

// Remove deletes an artifact. A file that is already gone is not an error.
func (s *Store) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}

// List returns the paths of every artifact in the scratch directory,
// including partial writes left by a crash.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		paths = append(paths, filepath.Join(s.baseDir, e.Name()))
	}
	return paths, nil
}

// JobIDFromPath recovers the job ID from an artifact path.
func JobIDFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), tempSuffix)
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}

func (s *Store) resolve(name string) (string, error) {
	fullPath := filepath.Clean(filepath.Join(s.baseDir, name))
	if filepath.Dir(fullPath) != s.baseDir {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}
