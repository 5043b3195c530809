// Package serial defines the core types shared by the fetch, scheduling and
// rendering subsystems.
package serial

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects how much content a job fetches.
type Kind string

// Supported job kinds.
const (
	KindSinglePage Kind = "single-page"
	KindWholeWork  Kind = "multi-page-whole-work"
	KindSeries     Kind = "series"
)

// ParseKind validates a job kind, accepting the legacy front-end names.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(KindSinglePage), "single-chapter":
		return KindSinglePage, nil
	case string(KindWholeWork), "multi-chapter", "multi-page":
		return KindWholeWork, nil
	case string(KindSeries):
		return KindSeries, nil
	default:
		return "", fmt.Errorf("kind must be one of: single-page, multi-page-whole-work, series (got %q)", raw)
	}
}

// Format is the rendered output format.
type Format string

// Supported output formats.
const (
	FormatPDF   Format = "pdf"
	FormatEBook Format = "e-book"
)

// ParseFormat validates an output format; "epub" is accepted as an alias.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(FormatPDF):
		return FormatPDF, nil
	case string(FormatEBook), "epub", "ebook":
		return FormatEBook, nil
	default:
		return "", fmt.Errorf("format must be either \"pdf\" or \"e-book\" (got %q)", raw)
	}
}

// ContentType returns the MIME type of artifacts in this format.
func (f Format) ContentType() string {
	if f == FormatPDF {
		return "application/pdf"
	}
	return "application/epub+zip"
}

// Extension returns the artifact file extension without a dot.
func (f Format) Extension() string {
	if f == FormatPDF {
		return "pdf"
	}
	return "epub"
}

// Status is a job's lifecycle state.
type Status string

// Job states. Completed and Failed are terminal.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Source identifies the origin of a job's content.
type Source struct {
	URL  string `json:"url"`
	Site string `json:"site"`
}

// Metadata is best-effort information about the fetched work.
type Metadata struct {
	Title  string `json:"title"`
	Author string `json:"author"`
}

// Default metadata values used when an origin does not expose them.
const (
	DefaultTitle  = "Fanfic Story"
	DefaultAuthor = "Unknown"
)

// WithDefaults fills blank fields with the fixed fallbacks.
func (m Metadata) WithDefaults() Metadata {
	if strings.TrimSpace(m.Title) == "" {
		m.Title = DefaultTitle
	}
	if strings.TrimSpace(m.Author) == "" {
		m.Author = DefaultAuthor
	}
	return m
}

// StoredArtifact references a completed job's output on disk.
type StoredArtifact struct {
	Path        string `json:"-"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
}

// Job is the unit of work owned by the job store.
type Job struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Source      Source          `json:"source"`
	Format      Format          `json:"format"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Progress    int             `json:"progress"`
	Error       string          `json:"error,omitempty"`
	Result      *StoredArtifact `json:"-"`
	Metadata    *Metadata       `json:"metadata,omitempty"`
	Stats       *FetchStats     `json:"stats,omitempty"`
}

// JobView is the read-only projection returned to callers.
type JobView struct {
	Job
	HasResult     bool `json:"hasResult"`
	QueuePosition int  `json:"queuePosition,omitempty"`
}

// ChapterResult is one page's fetch outcome inside a multi-page job.
type ChapterResult struct {
	Index   int    `json:"index"`
	Content string `json:"-"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// WorkerAssignment is an inclusive page range owned by one worker.
type WorkerAssignment struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Size returns the number of pages in the range.
func (a WorkerAssignment) Size() int {
	return a.End - a.Start + 1
}

// AssignmentSummary describes one worker's share of a job.
type AssignmentSummary struct {
	Worker int    `json:"worker"`
	Pages  string `json:"pages"`
	Count  int    `json:"count"`
}

// FetchStats summarizes a multi-page fetch. Only the aggregate counts are
// serialized; retry counts and worker layout stay in logs and metrics.
type FetchStats struct {
	TotalPages        int                 `json:"totalPages"`
	SuccessfulPages   int                 `json:"successfulPages"`
	FailedPages       []int               `json:"failedPages"`
	DurationMs        int64               `json:"durationMs"`
	RetriedPages      int                 `json:"-"`
	Workers           int                 `json:"-"`
	DurationPerPageMs int64               `json:"-"`
	Assignments       []AssignmentSummary `json:"-"`
}

// Section is one titled unit of a rendered document: a chapter, or a whole
// work inside a series.
type Section struct {
	Title string
	HTML  string
}

// Output is what a job execution hands back to the store.
type Output struct {
	Data        []byte
	ContentType string
	Metadata    Metadata
	Stats       *FetchStats
}
