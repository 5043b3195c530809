// Package render turns fetched sections into a PDF or EPUB artifact.
package render

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/serialfetch/internal/browser"
	"github.com/JakeFAU/serialfetch/internal/markup"
	"github.com/JakeFAU/serialfetch/internal/serial"
)

// Document is everything a renderer needs.
type Document struct {
	Title     string
	Author    string
	SourceURL string
	Sections  []serial.Section
}

// PDFPrinter prints an HTML document. browser.Factory and
// browser.FakeFactory both satisfy it.
type PDFPrinter interface {
	PrintPDF(ctx context.Context, html string, opts browser.PDFOptions) ([]byte, error)
}

// Renderer dispatches documents to the format-specific writers.
type Renderer struct {
	printer PDFPrinter
	logger  *zap.Logger
}

// New constructs a Renderer.
func New(printer PDFPrinter, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{printer: printer, logger: logger}
}

// Render produces the artifact bytes for doc in the requested format.
func (r *Renderer) Render(ctx context.Context, doc Document, format serial.Format) ([]byte, error) {
	doc = doc.clean()
	if len(doc.Sections) == 0 {
		return nil, fmt.Errorf("render %s: document has no content", format)
	}
	switch format {
	case serial.FormatPDF:
		return r.PDF(ctx, doc)
	case serial.FormatEBook:
		return r.EPUB(doc)
	default:
		return nil, fmt.Errorf("render: unsupported format %q", format)
	}
}

// clean sanitizes every section and fills metadata defaults.
func (d Document) clean() Document {
	meta := serial.Metadata{Title: d.Title, Author: d.Author}.WithDefaults()
	out := Document{Title: meta.Title, Author: meta.Author, SourceURL: d.SourceURL}
	for i, s := range d.Sections {
		body := markup.Sanitize(s.HTML)
		if body == "" {
			continue
		}
		title := strings.TrimSpace(s.Title)
		if title == "" {
			title = fmt.Sprintf("Chapter %d", i+1)
		}
		out.Sections = append(out.Sections, serial.Section{Title: title, HTML: body})
	}
	return out
}
