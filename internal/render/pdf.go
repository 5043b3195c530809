package render

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/JakeFAU/serialfetch/internal/browser"
	"github.com/JakeFAU/serialfetch/internal/markup"
)

const (
	headerTemplate = `<div style="font-size: 10px; text-align: center; width: 100%;">Downloaded using serialfetch</div>`
	footerTemplate = `<div style="font-size: 10px; text-align: center; width: 100%;">Page <span class="pageNumber"></span> of <span class="totalPages"></span></div>`
)

var pdfPage = template.Must(template.New("pdf").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: Georgia, serif; font-size: 12pt; line-height: 1.5; }
h1 { text-align: center; }
.byline { text-align: center; font-style: italic; margin-bottom: 2em; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p class="byline">by {{.Author}}</p>
{{range $i, $s := .Sections}}{{if $i}}{{$.Break}}{{end}}
<section>
<h2>{{$s.Title}}</h2>
{{$s.Body}}
</section>
{{end}}
</body>
</html>
`))

type pdfSection struct {
	Title string
	Body  template.HTML
}

// pdfHTML lays out the document for printing. Section bodies are already
// sanitized.
func pdfHTML(doc Document) (string, error) {
	data := struct {
		Title    string
		Author   string
		Break    template.HTML
		Sections []pdfSection
	}{Title: doc.Title, Author: doc.Author, Break: template.HTML(markup.PageBreak)} //nolint:gosec // constant markup
	for _, s := range doc.Sections {
		data.Sections = append(data.Sections, pdfSection{Title: s.Title, Body: template.HTML(s.HTML)}) //nolint:gosec // sanitized
	}
	var buf bytes.Buffer
	if err := pdfPage.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("layout pdf: %w", err)
	}
	return buf.String(), nil
}

// PDF prints the document through the browser and stamps its properties.
func (r *Renderer) PDF(ctx context.Context, doc Document) ([]byte, error) {
	if r.printer == nil {
		return nil, fmt.Errorf("render pdf: no printer configured")
	}
	page, err := pdfHTML(doc)
	if err != nil {
		return nil, err
	}
	raw, err := r.printer.PrintPDF(ctx, page, browser.PDFOptions{
		HeaderTemplate: headerTemplate,
		FooterTemplate: footerTemplate,
	})
	if err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}

	stamped, err := stampProperties(raw, doc)
	if err != nil {
		// The printed document is still usable without properties.
		r.logger.Warn("pdf property stamping failed", zap.Error(err))
		return raw, nil
	}
	return stamped, nil
}

func stampProperties(raw []byte, doc Document) ([]byte, error) {
	props := map[string]string{
		"Title":    doc.Title,
		"Author":   doc.Author,
		"Chapters": strconv.Itoa(len(doc.Sections)),
	}
	if doc.SourceURL != "" {
		props["Source"] = doc.SourceURL
	}
	var out bytes.Buffer
	if err := api.AddProperties(bytes.NewReader(raw), &out, props, model.NewDefaultConfiguration()); err != nil {
		return nil, fmt.Errorf("stamp pdf properties: %w", err)
	}
	return out.Bytes(), nil
}
