package render

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/serialfetch/internal/browser"
	"github.com/JakeFAU/serialfetch/internal/serial"
)

func sampleDoc() Document {
	return Document{
		Title:     "The Long Road",
		SourceURL: "https://archiveofourown.org/works/1",
		Sections: []serial.Section{
			{Title: "Chapter 1", HTML: `<p>It began.<script>alert(1)</script></p>`},
			{Title: "", HTML: `<p>It continued.<br>Then stopped.</p>`},
			{Title: "Empty", HTML: `<script>only()</script>`},
		},
	}
}

func TestPDFUsesPrinterAndSanitizes(t *testing.T) {
	t.Parallel()

	r := New(browser.NewFakeFactory(), zap.NewNop())
	out, err := r.Render(context.Background(), sampleDoc(), serial.FormatPDF)
	require.NoError(t, err)

	body := string(out)
	assert.True(t, strings.HasPrefix(body, "%PDF-"))
	assert.Contains(t, body, "The Long Road")
	assert.Contains(t, body, "by Unknown")
	assert.Contains(t, body, "It began.")
	assert.Contains(t, body, "<h2>Chapter 2</h2>")
	assert.NotContains(t, body, "<script")
	assert.NotContains(t, body, "Empty")
	assert.Equal(t, 1, strings.Count(body, "page-break-before"))
}

type failingPrinter struct{}

func (failingPrinter) PrintPDF(context.Context, string, browser.PDFOptions) ([]byte, error) {
	return nil, errors.New("chrome crashed")
}

func TestPDFPrinterErrorPropagates(t *testing.T) {
	t.Parallel()

	_, err := New(failingPrinter{}, nil).Render(context.Background(), sampleDoc(), serial.FormatPDF)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chrome crashed")
}

func TestEPUBContainsOneFilePerSection(t *testing.T) {
	t.Parallel()

	out, err := New(nil, nil).Render(context.Background(), sampleDoc(), serial.FormatEBook)
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(out), int64(len(out)))
	require.NoError(t, err)
	require.NotEmpty(t, zr.File)
	assert.Equal(t, "mimetype", zr.File[0].Name)

	var sections []string
	var all strings.Builder
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, ".xhtml") && strings.Contains(f.Name, "section") {
			sections = append(sections, f.Name)
			rc, err := f.Open()
			require.NoError(t, err)
			data, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
			all.Write(data)
		}
	}
	assert.Len(t, sections, 2)
	assert.Contains(t, all.String(), "It continued.<br/>Then stopped.")
	assert.NotContains(t, all.String(), "<script")
}

func TestRenderRejectsEmptyDocument(t *testing.T) {
	t.Parallel()

	doc := Document{Sections: []serial.Section{{HTML: "<script>x</script>"}}}
	_, err := New(browser.NewFakeFactory(), nil).Render(context.Background(), doc, serial.FormatPDF)
	assert.Error(t, err)

	_, err = New(nil, nil).Render(context.Background(), sampleDoc(), serial.Format("docx"))
	assert.Error(t, err)
}

func TestXHTMLClosesVoidElements(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `a<br/>b<hr /><img src="x.png"/>`, xhtml(`a<br>b<hr /><img src="x.png">`))
	assert.Equal(t, `<br/>`, xhtml(`<br/>`))
	assert.Equal(t, `<bdi>x</bdi>`, xhtml(`<bdi>x</bdi>`))
}
