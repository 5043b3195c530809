package render

import (
	"bytes"
	"fmt"
	"html"
	"regexp"

	epub "github.com/go-shiori/go-epub"
)

// voidTag matches HTML void elements that are not self-closed. EPUB
// content documents are XHTML.
var voidTag = regexp.MustCompile(`<(br|hr|img|wbr|col)(\s[^<>]*?)?\s*/?>`)

func xhtml(body string) string {
	return voidTag.ReplaceAllString(body, "<$1$2/>")
}

// EPUB packages each section as its own chapter file.
func (r *Renderer) EPUB(doc Document) ([]byte, error) {
	book, err := epub.NewEpub(doc.Title)
	if err != nil {
		return nil, fmt.Errorf("render epub: %w", err)
	}
	book.SetAuthor(doc.Author)
	book.SetLang("en")
	if doc.SourceURL != "" {
		book.SetDescription("Downloaded from " + doc.SourceURL)
	}

	for i, s := range doc.Sections {
		body := fmt.Sprintf("<h2>%s</h2>\n%s", html.EscapeString(s.Title), xhtml(s.HTML))
		name := fmt.Sprintf("section%04d.xhtml", i+1)
		if _, err := book.AddSection(body, s.Title, name, ""); err != nil {
			return nil, fmt.Errorf("render epub section %d: %w", i+1, err)
		}
	}

	var buf bytes.Buffer
	if _, err := book.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write epub: %w", err)
	}
	return buf.Bytes(), nil
}
