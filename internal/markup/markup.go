// Package markup sanitizes fetched page bodies and assembles them into a
// single document.
package markup

import (
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// PageBreak separates pages in a combined document. Renderers split on it.
const PageBreak = `<div style="page-break-before: always;"></div>`

var policy = newPolicy()

func newPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").Globally()
	p.AllowAttrs("style").OnElements("div")
	p.AllowAttrs("align").OnElements("p", "div", "center")
	return p
}

// Sanitize strips scripts, handlers and other active content from origin
// markup while keeping prose formatting.
func Sanitize(raw string) string {
	return strings.TrimSpace(policy.Sanitize(raw))
}

// ChapterBlock wraps one page's content with its heading.
func ChapterBlock(index int, content string) string {
	return fmt.Sprintf(`<div class="chapter"><h2>Chapter %d</h2>%s</div>`, index, content)
}

// UnwrapChapter reverses ChapterBlock, returning the heading text and the
// page content. ok is false when block was not produced by ChapterBlock.
func UnwrapChapter(block string) (title, content string, ok bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(block), `<div class="chapter"><h2>`)
	if !ok {
		return "", "", false
	}
	title, rest, ok = strings.Cut(rest, "</h2>")
	if !ok {
		return "", "", false
	}
	content, ok = strings.CutSuffix(rest, "</div>")
	if !ok {
		return "", "", false
	}
	return title, content, true
}

// Join concatenates sections with the page-break marker.
func Join(sections []string) string {
	return strings.Join(sections, "\n"+PageBreak+"\n")
}

// Split reverses Join, dropping empty sections.
func Split(doc string) []string {
	parts := strings.Split(doc, PageBreak)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
