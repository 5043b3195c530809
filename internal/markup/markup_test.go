package markup

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeStripsActiveContent(t *testing.T) {
	t.Parallel()

	out := Sanitize(`<p onclick="steal()">Hello <em>there</em></p><script>alert(1)</script>`)
	assert.Contains(t, out, "<em>there</em>")
	assert.NotContains(t, out, "script")
	assert.NotContains(t, out, "onclick")
}

func TestSanitizeKeepsPageBreak(t *testing.T) {
	t.Parallel()

	assert.Contains(t, Sanitize(PageBreak), "page-break-before: always")
}

func TestJoinSplitRoundTrip(t *testing.T) {
	t.Parallel()

	sections := []string{ChapterBlock(1, "<p>a</p>"), ChapterBlock(2, "<p>b</p>")}
	doc := Join(sections)
	require.Equal(t, 1, strings.Count(doc, PageBreak))
	assert.Equal(t, sections, Split(doc))
}

func TestSplitDropsEmptySections(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"x"}, Split(PageBreak+" x "+PageBreak))
	assert.Empty(t, Split(""))
}

func TestChapterBlock(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `<div class="chapter"><h2>Chapter 3</h2><p>c</p></div>`, ChapterBlock(3, "<p>c</p>"))
}

func TestUnwrapChapter(t *testing.T) {
	t.Parallel()

	title, content, ok := UnwrapChapter(" " + ChapterBlock(7, "<p>seven</p>") + "\n")
	require.True(t, ok)
	assert.Equal(t, "Chapter 7", title)
	assert.Equal(t, "<p>seven</p>", content)

	for _, raw := range []string{"<p>plain</p>", `<div class="chapter"><p>no heading</p></div>`, `<div class="chapter"><h2>x</h2>open`} {
		_, _, ok := UnwrapChapter(raw)
		assert.False(t, ok, raw)
	}
}
