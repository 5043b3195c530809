package serial

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	t.Parallel()

	cases := map[string]Kind{
		"single-page":           KindSinglePage,
		"single-chapter":        KindSinglePage,
		"multi-page-whole-work": KindWholeWork,
		"Multi-Chapter":         KindWholeWork,
		"series":                KindSeries,
	}
	for raw, want := range cases {
		got, err := ParseKind(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := ParseKind("anthology")
	require.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	f, err := ParseFormat("pdf")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", f.ContentType())
	assert.Equal(t, "pdf", f.Extension())

	f, err = ParseFormat("epub")
	require.NoError(t, err)
	assert.Equal(t, FormatEBook, f)
	assert.Equal(t, "application/epub+zip", f.ContentType())
	assert.Equal(t, "epub", f.Extension())

	_, err = ParseFormat("docx")
	require.Error(t, err)
}

func TestMetadataWithDefaults(t *testing.T) {
	t.Parallel()

	m := Metadata{Title: "  "}.WithDefaults()
	assert.Equal(t, DefaultTitle, m.Title)
	assert.Equal(t, DefaultAuthor, m.Author)

	m = Metadata{Title: "Kept", Author: "Someone"}.WithDefaults()
	assert.Equal(t, "Kept", m.Title)
	assert.Equal(t, "Someone", m.Author)
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}
