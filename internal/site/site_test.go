package site

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/serialfetch/internal/browser"
	"github.com/JakeFAU/serialfetch/internal/serial"
)

type stubAdapter struct {
	name      string
	host      string
	dismissed int
}

func (s *stubAdapter) Name() string                { return s.name }
func (s *stubAdapter) Detect(rawURL string) bool   { return MatchHost(rawURL, s.host) }
func (s *stubAdapter) Content() Marker             { return Marker{Selector: "#body", Wait: time.Second} }
func (s *stubAdapter) DismissInterstitials(context.Context, serial.Session) { s.dismissed++ }
func (s *stubAdapter) FetchSinglePage(ctx context.Context, sess serial.Session, u string) (string, error) {
	return FetchPage(ctx, sess, s, u)
}
func (s *stubAdapter) FetchAllPages(ctx context.Context, sess serial.Session, u string) (string, error) {
	return FetchPage(ctx, sess, s, u)
}
func (s *stubAdapter) PageCount(context.Context, serial.Session) int { return 1 }
func (s *stubAdapter) Metadata(ctx context.Context, sess serial.Session) serial.Metadata {
	return ReadMetadata(ctx, sess, "h1", ".author")
}

func TestFetchPageExtractsMarker(t *testing.T) {
	t.Parallel()

	f := browser.NewFakeFactory()
	f.SetPage("https://a.test/1", browser.FakePage{
		"#body": {HTML: "<p>hello</p>"},
		"h1":    {Text: "Title"},
	})
	ctx := context.Background()
	sess, err := f.Open(ctx)
	require.NoError(t, err)
	defer sess.Close()

	a := &stubAdapter{name: "a", host: "a.test"}
	html, err := FetchPage(ctx, sess, a, "https://a.test/1")
	require.NoError(t, err)
	assert.Equal(t, "<p>hello</p>", html)
	assert.Equal(t, 1, a.dismissed)

	meta := a.Metadata(ctx, sess)
	assert.Equal(t, serial.Metadata{Title: "Title", Author: serial.DefaultAuthor}, meta)
}

func TestFetchPageMissingMarkerIsSelectorTimeout(t *testing.T) {
	t.Parallel()

	f := browser.NewFakeFactory()
	f.SetPage("https://a.test/challenge", browser.FakePage{})
	ctx := context.Background()
	sess, err := f.Open(ctx)
	require.NoError(t, err)
	defer sess.Close()

	_, err = FetchPage(ctx, sess, &stubAdapter{host: "a.test"}, "https://a.test/challenge")
	require.ErrorIs(t, err, serial.ErrSelectorTimeout)
}

func TestMatchHost(t *testing.T) {
	t.Parallel()

	assert.True(t, MatchHost("https://www.fanfiction.net/s/1/1/", "fanfiction.net"))
	assert.True(t, MatchHost("http://fanfiction.net/s/1", "fanfiction.net"))
	assert.False(t, MatchHost("https://notfanfiction.net/s/1", "fanfiction.net"))
	assert.False(t, MatchHost("ftp://fanfiction.net/s/1", "fanfiction.net"))
	assert.False(t, MatchHost("fanfiction.net/s/1", "fanfiction.net"))
}

func TestRegistryLookup(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(&stubAdapter{name: "a", host: "a.test"}, &stubAdapter{name: "b", host: "b.test"})
	a, err := reg.Lookup("https://b.test/x")
	require.NoError(t, err)
	assert.Equal(t, "b", a.Name())

	_, err = reg.Lookup("https://c.test/x")
	require.ErrorIs(t, err, serial.ErrUnsupportedSite)
	assert.Equal(t, []string{"a", "b"}, reg.Names())
}
