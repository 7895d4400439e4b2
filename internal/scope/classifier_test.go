package scope

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
)

func mustClassifier(t *testing.T, seed string, opts Options) *Classifier {
	t.Helper()
	start, err := ParseSeed(seed)
	require.NoError(t, err)
	c, err := New(start, opts)
	require.NoError(t, err)
	return c
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestKey(t *testing.T) {
	t.Parallel()

	c := mustClassifier(t, "http://a.test/", Options{})
	tests := []struct {
		name     string
		original string
		uri      string
		want     string
	}{
		{"root slash dropped", "http://a.test/", "http://a.test/", "http://a.test"},
		{"no slash", "http://a.test/x", "http://a.test/x", "http://a.test/x"},
		{"slash kept when requested", "http://a.test/x/", "http://a.test/x/", "http://a.test/x/"},
		{"extra slashes collapse to one", "http://a.test/x//", "http://a.test/x//", "http://a.test/x/"},
		{"slash trimmed when not requested", "/x", "http://a.test/x/", "http://a.test/x"},
		{"fragment dropped", "http://a.test/x#top", "http://a.test/x#top", "http://a.test/x"},
		{"host lowercased", "http://A.TEST/x", "HTTP://A.TEST/x", "http://a.test/x"},
		{"default port removed", "http://a.test:80/x", "http://a.test:80/x", "http://a.test/x"},
		{"https default port removed", "https://a.test:443/", "https://a.test:443/", "https://a.test"},
		{"other port kept", "http://a.test:8080/x", "http://a.test:8080/x", "http://a.test:8080/x"},
		{"query kept", "http://a.test/x/?q=1", "http://a.test/x/?q=1", "http://a.test/x/?q=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, c.Key(tt.original, mustParse(t, tt.uri)))
		})
	}
}

func TestKeyMalformedUsesOriginal(t *testing.T) {
	t.Parallel()

	c := mustClassifier(t, "http://a.test", Options{})
	require.Equal(t, "http://[::1", c.Key("  http://[::1 ", nil))
}

func TestResolve(t *testing.T) {
	t.Parallel()

	c := mustClassifier(t, "http://a.test", Options{})
	parent := mustParse(t, "http://a.test/docs/index.html")

	got, err := c.Resolve(parent, "../img/logo.png")
	require.NoError(t, err)
	require.Equal(t, "http://a.test/img/logo.png", got.String())

	got, err = c.Resolve(parent, "//cdn.test/app.js")
	require.NoError(t, err)
	require.Equal(t, "http://cdn.test/app.js", got.String())

	_, err = c.Resolve(nil, "not a url")
	require.Error(t, err)
}

func TestParseSeed(t *testing.T) {
	t.Parallel()

	u, err := ParseSeed(" https://a.test/start ")
	require.NoError(t, err)
	require.Equal(t, "https://a.test/start", u.String())

	_, err = ParseSeed("ftp://a.test/")
	require.ErrorIs(t, err, ErrInvalidSeed)

	_, err = ParseSeed("relative/path")
	require.Error(t, err)
}

func TestIsInternal(t *testing.T) {
	t.Parallel()

	plain := mustClassifier(t, "http://a.test", Options{})
	wide := mustClassifier(t, "http://a.test", Options{
		IncludeSubdomains: true,
		IncludeHosts:      []string{"*.partner.test"},
	})

	res := func(raw string) *crawler.Resource {
		return crawler.NewResource(raw, mustParse(t, raw), nil, crawler.KindPage)
	}

	require.True(t, plain.IsInternal(res("http://A.test/x")))
	require.True(t, plain.IsInternal(res("https://a.test:8443/x")))
	require.False(t, plain.IsInternal(res("http://www.a.test/x")))
	require.False(t, plain.IsInternal(res("http://b.test/")))
	require.False(t, plain.IsInternal(crawler.NewResource("::", nil, nil, crawler.KindPage)))

	require.True(t, wide.IsInternal(res("http://www.a.test/x")))
	require.True(t, wide.IsInternal(res("http://cdn.partner.test/x")))
	require.False(t, wide.IsInternal(res("http://evila.test/x")))
	require.False(t, wide.IsInternal(res("http://partner.test/x")))
}

func TestIsStartURI(t *testing.T) {
	t.Parallel()

	c := mustClassifier(t, "http://a.test/", Options{})
	require.True(t, c.IsStartURI(mustParse(t, "http://a.test")))
	require.True(t, c.IsStartURI(mustParse(t, "HTTP://a.test:80/#intro")))
	require.False(t, c.IsStartURI(mustParse(t, "http://a.test/other")))
	require.False(t, c.IsStartURI(nil))
}

func TestLocalize(t *testing.T) {
	t.Parallel()

	c := mustClassifier(t, "http://127.0.0.1:8080/", Options{Aliases: []string{"www.example.com", "*.cdn.example.com"}})

	got := c.Localize(mustParse(t, "https://www.example.com/app.js?v=2"))
	require.Equal(t, "http://127.0.0.1:8080/app.js?v=2", got.String())

	got = c.Localize(mustParse(t, "https://img.cdn.example.com/a.png"))
	require.Equal(t, "http://127.0.0.1:8080/a.png", got.String())

	orig := mustParse(t, "https://other.test/x")
	require.Same(t, orig, c.Localize(orig))
}

func TestNewRejectsRelativeStart(t *testing.T) {
	t.Parallel()

	_, err := New(mustParse(t, "/relative"), Options{})
	require.ErrorIs(t, err, ErrInvalidSeed)
	_, err = New(nil, Options{})
	require.ErrorIs(t, err, ErrInvalidSeed)
}

func TestInferKind(t *testing.T) {
	t.Parallel()

	tests := map[string]crawler.Kind{
		"http://a.test/":               crawler.KindPage,
		"http://a.test/about":          crawler.KindPage,
		"http://a.test/index.HTML":     crawler.KindPage,
		"http://a.test/app.js?v=1":     crawler.KindScript,
		"http://a.test/site.css":       crawler.KindStylesheet,
		"http://a.test/logo.PNG":       crawler.KindImage,
		"http://a.test/f.woff2":        crawler.KindFont,
		"http://a.test/clip.mp4":       crawler.KindMedia,
		"http://a.test/archive.tar.gz": crawler.KindOther,
	}
	for raw, want := range tests {
		require.Equal(t, want, InferKind(raw), raw)
	}
}
