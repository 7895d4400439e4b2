package verifier

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
	"github.com/JakeFAU/linkcheck-crawler/internal/scope"
)

type testSite struct {
	srv  *httptest.Server
	cls  *scope.Classifier
	root *url.URL
	hits atomic.Int64
}

func newTestSite(t *testing.T, mux *http.ServeMux) *testSite {
	t.Helper()
	site := &testSite{}
	site.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		site.hits.Add(1)
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(site.srv.Close)

	root, err := scope.ParseSeed(site.srv.URL + "/")
	require.NoError(t, err)
	site.root = root
	site.cls, err = scope.New(root, scope.Options{})
	require.NoError(t, err)
	return site
}

func (s *testSite) resource(t *testing.T, raw string) *crawler.Resource {
	t.Helper()
	u, err := s.cls.Resolve(s.root, raw)
	require.NoError(t, err)
	r := crawler.NewResource(raw, u, s.root, crawler.KindPage)
	r.Internal = s.cls.IsInternal(r)
	return r
}

func newVerifier(t *testing.T, site *testSite, cfg Config) *Colly {
	t.Helper()
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = RetryPolicy{MaxAttempts: 1}
	}
	v, err := NewColly(cfg, site.cls, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return v
}

func TestVerifyStatusCodes(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello"))
	})
	mux.HandleFunc("/boom", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	site := newTestSite(t, mux)
	v := newVerifier(t, site, Config{MaxRedirects: 5})

	tests := []struct {
		path   string
		status crawler.StatusCode
	}{
		{"/ok", 200},
		{"/missing", 404},
		{"/boom", 500},
	}
	for _, tc := range tests {
		r := site.resource(t, tc.path)
		res, err := v.Verify(context.Background(), r)
		require.NoError(t, err, tc.path)
		require.Equal(t, tc.status, res.Status, tc.path)
		require.Equal(t, tc.status, r.Status, tc.path)
	}

	r := site.resource(t, "/ok")
	res, err := v.Verify(context.Background(), r)
	require.NoError(t, err)
	require.EqualValues(t, 5, res.Size)
	require.Equal(t, "text/plain", res.ContentType)
	require.Equal(t, site.srv.URL+"/ok", res.VerifiedURL)
}

func TestVerifyFollowsInternalRedirects(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/middle", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/middle", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	site := newTestSite(t, mux)
	v := newVerifier(t, site, Config{MaxRedirects: 5})

	r := site.resource(t, "/old")
	res, err := v.Verify(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusCode(200), res.Status)
	require.True(t, r.Redirected())
	require.Equal(t, site.srv.URL+"/new", r.URL())
	require.Equal(t, site.srv.URL+"/old", r.InitialURL())
	require.EqualValues(t, 3, site.hits.Load())
}

func TestVerifyStopsAtScopeBoundary(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/out", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://elsewhere.invalid/landing", http.StatusFound)
	})
	site := newTestSite(t, mux)
	v := newVerifier(t, site, Config{MaxRedirects: 5})

	r := site.resource(t, "/out")
	res, err := v.Verify(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusCode(http.StatusFound), res.Status)
	require.False(t, r.Redirected())
	require.EqualValues(t, 1, site.hits.Load())
}

func TestVerifyRecordsSeedRedirectAtScopeBoundary(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://elsewhere.invalid/", http.StatusMovedPermanently)
	})
	site := newTestSite(t, mux)
	v := newVerifier(t, site, Config{MaxRedirects: 5})

	seed := crawler.NewResource(site.root.String(), site.root, nil, crawler.KindPage)
	seed.Internal = true
	res, err := v.Verify(context.Background(), seed)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusCode(http.StatusMovedPermanently), res.Status)
	require.True(t, seed.Redirected())
	require.Equal(t, "http://elsewhere.invalid/", seed.URL())
	require.EqualValues(t, 1, site.hits.Load())
}

func TestVerifyStopsAfterMaxRedirects(t *testing.T) {
	t.Parallel()
	var n atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, fmt.Sprintf("/loop?n=%d", n.Add(1)), http.StatusFound)
	})
	site := newTestSite(t, mux)
	v := newVerifier(t, site, Config{MaxRedirects: 2})

	r := site.resource(t, "/loop")
	res, err := v.Verify(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusCode(http.StatusFound), res.Status)
	require.EqualValues(t, 3, site.hits.Load())
}

func TestVerifyPrechecks(t *testing.T) {
	t.Parallel()
	site := newTestSite(t, http.NewServeMux())
	v := newVerifier(t, site, Config{})

	malformed := crawler.NewResource("http://[::1", nil, site.root, crawler.KindPage)
	res, err := v.Verify(context.Background(), malformed)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusMalformedURI, res.Status)

	mail := site.resource(t, "mailto:someone@example.com")
	res, err = v.Verify(context.Background(), mail)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusURISchemeNotSupported, res.Status)

	orphanURL, err := url.Parse(site.srv.URL + "/stray")
	require.NoError(t, err)
	orphan := crawler.NewResource(orphanURL.String(), orphanURL, nil, crawler.KindPage)
	res, err = v.Verify(context.Background(), orphan)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusOrphanedURI, res.Status)

	require.Zero(t, site.hits.Load())
}

func TestVerifySeedWithoutParentIsNotOrphaned(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("home"))
	})
	site := newTestSite(t, mux)
	v := newVerifier(t, site, Config{})

	seed := crawler.NewResource(site.root.String(), site.root, nil, crawler.KindPage)
	res, err := v.Verify(context.Background(), seed)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusCode(200), res.Status)
}

func TestVerifyTimeout(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	site := newTestSite(t, mux)
	v := newVerifier(t, site, Config{RequestTimeout: 50 * time.Millisecond})

	r := site.resource(t, "/slow")
	res, err := v.Verify(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusRequestTimeout, res.Status)
	require.True(t, res.Status.Broken())
}

func TestVerifyCancelled(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/hang", func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	site := newTestSite(t, mux)
	v := newVerifier(t, site, Config{RequestTimeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	r := site.resource(t, "/hang")
	_, err := v.Verify(ctx, r)
	require.Error(t, err)
	require.True(t, crawler.IsCanceled(err))
	require.Equal(t, crawler.StatusProcessing, r.Status)
}

func TestVerifyCallerDeadlineIsCancellation(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/hang", func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	site := newTestSite(t, mux)
	v := newVerifier(t, site, Config{RequestTimeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	r := site.resource(t, "/hang")
	_, err := v.Verify(ctx, r)
	require.Error(t, err)
	require.True(t, crawler.IsCanceled(err))
	require.Equal(t, crawler.StatusProcessing, r.Status)
}

func TestVerifyConnectionFailure(t *testing.T) {
	t.Parallel()
	site := newTestSite(t, http.NewServeMux())
	v := newVerifier(t, site, Config{})
	r := site.resource(t, "/gone")
	site.srv.Close()

	res, err := v.Verify(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusFailed, res.Status)
}

func TestVerifyRetriesServiceUnavailable(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/flaky", func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	site := newTestSite(t, mux)
	v := newVerifier(t, site, Config{
		Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})

	res, err := v.Verify(context.Background(), site.resource(t, "/flaky"))
	require.NoError(t, err)
	require.Equal(t, crawler.StatusCode(200), res.Status)
	require.EqualValues(t, 2, calls.Load())
}

func TestNewCollyRequiresScope(t *testing.T) {
	t.Parallel()
	_, err := NewColly(Config{}, nil, nil, nil)
	require.Error(t, err)
}
