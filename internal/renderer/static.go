package renderer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
)

// StaticConfig controls the static renderer's HTTP client.
type StaticConfig struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
}

// Static fetches the served HTML without running scripts. It reports no
// captured subresources.
type Static struct {
	base *colly.Collector
}

var _ crawler.Renderer = (*Static)(nil)

// NewStatic builds a static renderer.
func NewStatic(cfg StaticConfig) *Static {
	opts := []colly.CollectorOption{
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.IgnoreRobotsTxt(),
	}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	if cfg.MaxBodyBytes > 0 {
		opts = append(opts, colly.MaxBodySize(cfg.MaxBodyBytes))
	}
	base := colly.NewCollector(opts...)
	if cfg.Timeout > 0 {
		base.SetRequestTimeout(cfg.Timeout)
	}
	return &Static{base: base}
}

// TryRender GETs r and returns the body as HTML.
func (s *Static) TryRender(ctx context.Context, r *crawler.Resource) (crawler.RenderResult, error) {
	c := s.base.Clone()
	c.Context = ctx

	var (
		out crawler.RenderResult
		got bool
	)
	start := time.Now()
	c.OnResponse(func(resp *colly.Response) {
		got = true
		out = crawler.RenderResult{
			HTML:         string(resp.Body),
			PageLoadTime: time.Since(start),
			StatusCode:   resp.StatusCode,
			FinalURL:     resp.Request.URL.String(),
		}
	})
	target := r.URL()
	if err := c.Visit(target); err != nil {
		return crawler.RenderResult{}, fmt.Errorf("render %s: %w", target, err)
	}
	if !got {
		return crawler.RenderResult{}, fmt.Errorf("render %s: no response", target)
	}
	if out.StatusCode >= http.StatusBadRequest {
		return out, fmt.Errorf("render %s: status %d", target, out.StatusCode)
	}
	return out, nil
}

// Close implements io.Closer.
func (s *Static) Close() error {
	return nil
}

// Disabled never renders. The pipeline treats it as "skip extraction".
type Disabled struct{}

var _ crawler.Renderer = Disabled{}

// TryRender always reports crawler.ErrRendererDisabled.
func (Disabled) TryRender(context.Context, *crawler.Resource) (crawler.RenderResult, error) {
	return crawler.RenderResult{}, crawler.ErrRendererDisabled
}

// Close implements io.Closer.
func (Disabled) Close() error { return nil }
