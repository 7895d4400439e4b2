package verifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck-crawler/internal/clock/system"
	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
)

var errNoResponse = errors.New("request produced no response")

// Scope answers the questions the verifier asks about locations.
type Scope interface {
	IsStartURI(u *url.URL) bool
	IsInternalURL(u *url.URL) bool
}

// Config controls the HTTP behavior of Colly.
type Config struct {
	UserAgent      string
	RequestTimeout time.Duration
	MaxRedirects   int
	// MaxBodyBytes caps how much of a body is read; 0 keeps colly's default.
	MaxBodyBytes    int
	PerHostRPS      float64
	PerHostBurst    int
	MaxConnsPerHost int
	Retry           RetryPolicy
}

// Colly verifies resources with a GET through a cloned colly collector.
type Colly struct {
	base    *colly.Collector
	scope   Scope
	limiter *HostLimiter
	retry   RetryPolicy
	maxHops int
	clock   crawler.Clock
	logger  *zap.Logger
}

var _ crawler.Verifier = (*Colly)(nil)

// NewColly builds the shared collector. Redirects are never followed by the
// HTTP client; Verify walks them one hop at a time.
func NewColly(cfg Config, scope Scope, clock crawler.Clock, logger *zap.Logger) (*Colly, error) {
	if scope == nil {
		return nil, errors.New("verifier requires a scope")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = system.Clock{}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxRedirects < 0 {
		cfg.MaxRedirects = 0
	}
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = 16
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

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
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.RequestTimeout)
	base.SetRedirectHandler(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	})

	return &Colly{
		base:    base,
		scope:   scope,
		limiter: NewHostLimiter(cfg.PerHostRPS, cfg.PerHostBurst),
		retry:   cfg.Retry,
		maxHops: cfg.MaxRedirects,
		clock:   clock,
		logger:  logger.Named("verifier"),
	}, nil
}

// Verify classifies r and records its status, size and content type. The
// only error it returns is a cancellation; every other failure is encoded in
// the status.
func (v *Colly) Verify(ctx context.Context, r *crawler.Resource) (crawler.VerificationResult, error) {
	start := v.clock.Now()
	if status, rejected := v.precheck(r); rejected {
		r.Status = status
		return r.Snapshot(start, 0), nil
	}

	r.Status = crawler.StatusProcessing
	for hop := 0; ; hop++ {
		res, err := v.fetchWithRetry(ctx, r.URI)
		if err != nil {
			// The caller's context ending, by cancel or deadline, is the run's
			// cancellation signal rather than a property of the link.
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				r.Status = crawler.StatusProcessing
				return r.Snapshot(start, v.clock.Now().Sub(start)), fmt.Errorf("verify %s: %w", r.URL(), context.Canceled)
			}
			r.Status = classify(err)
			v.logger.Debug("verification failed", zap.String("url", r.URL()), zap.Stringer("status", r.Status), zap.Error(err))
			break
		}
		r.Status = crawler.StatusCode(res.status)
		r.ContentType = res.contentType
		r.Size = res.size

		if !r.Status.Redirect() || res.location == "" || hop >= v.maxHops {
			break
		}
		next, err := r.URI.Parse(res.location)
		if err != nil {
			v.logger.Debug("unparsable redirect location", zap.String("url", r.URL()), zap.String("location", res.location))
			break
		}
		if r.Internal && !v.scope.IsInternalURL(next) {
			v.logger.Debug("redirect leaves scope", zap.String("url", r.URL()), zap.String("location", next.String()))
			if r.ParentURI == nil {
				// The seed's redirect is recorded even out of scope so the run
				// can fault on it.
				r.Redirect(next)
			}
			break
		}
		r.Redirect(next)
	}
	return r.Snapshot(start, v.clock.Now().Sub(start)), nil
}

func (v *Colly) precheck(r *crawler.Resource) (crawler.StatusCode, bool) {
	switch {
	case r.URI == nil:
		return crawler.StatusMalformedURI, true
	case r.URI.Scheme != "http" && r.URI.Scheme != "https":
		return crawler.StatusURISchemeNotSupported, true
	case r.ParentURI == nil && !v.scope.IsStartURI(r.URI):
		return crawler.StatusOrphanedURI, true
	}
	return crawler.StatusUnknown, false
}

type response struct {
	status      int
	contentType string
	location    string
	size        int64
}

func (v *Colly) fetchWithRetry(ctx context.Context, u *url.URL) (response, error) {
	for attempt := 1; ; attempt++ {
		if err := v.limiter.Wait(ctx, u.Hostname()); err != nil {
			return response{}, err
		}
		res, err := v.fetch(ctx, u)
		if !v.retry.ShouldRetry(err, res.status, attempt) {
			return res, err
		}
		v.logger.Debug("retrying verification",
			zap.String("url", u.String()), zap.Int("attempt", attempt), zap.Int("status", res.status), zap.Error(err))
		if err := sleep(ctx, v.retry.Backoff(attempt)); err != nil {
			return response{}, fmt.Errorf("retry backoff: %w", err)
		}
	}
}

func (v *Colly) fetch(ctx context.Context, u *url.URL) (response, error) {
	c := v.base.Clone()
	c.Context = ctx

	var (
		res response
		got bool
	)
	c.OnResponse(func(cr *colly.Response) {
		got = true
		res = response{
			status: cr.StatusCode,
			size:   int64(len(cr.Body)),
		}
		if cr.Headers == nil {
			return
		}
		res.contentType = cr.Headers.Get("Content-Type")
		res.location = cr.Headers.Get("Location")
		if n, err := strconv.ParseInt(cr.Headers.Get("Content-Length"), 10, 64); err == nil && n > res.size {
			res.size = n
		}
	})
	if err := c.Visit(u.String()); err != nil {
		return res, fmt.Errorf("get %s: %w", u, err)
	}
	if !got {
		return res, fmt.Errorf("get %s: %w", u, errNoResponse)
	}
	return res, nil
}

func classify(err error) crawler.StatusCode {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return crawler.StatusRequestTimeout
	}
	return crawler.StatusFailed
}
