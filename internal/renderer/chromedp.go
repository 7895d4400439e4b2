package renderer

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
)

// Localizer rewrites alias hosts onto the crawled host.
type Localizer interface {
	Localize(u *url.URL) *url.URL
}

// ChromedpConfig controls one browser instance.
type ChromedpConfig struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay is waited after the body is ready so late scripts can run.
	SettleDelay time.Duration
	ExecPath    string
}

// Chromedp owns one headless browser. Each render opens a tab in it.
type Chromedp struct {
	cfg           ChromedpConfig
	localizer     Localizer
	logger        *zap.Logger
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	closeOnce     sync.Once
}

var _ crawler.Renderer = (*Chromedp)(nil)

// NewChromedp starts a browser and waits for it to be ready. localizer may be
// nil, in which case requests are not intercepted.
func NewChromedp(cfg ChromedpConfig, localizer Localizer, logger *zap.Logger) (*Chromedp, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return &Chromedp{
		cfg:           cfg,
		localizer:     localizer,
		logger:        logger.Named("chromedp"),
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// Close shuts the browser down.
func (c *Chromedp) Close() error {
	c.closeOnce.Do(func() {
		c.browserCancel()
		c.allocCancel()
	})
	return nil
}

// TryRender loads r in a fresh tab and returns the DOM after the body is
// ready, together with every subresource URL the page requested.
func (c *Chromedp) TryRender(ctx context.Context, r *crawler.Resource) (crawler.RenderResult, error) {
	tabCtx, cancelTab := chromedp.NewContext(c.browserCtx)
	defer cancelTab()
	taskCtx, cancelTask := context.WithTimeout(tabCtx, c.cfg.NavigationTimeout)
	defer cancelTask()
	stop := context.AfterFunc(ctx, cancelTask)
	defer stop()

	meta := newPageMeta()
	chromedp.ListenTarget(tabCtx, func(ev any) {
		if paused, ok := ev.(*fetch.EventRequestPaused); ok {
			go c.continueRequest(tabCtx, paused)
			return
		}
		meta.captureEvent(ev)
	})

	var (
		html     string
		finalURL string
		loadTime time.Duration
	)
	target := r.URL()
	actions := []chromedp.Action{
		c.setupAction(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			start := time.Now()
			if err := chromedp.Navigate(target).Do(ctx); err != nil {
				return err
			}
			if err := chromedp.WaitReady("body", chromedp.ByQuery).Do(ctx); err != nil {
				return err
			}
			loadTime = time.Since(start)
			return nil
		}),
	}
	if c.cfg.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(c.cfg.SettleDelay))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return crawler.RenderResult{}, fmt.Errorf("render %s: %w", target, ctx.Err())
		}
		return crawler.RenderResult{}, fmt.Errorf("render %s: %w", target, err)
	}

	status, docURL, captured := meta.snapshot()
	if finalURL == "" {
		finalURL = docURL
	}
	if finalURL == "" {
		finalURL = target
	}
	return crawler.RenderResult{
		HTML:         html,
		PageLoadTime: loadTime,
		Captured:     captured,
		StatusCode:   status,
		FinalURL:     finalURL,
	}, nil
}

func (c *Chromedp) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if c.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(c.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if c.localizer != nil {
			if err := fetch.Enable().Do(ctx); err != nil {
				return fmt.Errorf("enable fetch domain: %w", err)
			}
		}
		return nil
	})
}

// continueRequest resumes a paused request, pointing it at the localized URL
// when an alias host matched.
func (c *Chromedp) continueRequest(tabCtx context.Context, ev *fetch.EventRequestPaused) {
	exec := cdp.WithExecutor(tabCtx, chromedp.FromContext(tabCtx).Target)
	cont := fetch.ContinueRequest(ev.RequestID)
	if rewritten, ok := localize(c.localizer, ev.Request.URL); ok {
		cont = cont.WithURL(rewritten)
	}
	if err := cont.Do(exec); err != nil && tabCtx.Err() == nil {
		c.logger.Debug("continue request failed", zap.String("url", ev.Request.URL), zap.Error(err))
	}
}

func localize(l Localizer, raw string) (string, bool) {
	if l == nil {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	out := l.Localize(u)
	if out == nil || out.String() == raw {
		return "", false
	}
	return out.String(), true
}

// pageMeta collects the document response and subresource requests of one tab.
type pageMeta struct {
	mu       sync.Mutex
	status   int
	url      string
	seen     map[string]struct{}
	captured []string
}

func newPageMeta() *pageMeta {
	return &pageMeta{seen: make(map[string]struct{})}
}

func (m *pageMeta) captureEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		if e.Type != network.ResourceTypeDocument || e.Response == nil {
			return
		}
		m.mu.Lock()
		if m.status == 0 {
			m.status = int(e.Response.Status)
			m.url = e.Response.URL
		}
		m.mu.Unlock()
	case *network.EventRequestWillBeSent:
		if e.Type == network.ResourceTypeDocument || e.Request == nil {
			return
		}
		raw := e.Request.URL
		if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
			return
		}
		m.mu.Lock()
		if _, dup := m.seen[raw]; !dup {
			m.seen[raw] = struct{}{}
			m.captured = append(m.captured, raw)
		}
		m.mu.Unlock()
	}
}

func (m *pageMeta) snapshot() (int, string, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.url, append([]string(nil), m.captured...)
}
