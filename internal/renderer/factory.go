package renderer

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
	"github.com/JakeFAU/linkcheck-crawler/internal/pool"
)

// Renderer modes.
const (
	ModeChromedp = "chromedp"
	ModeStatic   = "static"
	ModeDisabled = "disabled"
)

// Config selects and configures the renderer behind a pool.
type Config struct {
	Mode     string
	Chromedp ChromedpConfig
	Static   StaticConfig
}

// NewFactory returns the pool factory for mode. Every call of the factory
// creates one independent instance.
func NewFactory(cfg Config, localizer Localizer, logger *zap.Logger) (pool.Factory[crawler.Renderer], error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case ModeChromedp, "":
		return func(context.Context) (crawler.Renderer, error) {
			r, err := NewChromedp(cfg.Chromedp, localizer, logger)
			if err != nil {
				return nil, err
			}
			return r, nil
		}, nil
	case ModeStatic:
		return func(context.Context) (crawler.Renderer, error) {
			return NewStatic(cfg.Static), nil
		}, nil
	case ModeDisabled:
		return func(context.Context) (crawler.Renderer, error) {
			return Disabled{}, nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown renderer mode %q", cfg.Mode)
	}
}
