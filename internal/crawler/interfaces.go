package crawler

import (
	"context"
	"errors"
	"net/url"
	"time"
)

// ErrRendererDisabled indicates rendering has been disabled via configuration.
var ErrRendererDisabled = errors.New("renderer disabled")

// Verifier checks the reachability of a resource, following redirects, and
// records the terminal status on it.
type Verifier interface {
	Verify(ctx context.Context, r *Resource) (VerificationResult, error)
}

// Renderer is one expensive rendering session (e.g. a browser instance).
// Instances are borrowed from a pool and never used concurrently.
type Renderer interface {
	TryRender(ctx context.Context, r *Resource) (RenderResult, error)
	Close() error
}

// Extractor lists the resources referenced by a rendered document.
type Extractor interface {
	ExtractResourcesFrom(doc HTMLDocument) ([]*Resource, error)
}

// ScopeClassifier decides internal versus external and derives dedup keys.
type ScopeClassifier interface {
	IsInternal(r *Resource) bool
	IsStartURI(u *url.URL) bool
	Localize(u *url.URL) *url.URL
	Key(original string, u *url.URL) string
	Resolve(parent *url.URL, raw string) (*url.URL, error)
	InferKind(raw string) Kind
}

// ReportSink receives one record per verified resource.
type ReportSink interface {
	WriteReport(ctx context.Context, result VerificationResult) error
}

// Publisher pushes completion notices to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
