package crawler

import (
	"errors"
	"net/url"
	"time"
)

// ErrIDAssigned is returned when a Resource is given a second ID.
var ErrIDAssigned = errors.New("resource id already assigned")

// Kind classifies what a Resource is used for on the page that links it.
type Kind string

// Supported resource kinds.
const (
	KindPage       Kind = "page"
	KindScript     Kind = "script"
	KindStylesheet Kind = "stylesheet"
	KindImage      Kind = "image"
	KindFont       Kind = "font"
	KindMedia      Kind = "media"
	KindFrame      Kind = "frame"
	KindOther      Kind = "other"
)

// Resource identifies one crawlable unit. A Resource travels through the
// pipeline stages one at a time and is never mutated concurrently.
type Resource struct {
	// ID is zero until the resource is admitted; it is assigned exactly once.
	ID uint64
	// OriginalURL is the raw string as found in the parent document.
	OriginalURL string
	// URI is the resolved absolute location. Nil when OriginalURL is malformed.
	URI *url.URL
	// ParentURI is nil only for the seed (and orphans).
	ParentURI         *url.URL
	Internal          bool
	ExtractedFromHTML bool
	Status            StatusCode
	Size              int64
	Kind              Kind
	ContentType       string

	initial string
}

// NewResource builds a Resource resolved to uri. The initial URI is
// remembered so a later redirect can be detected.
func NewResource(original string, uri, parent *url.URL, kind Kind) *Resource {
	r := &Resource{
		OriginalURL: original,
		URI:         uri,
		ParentURI:   parent,
		Kind:        kind,
	}
	if uri != nil {
		r.initial = uri.String()
	}
	if r.Kind == "" {
		r.Kind = KindOther
	}
	return r
}

// AssignID sets the monotonic identifier. It fails if one is already set.
func (r *Resource) AssignID(id uint64) error {
	if r.ID != 0 {
		return ErrIDAssigned
	}
	r.ID = id
	return nil
}

// Redirect records an observed HTTP redirect. It is the only way URI changes
// after construction.
func (r *Resource) Redirect(to *url.URL) {
	if to == nil {
		return
	}
	r.URI = to
}

// Redirected reports whether URI differs from the location first resolved.
func (r *Resource) Redirected() bool {
	if r.URI == nil {
		return false
	}
	return r.URI.String() != r.initial
}

// InitialURL is the absolute location the resource was admitted under.
func (r *Resource) InitialURL() string {
	if r.initial != "" {
		return r.initial
	}
	return r.OriginalURL
}

// URL returns the current absolute location, or the original string when the
// resource could not be resolved.
func (r *Resource) URL() string {
	if r.URI == nil {
		return r.OriginalURL
	}
	return r.URI.String()
}

// ParentURL returns the parent location or "" for the seed.
func (r *Resource) ParentURL() string {
	if r.ParentURI == nil {
		return ""
	}
	return r.ParentURI.String()
}

// Snapshot freezes the verification outcome of r.
func (r *Resource) Snapshot(checkedAt time.Time, took time.Duration) VerificationResult {
	return VerificationResult{
		ID:          r.ID,
		Internal:    r.Internal,
		ParentURL:   r.ParentURL(),
		Kind:        r.Kind,
		Status:      r.Status,
		VerifiedURL: r.URL(),
		OriginalURL: r.OriginalURL,
		Size:        r.Size,
		ContentType: r.ContentType,
		CheckedAt:   checkedAt,
		Duration:    took,
	}
}

// VerificationResult is the immutable record persisted for every verified
// resource. It is passed by value and never mutated after creation.
type VerificationResult struct {
	ID          uint64        `json:"id"`
	Internal    bool          `json:"internal"`
	ParentURL   string        `json:"parent_url,omitempty"`
	Kind        Kind          `json:"kind"`
	Status      StatusCode    `json:"status"`
	VerifiedURL string        `json:"verified_url"`
	OriginalURL string        `json:"original_url"`
	Size        int64         `json:"size"`
	ContentType string        `json:"content_type,omitempty"`
	CheckedAt   time.Time     `json:"checked_at"`
	Duration    time.Duration `json:"duration_ns"`
}

// HTMLDocument is a rendered page handed to an Extractor.
type HTMLDocument struct {
	BaseURL *url.URL
	HTML    string
}

// RenderResult is produced by a Renderer for one page.
type RenderResult struct {
	HTML         string
	PageLoadTime time.Duration
	// Captured lists every subresource URL requested while the page loaded.
	Captured   []string
	StatusCode int
	FinalURL   string
}
