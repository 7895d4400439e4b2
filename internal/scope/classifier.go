package scope

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
	whatwgUrl "github.com/nlnwa/whatwg-url/url"

	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
)

// ErrInvalidSeed is returned when the start URL is not an absolute http(s) URL.
var ErrInvalidSeed = errors.New("seed must be an absolute http or https url")

var urlParser = whatwgUrl.NewParser(whatwgUrl.WithPercentEncodeSinglePercentSign())

// Options tune what counts as internal.
type Options struct {
	// IncludeSubdomains treats *.start-host as internal.
	IncludeSubdomains bool
	// IncludeHosts are glob patterns of additional internal hosts.
	IncludeHosts []string
	// Aliases are glob patterns of hosts the renderer should redirect to the
	// start host (staging mirrors, CDN names).
	Aliases []string
}

// Classifier implements crawler.ScopeClassifier relative to one start URL.
type Classifier struct {
	start     *url.URL
	startKey  string
	startHost string
	opts      Options
	include   []glob.Glob
	aliases   []glob.Glob
}

var _ crawler.ScopeClassifier = (*Classifier)(nil)

// New builds a Classifier for start.
func New(start *url.URL, opts Options) (*Classifier, error) {
	if start == nil || !start.IsAbs() || start.Hostname() == "" {
		return nil, ErrInvalidSeed
	}
	include, err := compileGlobs(opts.IncludeHosts)
	if err != nil {
		return nil, fmt.Errorf("compile include hosts: %w", err)
	}
	aliases, err := compileGlobs(opts.Aliases)
	if err != nil {
		return nil, fmt.Errorf("compile aliases: %w", err)
	}
	c := &Classifier{
		start:     start,
		startHost: strings.ToLower(start.Hostname()),
		opts:      opts,
		include:   include,
		aliases:   aliases,
	}
	c.startKey = c.Key(start.String(), start)
	return c, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// ParseSeed resolves raw into an absolute http(s) URL.
func ParseSeed(raw string) (*url.URL, error) {
	u, err := resolve(nil, strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, ErrInvalidSeed
	}
	if u.Hostname() == "" {
		return nil, ErrInvalidSeed
	}
	return u, nil
}

// Start returns the start URL.
func (c *Classifier) Start() *url.URL {
	return c.start
}

// Resolve resolves raw against parent using WHATWG rules. A nil parent
// requires raw to be absolute.
func (c *Classifier) Resolve(parent *url.URL, raw string) (*url.URL, error) {
	return resolve(parent, raw)
}

func resolve(parent *url.URL, raw string) (*url.URL, error) {
	var (
		parsed *whatwgUrl.Url
		err    error
	)
	if parent == nil {
		parsed, err = urlParser.Parse(raw)
	} else {
		parsed, err = urlParser.ParseRef(parent.String(), raw)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", raw, err)
	}
	u, err := url.Parse(parsed.Href(false))
	if err != nil {
		return nil, fmt.Errorf("parse resolved %q: %w", raw, err)
	}
	return u, nil
}

// Key returns the dedup key for u. original is the raw string the resource
// was requested with; it decides whether a single trailing slash survives.
// Malformed resources (nil u) are keyed by their trimmed original string.
func (c *Classifier) Key(original string, u *url.URL) string {
	if u == nil {
		return strings.TrimSpace(original)
	}
	k := *u
	k.User = nil
	k.Fragment = ""
	k.RawFragment = ""
	k.Scheme = strings.ToLower(k.Scheme)
	k.Host = stripDefaultPort(k.Scheme, strings.ToLower(k.Host))

	keepSlash := originalEndsWithSlash(original)
	k.Path = trimSlashes(k.Path, keepSlash)
	if k.RawPath != "" {
		k.RawPath = trimSlashes(k.RawPath, keepSlash)
	}
	return k.String()
}

func stripDefaultPort(scheme, host string) string {
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		return strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		return strings.TrimSuffix(host, ":443")
	}
	return host
}

func originalEndsWithSlash(original string) bool {
	s := strings.TrimSpace(original)
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	return strings.HasSuffix(s, "/")
}

// trimSlashes drops the root path entirely and trims every other trailing
// slash, restoring exactly one when keep is set.
func trimSlashes(p string, keep bool) string {
	trimmed := strings.TrimRight(p, "/")
	if trimmed == "" {
		return ""
	}
	if keep && trimmed != p {
		return trimmed + "/"
	}
	return trimmed
}

// IsInternal reports whether r belongs to the crawl target.
func (c *Classifier) IsInternal(r *crawler.Resource) bool {
	if r == nil || r.URI == nil {
		return false
	}
	return c.isInternalHost(r.URI.Hostname())
}

// IsInternalURL is IsInternal for a bare URL.
func (c *Classifier) IsInternalURL(u *url.URL) bool {
	if u == nil {
		return false
	}
	return c.isInternalHost(u.Hostname())
}

func (c *Classifier) isInternalHost(host string) bool {
	host = strings.ToLower(host)
	if host == "" {
		return false
	}
	if host == c.startHost {
		return true
	}
	if c.opts.IncludeSubdomains && strings.HasSuffix(host, "."+c.startHost) {
		return true
	}
	for _, g := range c.include {
		if g.Match(host) {
			return true
		}
	}
	return false
}

// IsStartURI reports whether u normalizes to the start URL.
func (c *Classifier) IsStartURI(u *url.URL) bool {
	if u == nil {
		return false
	}
	return c.Key(u.String(), u) == c.startKey
}

// Localize rewrites u onto the start scheme and host when its host matches
// one of the configured aliases. Other URLs are returned unchanged.
func (c *Classifier) Localize(u *url.URL) *url.URL {
	if u == nil || len(c.aliases) == 0 {
		return u
	}
	host := strings.ToLower(u.Hostname())
	for _, g := range c.aliases {
		if g.Match(host) {
			out := *u
			out.Scheme = c.start.Scheme
			out.Host = c.start.Host
			return &out
		}
	}
	return u
}

// InferKind implements crawler.ScopeClassifier.
func (c *Classifier) InferKind(raw string) crawler.Kind {
	return InferKind(raw)
}
