// Package extractor finds the resources an HTML document references.
package extractor

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
)

// Resolver resolves a raw reference against a base URL.
type Resolver interface {
	Resolve(parent *url.URL, raw string) (*url.URL, error)
}

type selector struct {
	query string
	attr  string
	kind  crawler.Kind
}

var selectors = []selector{
	{"a[href]", "href", crawler.KindPage},
	{"area[href]", "href", crawler.KindPage},
	{"link[rel~='stylesheet'][href]", "href", crawler.KindStylesheet},
	{"link[rel~='icon'][href]", "href", crawler.KindImage},
	{"script[src]", "src", crawler.KindScript},
	{"img[src]", "src", crawler.KindImage},
	{"iframe[src]", "src", crawler.KindFrame},
	{"frame[src]", "src", crawler.KindFrame},
	{"video[src]", "src", crawler.KindMedia},
	{"audio[src]", "src", crawler.KindMedia},
	{"source[src]", "src", crawler.KindMedia},
	{"embed[src]", "src", crawler.KindOther},
}

// Goquery extracts references with CSS selectors.
type Goquery struct {
	resolver Resolver
}

var _ crawler.Extractor = (*Goquery)(nil)

// NewGoquery returns an extractor resolving references with resolver.
func NewGoquery(resolver Resolver) (*Goquery, error) {
	if resolver == nil {
		return nil, errors.New("extractor requires a resolver")
	}
	return &Goquery{resolver: resolver}, nil
}

// ExtractResourcesFrom returns one resource per distinct reference in
// document order. A reference that cannot be resolved is returned with a nil
// URI so it is reported as malformed. Parent and scope are left to the caller.
func (g *Goquery) ExtractResourcesFrom(doc crawler.HTMLDocument) ([]*crawler.Resource, error) {
	if doc.BaseURL == nil {
		return nil, errors.New("extract: document has no base url")
	}
	parsed, err := goquery.NewDocumentFromReader(strings.NewReader(doc.HTML))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	base := doc.BaseURL
	if href, ok := parsed.Find("base[href]").First().Attr("href"); ok {
		if u, err := g.resolver.Resolve(doc.BaseURL, strings.TrimSpace(href)); err == nil {
			base = u
		}
	}

	var out []*crawler.Resource
	seen := make(map[string]struct{})
	for _, sel := range selectors {
		parsed.Find(sel.query).Each(func(_ int, s *goquery.Selection) {
			raw, _ := s.Attr(sel.attr)
			raw = strings.TrimSpace(raw)
			if skip(raw) {
				return
			}
			u, err := g.resolver.Resolve(base, raw)
			key := raw
			if err == nil {
				key = u.String()
			} else {
				u = nil
			}
			if _, dup := seen[key]; dup {
				return
			}
			seen[key] = struct{}{}
			r := crawler.NewResource(raw, u, nil, sel.kind)
			r.ExtractedFromHTML = true
			out = append(out, r)
		})
	}
	return out, nil
}

func skip(raw string) bool {
	if raw == "" || strings.HasPrefix(raw, "#") {
		return true
	}
	return strings.HasPrefix(strings.ToLower(raw), "javascript:")
}
