package scope

import (
	"net/url"
	"path"
	"strings"

	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
)

// InferKind guesses the kind of a captured subresource from its path
// extension. Extension-less paths are treated as pages.
func InferKind(raw string) crawler.Kind {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case "", ".html", ".htm", ".php", ".aspx":
		return crawler.KindPage
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg", ".ico", ".avif":
		return crawler.KindImage
	case ".js", ".mjs":
		return crawler.KindScript
	case ".css":
		return crawler.KindStylesheet
	case ".woff", ".woff2", ".ttf", ".eot", ".otf":
		return crawler.KindFont
	case ".mp4", ".webm", ".ogg", ".mp3", ".wav", ".flac":
		return crawler.KindMedia
	default:
		return crawler.KindOther
	}
}
