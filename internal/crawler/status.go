package crawler

import (
	"net/http"
	"strconv"
)

// StatusCode is an HTTP status code or one of the synthetic codes below.
type StatusCode int

// Synthetic status codes for outcomes that never produced an HTTP response.
const (
	StatusUnknown               StatusCode = 0
	StatusProcessing            StatusCode = -1
	StatusMalformedURI          StatusCode = -2
	StatusURISchemeNotSupported StatusCode = -3
	StatusOrphanedURI           StatusCode = -4
	StatusRequestTimeout        StatusCode = -5
	StatusFailed                StatusCode = -6
)

var syntheticNames = map[StatusCode]string{
	StatusUnknown:               "Unknown",
	StatusProcessing:            "Processing",
	StatusMalformedURI:          "MalformedUri",
	StatusURISchemeNotSupported: "UriSchemeNotSupported",
	StatusOrphanedURI:           "OrphanedUri",
	StatusRequestTimeout:        "RequestTimeout",
	StatusFailed:                "Failed",
}

// String renders HTTP codes as "404 Not Found" and synthetic codes by name.
func (s StatusCode) String() string {
	if name, ok := syntheticNames[s]; ok {
		return name
	}
	text := http.StatusText(int(s))
	if text == "" {
		return strconv.Itoa(int(s))
	}
	return strconv.Itoa(int(s)) + " " + text
}

// Synthetic reports whether s is not an HTTP response code.
func (s StatusCode) Synthetic() bool {
	return s <= 0
}

// Success reports a 2xx response.
func (s StatusCode) Success() bool {
	return s >= 200 && s < 300
}

// Redirect reports a 3xx response.
func (s StatusCode) Redirect() bool {
	return s >= 300 && s < 400
}

// Broken reports whether the resource should be listed as a broken link.
func (s StatusCode) Broken() bool {
	switch s {
	case StatusMalformedURI, StatusOrphanedURI, StatusRequestTimeout, StatusFailed:
		return true
	case StatusUnknown, StatusProcessing, StatusURISchemeNotSupported:
		return false
	}
	return s >= 400
}
