// Package sanitize prepares proxied requests for the upstream sandbox and
// scrubs what comes back before it reaches the browser.
package sanitize

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrPathDenied is wrapped by every NormalizePath rejection.
var ErrPathDenied = errors.New("proxy path denied")

func deny(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPathDenied, fmt.Sprintf(format, args...))
}

// smuggling reports a form that could turn a path into an authority or a
// different resource on the upstream.
func smuggling(p string) string {
	switch {
	case strings.Contains(p, `\`):
		return "backslash"
	case strings.Contains(p, "://"):
		return "scheme marker"
	case strings.HasPrefix(p, "//"):
		return "leading double slash"
	}
	for i := 0; i < len(p); i++ {
		if p[i] < 0x20 || p[i] == 0x7f {
			return "control character"
		}
	}
	return ""
}

// NormalizePath validates the escaped path that follows the session prefix
// and returns the decoded path to forward. The input is decoded twice so
// double-encoded traversal is caught; only the once-decoded form is
// forwarded.
func NormalizePath(escaped string) (string, error) {
	if escaped == "" {
		return "/", nil
	}
	if why := smuggling(escaped); why != "" {
		return "", deny("%s", why)
	}
	once, err := url.PathUnescape(escaped)
	if err != nil {
		return "", deny("undecodable path")
	}
	twice, err := url.PathUnescape(once)
	if err != nil {
		return "", deny("undecodable path")
	}
	for _, form := range []string{once, twice} {
		if why := smuggling(form); why != "" {
			return "", deny("encoded %s", why)
		}
	}
	if strings.Contains(twice, "..") {
		return "", deny("traversal")
	}

	out := collapseSlashes(once)
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	if strings.Contains(out, "/../") || strings.HasSuffix(out, "/..") {
		return "", deny("traversal")
	}
	return out, nil
}

func collapseSlashes(p string) string {
	var b strings.Builder
	b.Grow(len(p))
	prev := byte(0)
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '/' && prev == '/' {
			continue
		}
		b.WriteByte(c)
		prev = c
	}
	return b.String()
}
