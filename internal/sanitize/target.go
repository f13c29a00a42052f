package sanitize

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrBodyTooLarge is returned by ReadBody when the request exceeds the cap.
var ErrBodyTooLarge = errors.New("request body too large")

// ParseOrigin parses a session's upstream origin. Only bare http(s)
// origins are accepted: no credentials, path, query or fragment.
func ParseOrigin(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("upstream origin is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("upstream origin: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream origin scheme %q not allowed", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, errors.New("upstream origin has no host")
	}
	if u.User != nil {
		return nil, errors.New("upstream origin must not carry credentials")
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.Opaque != "" {
		return nil, errors.New("upstream origin must not carry a path or query")
	}
	u.Host = strings.ToLower(u.Host)
	u.Path = ""
	u.RawPath = ""
	return u, nil
}

// Origin renders scheme://host for u.
func Origin(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// BuildTarget resolves path and rawQuery against origin and refuses any
// result whose origin differs.
func BuildTarget(origin *url.URL, path, rawQuery string) (*url.URL, error) {
	ref := &url.URL{Path: path, RawQuery: rawQuery}
	target := origin.ResolveReference(ref)
	if target.User != nil || Origin(target) != Origin(origin) {
		return nil, fmt.Errorf("%w: resolved target left the upstream origin", ErrPathDenied)
	}
	return target, nil
}

// ReadBody buffers r's body, refusing more than limit bytes whether or not
// Content-Length was declared honestly.
func ReadBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	if r.ContentLength > limit {
		return nil, ErrBodyTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if int64(len(b)) > limit {
		return nil, ErrBodyTooLarge
	}
	return b, nil
}

// BodyReader wraps a buffered body for an outbound request.
func BodyReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}
