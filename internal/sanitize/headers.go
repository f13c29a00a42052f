package sanitize

import (
	"mime"
	"net/http"
	"net/textproto"
	"strings"
)

// HeaderReqID is attached to every gateway response.
const HeaderReqID = "X-Proxy-Req-Id"

// SandboxDirective replaces any sandbox directive set by the upstream. It
// deliberately omits allow-same-origin.
const SandboxDirective = "sandbox allow-forms allow-modals allow-popups allow-scripts"

type headerSet map[string]struct{}

func newHeaderSet(names ...string) headerSet {
	s := make(headerSet, len(names))
	for _, n := range names {
		s[textproto.CanonicalMIMEHeaderKey(n)] = struct{}{}
	}
	return s
}

func (s headerSet) has(name string) bool {
	_, ok := s[textproto.CanonicalMIMEHeaderKey(name)]
	return ok
}

var (
	requestAllowlist = newHeaderSet(
		"accept",
		"accept-language",
		"content-type",
		"if-match",
		"if-none-match",
		"if-modified-since",
		"if-unmodified-since",
		"if-range",
		"user-agent",
	)

	hopByHop = newHeaderSet(
		"connection",
		"te",
		"upgrade",
		"keep-alive",
		"proxy-authenticate",
		"proxy-authorization",
		"proxy-connection",
		"transfer-encoding",
		"trailer",
	)

	credentialHeaders = newHeaderSet(
		"set-cookie",
		"set-cookie2",
	)
)

// ForwardRequestHeaders builds the upstream request headers. Only
// allowlisted caller headers survive; origin and referer point at the
// upstream itself and inject is applied last so callers cannot override it.
func ForwardRequestHeaders(in http.Header, upstreamOrigin string, inject map[string]string) http.Header {
	out := make(http.Header, len(requestAllowlist)+4)
	for name, values := range in {
		if requestAllowlist.has(name) {
			out[textproto.CanonicalMIMEHeaderKey(name)] = append([]string(nil), values...)
		}
	}
	out.Set("Origin", upstreamOrigin)
	out.Set("Referer", upstreamOrigin+"/")
	out.Set("Accept-Encoding", "identity")
	for name, value := range inject {
		out.Set(name, value)
	}
	return out
}

// IsEventStream reports whether h declares a text/event-stream body.
func IsEventStream(h http.Header) bool {
	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && mt == "text/event-stream"
}

// SanitizeResponseHeaders returns the headers to send to the browser for an
// upstream response.
func SanitizeResponseHeaders(upstream http.Header, reqID string) http.Header {
	// Headers named by Connection are hop-by-hop too.
	dynamic := newHeaderSet()
	for _, v := range upstream.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dynamic[textproto.CanonicalMIMEHeaderKey(name)] = struct{}{}
			}
		}
	}

	out := make(http.Header, len(upstream)+4)
	for name, values := range upstream {
		canon := textproto.CanonicalMIMEHeaderKey(name)
		if hopByHop.has(canon) || credentialHeaders.has(canon) || dynamic.has(canon) || isCSP(canon) {
			continue
		}
		out[canon] = append([]string(nil), values...)
	}

	out.Set("Content-Security-Policy", RewriteCSP(upstream.Values("Content-Security-Policy")))
	if IsEventStream(upstream) {
		out.Set("Content-Type", "text/event-stream")
		out.Set("Cache-Control", "no-cache, no-transform")
		out.Set("X-Accel-Buffering", "no")
		out.Del("Content-Length")
	} else {
		out.Set("Cache-Control", "no-store")
	}
	ApplyBaseHeaders(out, reqID)
	return out
}

// ApplyBaseHeaders sets the headers every gateway response carries,
// including errors generated before any upstream contact.
func ApplyBaseHeaders(h http.Header, reqID string) {
	h.Set("X-Content-Type-Options", "nosniff")
	if h.Get("Cache-Control") == "" {
		h.Set("Cache-Control", "no-store")
	}
	if reqID != "" {
		h.Set(HeaderReqID, reqID)
	}
}

func isCSP(canon string) bool {
	return strings.HasPrefix(strings.ToLower(canon), "content-security-policy")
}

// RewriteCSP merges upstream policies into one, drops every sandbox
// directive and appends SandboxDirective. When a directive repeats, the
// first occurrence wins.
func RewriteCSP(policies []string) string {
	seen := make(map[string]struct{})
	var directives []string
	for _, policy := range policies {
		for _, part := range strings.FieldsFunc(policy, func(r rune) bool { return r == ';' || r == ',' }) {
			d := strings.TrimSpace(part)
			if d == "" {
				continue
			}
			name := strings.ToLower(strings.Fields(d)[0])
			if name == "sandbox" {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			directives = append(directives, d)
		}
	}
	directives = append(directives, SandboxDirective)
	return strings.Join(directives, "; ")
}
