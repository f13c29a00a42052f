package sanitize

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "/", false},
		{"/", "/", false},
		{"/index.html", "/index.html", false},
		{"/a//b///c", "/a/b/c", false},
		{"/static/app%20v2.js", "/static/app v2.js", false},
		{"/api/items%3Fid", "/api/items?id", false},
		{"/a/%252Fb", "/a/%2Fb", false},
		{"/..", "", true},
		{"/a/../b", "", true},
		{"/a/%2e%2e%2fetc/passwd", "", true},
		{"/a/%252e%252e%252fetc/passwd", "", true},
		{"/a/%2E%2E/b", "", true},
		{"/file..txt", "", true},
		{`/a\b`, "", true},
		{"/a/%5cb", "", true},
		{"//evil.example/x", "", true},
		{"/%2F%2Fevil.example", "", true},
		{"/redirect/http://evil.example", "", true},
		{"/redirect/http%3A%2F%2Fevil.example", "", true},
		{"/bad%zz", "", true},
		{"/bad%25zz", "", true},
		{"/nul%00byte", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizePath(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrPathDenied) {
					t.Fatalf("NormalizePath(%q) = %q, %v; want ErrPathDenied", tt.in, got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizePath(%q) unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestForwardRequestHeaders(t *testing.T) {
	in := http.Header{}
	in.Set("Accept", "text/html")
	in.Set("Accept-Language", "en")
	in.Set("Content-Type", "application/json")
	in.Set("If-None-Match", `"abc"`)
	in.Set("User-Agent", "test-browser")
	in.Set("Cookie", "preview_x=secret")
	in.Set("Authorization", "Bearer caller")
	in.Set("Origin", "https://app.example")
	in.Set("Referer", "https://app.example/task/1")
	in.Set("Accept-Encoding", "gzip, br")
	in.Set("X-Forwarded-For", "10.0.0.1")
	in.Set("X-Sandbox-Token", "forged")

	out := ForwardRequestHeaders(in, "https://sbx.example:8443", map[string]string{"X-Sandbox-Token": "server-side"})

	for _, name := range []string{"Accept", "Accept-Language", "Content-Type", "If-None-Match", "User-Agent"} {
		if out.Get(name) != in.Get(name) {
			t.Errorf("%s = %q, want %q", name, out.Get(name), in.Get(name))
		}
	}
	for _, name := range []string{"Cookie", "Authorization", "X-Forwarded-For"} {
		if out.Get(name) != "" {
			t.Errorf("%s must not be forwarded", name)
		}
	}
	if got := out.Get("Origin"); got != "https://sbx.example:8443" {
		t.Errorf("Origin = %q", got)
	}
	if got := out.Get("Referer"); got != "https://sbx.example:8443/" {
		t.Errorf("Referer = %q", got)
	}
	if got := out.Get("Accept-Encoding"); got != "identity" {
		t.Errorf("Accept-Encoding = %q, want identity", got)
	}
	if got := out.Values("X-Sandbox-Token"); len(got) != 1 || got[0] != "server-side" {
		t.Errorf("X-Sandbox-Token = %v, want injected value only", got)
	}
}

func TestSanitizeResponseHeaders(t *testing.T) {
	up := http.Header{}
	up.Set("Content-Type", "text/html; charset=utf-8")
	up.Set("Content-Length", "42")
	up.Add("Set-Cookie", "sid=1; Path=/")
	up.Add("Set-Cookie", "other=2")
	up.Set("Set-Cookie2", "legacy=1")
	up.Set("Content-Security-Policy", "default-src 'self'; sandbox allow-same-origin allow-scripts")
	up.Set("Content-Security-Policy-Report-Only", "default-src *")
	up.Set("Connection", "keep-alive, X-Internal-Hop")
	up.Set("X-Internal-Hop", "1")
	up.Set("Keep-Alive", "timeout=5")
	up.Set("Transfer-Encoding", "chunked")
	up.Set("Trailer", "Expires")
	up.Set("Upgrade", "h2c")
	up.Set("Proxy-Authenticate", "Basic")
	up.Set("Cache-Control", "public, max-age=3600")
	up.Set("ETag", `"v1"`)

	out := SanitizeResponseHeaders(up, "req-123")

	for _, name := range []string{"Set-Cookie", "Set-Cookie2", "Content-Security-Policy-Report-Only", "Connection", "X-Internal-Hop", "Keep-Alive", "Transfer-Encoding", "Trailer", "Upgrade", "Proxy-Authenticate"} {
		if _, ok := out[name]; ok {
			t.Errorf("%s must be stripped", name)
		}
	}
	csp := out.Get("Content-Security-Policy")
	if !strings.Contains(csp, SandboxDirective) {
		t.Errorf("CSP %q missing sandbox directive", csp)
	}
	if strings.Contains(csp, "allow-same-origin") {
		t.Errorf("CSP %q must not allow same origin", csp)
	}
	if !strings.Contains(csp, "default-src 'self'") {
		t.Errorf("CSP %q should keep non-sandbox directives", csp)
	}
	if got := out.Get(HeaderReqID); got != "req-123" {
		t.Errorf("%s = %q", HeaderReqID, got)
	}
	if got := out.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := out.Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	if out.Get("ETag") != `"v1"` || out.Get("Content-Length") != "42" {
		t.Error("ordinary headers should pass through")
	}
}

func TestSanitizeResponseHeaders_EventStream(t *testing.T) {
	up := http.Header{}
	up.Set("Content-Type", "Text/Event-Stream; charset=utf-8")
	up.Set("Content-Length", "100")
	up.Set("Cache-Control", "max-age=60")

	out := SanitizeResponseHeaders(up, "req-sse")

	if got := out.Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := out.Get("Cache-Control"); got != "no-cache, no-transform" {
		t.Errorf("Cache-Control = %q", got)
	}
	if got := out.Get("X-Accel-Buffering"); got != "no" {
		t.Errorf("X-Accel-Buffering = %q", got)
	}
	if out.Get("Content-Length") != "" {
		t.Error("Content-Length must be dropped for streams")
	}
	if out.Get("Content-Security-Policy") != SandboxDirective {
		t.Errorf("CSP = %q", out.Get("Content-Security-Policy"))
	}
}

func TestRewriteCSP(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want string
	}{
		{"none", nil, SandboxDirective},
		{"sandbox only", []string{"sandbox allow-same-origin allow-top-navigation"}, SandboxDirective},
		{"uppercase sandbox", []string{"SANDBOX allow-same-origin; img-src *"}, "img-src *; " + SandboxDirective},
		{"multiple policies", []string{"default-src 'self'", "script-src 'none', default-src *"}, "default-src 'self'; script-src 'none'; " + SandboxDirective},
		{"empty directives", []string{" ; ;frame-ancestors 'self';"}, "frame-ancestors 'self'; " + SandboxDirective},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RewriteCSP(tt.in); got != tt.want {
				t.Errorf("RewriteCSP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseOrigin(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://sbx-1.sandbox.example", "https://sbx-1.sandbox.example", false},
		{"HTTPS://SBX.Example:8443/", "https://sbx.example:8443", false},
		{"http://203.0.113.5:3000", "http://203.0.113.5:3000", false},
		{"", "", true},
		{"ftp://sbx.example", "", true},
		{"https://user:pw@sbx.example", "", true},
		{"https://sbx.example/app", "", true},
		{"https://sbx.example?x=1", "", true},
		{"https://", "", true},
		{"::not a url", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			u, err := ParseOrigin(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseOrigin(%q) should fail", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseOrigin(%q) unexpected error: %v", tt.in, err)
			}
			if got := Origin(u); got != tt.want {
				t.Errorf("Origin = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildTarget(t *testing.T) {
	origin, err := ParseOrigin("https://sbx.example:8443")
	if err != nil {
		t.Fatal(err)
	}
	target, err := BuildTarget(origin, "/api/items list", "page=2&q=a%20b")
	if err != nil {
		t.Fatalf("BuildTarget failed: %v", err)
	}
	if got := target.String(); got != "https://sbx.example:8443/api/items%20list?page=2&q=a%20b" {
		t.Errorf("target = %q", got)
	}

	target, err = BuildTarget(origin, "/%2Fencoded", "")
	if err != nil {
		t.Fatalf("BuildTarget failed: %v", err)
	}
	if target.Host != "sbx.example:8443" {
		t.Errorf("host = %q", target.Host)
	}
}

func TestReadBody(t *testing.T) {
	t.Run("within cap", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("hello"))
		b, err := ReadBody(r, 5)
		if err != nil || string(b) != "hello" {
			t.Fatalf("ReadBody = %q, %v", b, err)
		}
	})
	t.Run("declared too large", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x"))
		r.ContentLength = 10
		if _, err := ReadBody(r, 5); !errors.Is(err, ErrBodyTooLarge) {
			t.Fatalf("expected ErrBodyTooLarge, got %v", err)
		}
	})
	t.Run("understated", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("too long body"))
		r.ContentLength = -1
		if _, err := ReadBody(r, 5); !errors.Is(err, ErrBodyTooLarge) {
			t.Fatalf("expected ErrBodyTooLarge, got %v", err)
		}
	})
	t.Run("empty", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		b, err := ReadBody(r, 5)
		if err != nil || len(b) != 0 {
			t.Fatalf("ReadBody = %q, %v", b, err)
		}
	})
}
