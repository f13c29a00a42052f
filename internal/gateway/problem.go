package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"preview-gateway/internal/kv"
	"preview-gateway/internal/ratelimit"
	"preview-gateway/internal/sanitize"
	"preview-gateway/internal/ssrf"
	"preview-gateway/internal/token"
)

// Stable error codes carried in JSON bodies.
const (
	CodeNotFound         = "not_found"
	CodePathDenied       = "proxy_path_denied"
	CodeExpired          = "expired"
	CodeRevoked          = "revoked"
	CodeWSRequired       = "ws_required"
	CodePermissionDenied = "permission_denied"
	CodeBindingMismatch  = "binding_mismatch"
	CodeProxyDenied      = "proxy_denied"
	CodeSSRFBlocked      = "proxy_ssrf_blocked"
	CodeRateLimited      = "rate_limited"
	CodeBodyTooLarge     = "proxy_body_too_large"
	CodeUnavailable      = "service_unavailable"
	CodeBadRequest       = "bad_request"
	CodeMethodNotAllowed = "method_not_allowed"
)

// Problem is a terminal pipeline outcome. Every checkpoint returns one
// instead of writing a response itself.
type Problem struct {
	Status  int
	Code    string
	Message string
	// RetryAfter, when positive, is sent as a Retry-After header in seconds.
	RetryAfter int
	// Extra fields merged into the JSON body.
	Extra map[string]any
	// Err is the underlying cause. It is logged, never sent.
	Err error
}

func (p *Problem) Error() string {
	if p.Err != nil {
		return p.Code + ": " + p.Err.Error()
	}
	return p.Code + ": " + p.Message
}

func (p *Problem) Unwrap() error { return p.Err }

func problem(status int, code, msg string) *Problem {
	return &Problem{Status: status, Code: code, Message: msg}
}

func (p *Problem) with(err error) *Problem {
	p.Err = err
	return p
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeProblem(w http.ResponseWriter, reqID string, p *Problem) {
	h := w.Header()
	sanitize.ApplyBaseHeaders(h, reqID)
	if p.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(p.RetryAfter))
	}
	body := map[string]any{"code": p.Code, "error": p.Message}
	for k, v := range p.Extra {
		body[k] = v
	}
	writeJSON(w, p.Status, body)
}

// tokenProblem maps a token verification failure.
func tokenProblem(err error) *Problem {
	switch token.CodeOf(err) {
	case token.CodeExpired:
		return problem(http.StatusUnauthorized, CodeExpired, "token expired").with(err)
	case token.CodeBindingMismatch:
		return problem(http.StatusForbidden, CodeBindingMismatch, "token does not match this session").with(err)
	case token.CodeRevoked:
		return problem(http.StatusUnauthorized, CodeRevoked, "token has been revoked").with(err)
	case token.CodeCacheUnavailable:
		p := problem(http.StatusServiceUnavailable, string(token.CodeCacheUnavailable), "token store unavailable, retry shortly").with(err)
		p.RetryAfter = 2
		return p
	case token.CodeInvalidSignature:
		return problem(http.StatusUnauthorized, string(token.CodeInvalidSignature), "invalid token").with(err)
	default:
		return problem(http.StatusUnauthorized, string(token.CodeInvalidState), "invalid token").with(err)
	}
}

// ssrfProblem maps a Guard.Check failure. Addresses stay in the log.
func ssrfProblem(err error) *Problem {
	var se *ssrf.Error
	if errors.As(err, &se) && se.Code == ssrf.CodeBlocked {
		return problem(http.StatusForbidden, CodeSSRFBlocked, "upstream address not allowed").with(err)
	}
	return problem(http.StatusBadGateway, CodeProxyDenied, "upstream not reachable").with(err)
}

// limitProblem maps rate limiter and semaphore failures.
func limitProblem(err error, now time.Time) *Problem {
	var le *ratelimit.LimitError
	if errors.As(err, &le) {
		p := problem(http.StatusTooManyRequests, CodeRateLimited, "too many requests").with(err)
		p.RetryAfter = le.RetryAfter(now)
		p.Extra = map[string]any{
			"limiter":       string(le.Dimension),
			"nextAllowedAt": le.NextAllowedAt.UTC().Format(time.RFC3339Nano),
		}
		return p
	}
	return storeProblem(err)
}

// storeProblem maps a coordination failure: kv outages are retryable 503s,
// anything else falls through to the generic 502.
func storeProblem(err error) *Problem {
	if errors.Is(err, kv.ErrUnavailable) {
		p := problem(http.StatusServiceUnavailable, CodeUnavailable, "temporarily unavailable, retry shortly").with(err)
		p.RetryAfter = 2
		return p
	}
	return problem(http.StatusBadGateway, CodeProxyDenied, "upstream request failed").with(err)
}
