// Package gateway is the HTTP surface of the preview proxy. It sequences
// session lookup, token verification, SSRF validation, rate limiting and
// concurrency control in a fixed order before relaying to the sandbox.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"preview-gateway/internal/config"
	"preview-gateway/internal/kv"
	"preview-gateway/internal/policy"
	"preview-gateway/internal/ratelimit"
	"preview-gateway/internal/sanitize"
	"preview-gateway/internal/semaphore"
	"preview-gateway/internal/session"
	"preview-gateway/internal/ssrf"
	"preview-gateway/internal/token"
)

// Config carries the gateway's collaborators and tunables.
type Config struct {
	Sessions  session.Store
	Tokens    *token.Authority
	Guard     *ssrf.Guard
	Limiter   *ratelimit.Limiter
	Semaphore *semaphore.Semaphore
	// Store is pinged by /ready.
	Store kv.Store

	// Features and Access default to policy.Allow.
	Features policy.Decider
	Access   policy.Decider
	// ReadinessChecks are run by /ready after the store ping, keyed by the
	// name logged on failure.
	ReadinessChecks map[string]func(context.Context) error

	// Transport performs upstream requests. It must dial through an
	// ssrf.PinnedDialer; NewTransport builds one.
	Transport http.RoundTripper

	Limits            config.Limits
	TrustForwardedFor bool
	// InternalToken guards the issuance API. Empty disables it.
	InternalToken   string
	ProviderHeaders map[string]map[string]string

	Logger *slog.Logger
	Audit  io.Writer
	Now    func() time.Time
}

// Gateway serves the public preview routes and the internal API.
type Gateway struct {
	cfg     Config
	log     *slog.Logger
	audit   *Auditor
	metrics *Metrics
	now     func() time.Time
}

// New validates cfg and builds a Gateway.
func New(cfg Config) (*Gateway, error) {
	switch {
	case cfg.Sessions == nil:
		return nil, errors.New("gateway: session store is required")
	case cfg.Tokens == nil:
		return nil, errors.New("gateway: token authority is required")
	case cfg.Guard == nil:
		return nil, errors.New("gateway: ssrf guard is required")
	case cfg.Limiter == nil:
		return nil, errors.New("gateway: rate limiter is required")
	case cfg.Semaphore == nil:
		return nil, errors.New("gateway: semaphore is required")
	case cfg.Store == nil:
		return nil, errors.New("gateway: kv store is required")
	case cfg.Transport == nil:
		return nil, errors.New("gateway: transport is required")
	}
	if cfg.Features == nil {
		cfg.Features = policy.Allow
	}
	if cfg.Access == nil {
		cfg.Access = policy.Allow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Gateway{
		cfg:     cfg,
		log:     cfg.Logger,
		audit:   NewAuditor(cfg.Audit),
		metrics: newMetrics(),
		now:     now,
	}, nil
}

// Metrics exposes the gateway's registry.
func (g *Gateway) Metrics() *Metrics { return g.metrics }

// NewTransport returns an upstream transport that dials only addresses
// validated by the ssrf guard. dial may be nil.
func NewTransport(dial ssrf.DialFunc) *http.Transport {
	d := &ssrf.PinnedDialer{Dial: dial}
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           d.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}
}

// Handler returns the public routes. The proxy prefix is matched on the
// escaped path before ServeMux sees it, since ServeMux would clean and
// redirect the very paths the sanitizer has to reject.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /preview/probe/{sessionId}", g.handleProbe)
	mux.HandleFunc("POST /preview/session/{sessionId}/exchange", g.handleExchange)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.EscapedPath(), proxyPrefix) {
			g.handleProxy(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// requestID returns a new correlation id.
func requestID() string {
	return uuid.NewString()
}

// finish writes err, or returns quietly when err is nil, and counts the
// request. Unexpected errors are logged and become 502 proxy_denied.
func (g *Gateway) finish(w http.ResponseWriter, reqID, route string, err error) {
	if err == nil {
		g.metrics.requests.WithLabelValues(route, outcomeOK).Inc()
		return
	}
	var p *Problem
	if !errors.As(err, &p) {
		g.log.Error("unexpected error", "req_id", reqID, "route", route, "err", err)
		p = problem(http.StatusBadGateway, CodeProxyDenied, "upstream request failed")
	} else if p.Status >= 500 {
		g.log.Warn("request failed", "req_id", reqID, "route", route, "code", p.Code, "err", p.Error())
	} else {
		g.log.Info("request denied", "req_id", reqID, "route", route, "code", p.Code, "err", p.Error())
	}
	g.metrics.requests.WithLabelValues(route, p.Code).Inc()
	g.metrics.denials.WithLabelValues(p.Code).Inc()
	if route == routeProxy {
		// Error bodies are served under the preview's origin too.
		w.Header().Set("Content-Security-Policy", sanitize.SandboxDirective)
	}
	writeProblem(w, reqID, p)
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

func notFound() *Problem {
	return problem(http.StatusNotFound, CodeNotFound, "preview session not found")
}

// loadSession fetches the session and applies the feature gate. A disabled
// gate is indistinguishable from a missing session.
func (g *Gateway) loadSession(ctx context.Context, reqID, id string) (*session.PreviewSession, error) {
	if !sessionIDPattern.MatchString(id) {
		return nil, notFound()
	}
	s, err := g.cfg.Sessions.Get(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return nil, notFound()
	}
	if err != nil {
		p := problem(http.StatusServiceUnavailable, CodeUnavailable, "temporarily unavailable, retry shortly").with(err)
		p.RetryAfter = 2
		return nil, p
	}

	d, err := g.cfg.Features.Decide(ctx, policy.NewInput(policy.CheckFeature, s, nil))
	if err != nil {
		g.log.Warn("feature gate failed", "req_id", reqID, "session_id", id, "err", err)
		return nil, notFound()
	}
	if !d.Allow {
		return nil, notFound().with(fmt.Errorf("feature disabled: %s", d.Reason))
	}
	return s, nil
}

// liveness rejects revoked, expired and websocket-only sessions.
func (g *Gateway) liveness(s *session.PreviewSession) error {
	if !s.Live(g.now()) {
		return problem(http.StatusUnauthorized, CodeExpired, "preview session has expired")
	}
	if s.PreviewRequiresWebsocket {
		return problem(http.StatusNotImplemented, CodeWSRequired, "this preview requires websockets")
	}
	return nil
}
