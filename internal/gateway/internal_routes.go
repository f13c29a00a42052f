package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"preview-gateway/internal/ratelimit"
	"preview-gateway/internal/sanitize"
	"preview-gateway/internal/token"
)

const internalTokenHeader = "X-Internal-Token"

// InternalHandler returns the operator routes: health, readiness, metrics
// and, when an internal token is configured, token issuance for the backend.
func (g *Gateway) InternalHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 1200*time.Millisecond)
		defer cancel()
		if err := g.cfg.Store.Ping(ctx); err != nil {
			g.log.Warn("readiness check failed", "check", "kv", "err", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		for name, check := range g.cfg.ReadinessChecks {
			if err := check(ctx); err != nil {
				g.log.Warn("readiness check failed", "check", name, "err", err)
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ready\n"))
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(g.metrics.Registry, promhttp.HandlerOpts{}))

	if g.cfg.InternalToken != "" {
		mux.Handle("POST /internal/sessions/{sessionId}/exchange-token", g.internalOnly(g.handleIssueExchange))
		mux.Handle("POST /internal/sessions/{sessionId}/upstream-origin-token", g.internalOnly(g.handleIssueUpstreamOrigin))
	}
	return mux
}

func (g *Gateway) internalOnly(next http.HandlerFunc) http.Handler {
	want := []byte(g.cfg.InternalToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get(internalTokenHeader))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeProblem(w, requestID(), problem(http.StatusUnauthorized, CodePermissionDenied, "internal token required"))
			return
		}
		next(w, r)
	})
}

// IssueExchangeRequest is the optional body of the exchange-token route.
// ClientIP is the end user's address as seen by the backend.
type IssueExchangeRequest struct {
	ClientIP string `json:"clientIp"`
}

// IssueExchangeResponse carries a single-use exchange token.
type IssueExchangeResponse struct {
	ExchangeToken string    `json:"exchangeToken"`
	ExpiresAt     time.Time `json:"expiresAt"`
	ExchangePath  string    `json:"exchangePath"`
}

// IssueUpstreamOriginResponse carries an upstream origin token.
type IssueUpstreamOriginResponse struct {
	UpstreamOriginToken string    `json:"upstreamOriginToken"`
	ExpiresAt           time.Time `json:"expiresAt"`
}

func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 16<<10)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (g *Gateway) handleIssueExchange(w http.ResponseWriter, r *http.Request) {
	reqID := requestID()
	resp, err := g.issueExchange(r, reqID)
	if err != nil {
		g.finish(w, reqID, routeIssueExchange, err)
		return
	}
	sanitize.ApplyBaseHeaders(w.Header(), reqID)
	writeJSON(w, http.StatusOK, resp)
	g.finish(w, reqID, routeIssueExchange, nil)
}

func (g *Gateway) issueExchange(r *http.Request, reqID string) (*IssueExchangeResponse, error) {
	ctx := r.Context()
	var req IssueExchangeRequest
	if err := decodeOptional(r, &req); err != nil {
		return nil, problem(http.StatusBadRequest, CodeBadRequest, "malformed request body").with(err)
	}
	ip := strings.TrimSpace(req.ClientIP)
	if ip != "" {
		a, err := netip.ParseAddr(ip)
		if err != nil {
			return nil, problem(http.StatusBadRequest, CodeBadRequest, "clientIp is not an IP address").with(err)
		}
		ip = a.Unmap().String()
	}

	s, err := g.loadSession(ctx, reqID, r.PathValue("sessionId"))
	if err != nil {
		return nil, err
	}
	if err := g.liveness(s); err != nil {
		return nil, err
	}
	if err := g.cfg.Limiter.Enforce(ctx, ratelimit.ScopeStart, ratelimit.Dimensions{User: s.UserID, IP: ip}); err != nil {
		return nil, limitProblem(err, g.now())
	}

	ttl := g.cfg.Limits.ExchangeTokenTTL
	if remaining := s.TTL(g.now()); remaining < ttl {
		ttl = remaining
	}
	raw, expiresAt, err := g.cfg.Tokens.MintExchange(s.Identity, uuid.NewString(), ttl)
	if err != nil {
		return nil, err
	}
	g.audit.Emit(AuditEvent{
		Timestamp: g.now().UTC(), RequestID: reqID, SessionID: s.PreviewSessionID, UserID: s.UserID,
		ClientIP: ip, Route: routeIssueExchange, Decision: "allow", Reason: "exchange_token_issued",
		Method: r.Method, Path: r.URL.Path,
	})
	return &IssueExchangeResponse{
		ExchangeToken: raw,
		ExpiresAt:     expiresAt.UTC(),
		ExchangePath:  "/preview/session/" + s.PreviewSessionID + "/exchange",
	}, nil
}

func (g *Gateway) handleIssueUpstreamOrigin(w http.ResponseWriter, r *http.Request) {
	reqID := requestID()
	resp, err := g.issueUpstreamOrigin(r, reqID)
	if err != nil {
		g.finish(w, reqID, routeIssueUpstream, err)
		return
	}
	sanitize.ApplyBaseHeaders(w.Header(), reqID)
	writeJSON(w, http.StatusOK, resp)
	g.finish(w, reqID, routeIssueUpstream, nil)
}

func (g *Gateway) issueUpstreamOrigin(r *http.Request, reqID string) (*IssueUpstreamOriginResponse, error) {
	s, err := g.loadSession(r.Context(), reqID, r.PathValue("sessionId"))
	if err != nil {
		return nil, err
	}
	origin, err := sanitize.ParseOrigin(s.UpstreamOrigin)
	if err != nil {
		return nil, problem(http.StatusConflict, CodeProxyDenied, "session has no valid upstream origin").with(err)
	}
	if s.PinnedUpstreamIPs.Strict() && len(s.PinnedUpstreamIPs.Addresses()) == 0 {
		return nil, problem(http.StatusConflict, CodeProxyDenied, "strict pinning declared without addresses")
	}
	binding := token.BindingFor(origin, s.PinnedUpstreamIPs.Mode())
	raw, expiresAt, err := g.cfg.Tokens.MintUpstreamOrigin(s.PreviewSessionID, s.RevocationVersion, binding, g.cfg.Limits.UpstreamOriginTokenTTL)
	if err != nil {
		return nil, err
	}
	return &IssueUpstreamOriginResponse{UpstreamOriginToken: raw, ExpiresAt: expiresAt.UTC()}, nil
}
