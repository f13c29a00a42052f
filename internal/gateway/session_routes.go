package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"preview-gateway/internal/policy"
	"preview-gateway/internal/ratelimit"
	"preview-gateway/internal/sanitize"
	"preview-gateway/internal/session"
	"preview-gateway/internal/token"
)

// ProbeResponse is returned by GET /preview/probe/{sessionId}.
type ProbeResponse struct {
	OK       bool             `json:"ok"`
	State    session.State    `json:"state,omitempty"`
	OpenMode session.OpenMode `json:"openMode,omitempty"`
	Code     string           `json:"code,omitempty"`
}

func (g *Gateway) handleProbe(w http.ResponseWriter, r *http.Request) {
	reqID := requestID()
	s, err := g.loadSession(r.Context(), reqID, r.PathValue("sessionId"))
	if err != nil {
		g.finish(w, reqID, routeProbe, err)
		return
	}

	resp := ProbeResponse{OK: true, State: s.State, OpenMode: s.PreviewOpenMode}
	if err := g.liveness(s); err != nil {
		var p *Problem
		errors.As(err, &p)
		resp = ProbeResponse{Code: p.Code}
	} else if _, err := sanitize.ParseOrigin(s.UpstreamOrigin); err != nil {
		resp = ProbeResponse{State: s.State, OpenMode: s.PreviewOpenMode, Code: CodeProxyDenied}
	}
	sanitize.ApplyBaseHeaders(w.Header(), reqID)
	writeJSON(w, http.StatusOK, resp)
	g.finish(w, reqID, routeProbe, nil)
}

// ExchangeRequest is the body of POST /preview/session/{sessionId}/exchange.
type ExchangeRequest struct {
	ExchangeToken string `json:"exchangeToken"`
}

// ExchangeResponse is returned after a successful exchange. The cookie is
// set on the same response.
type ExchangeResponse struct {
	Channel        string    `json:"channel"`
	BroadcastToken string    `json:"broadcastToken"`
	ProxyBasePath  string    `json:"proxyBasePath"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

func (g *Gateway) handleExchange(w http.ResponseWriter, r *http.Request) {
	reqID := requestID()
	resp, cookie, err := g.exchange(r, reqID)
	if err != nil {
		g.finish(w, reqID, routeExchange, err)
		return
	}
	http.SetCookie(w, cookie)
	sanitize.ApplyBaseHeaders(w.Header(), reqID)
	writeJSON(w, http.StatusOK, resp)
	g.finish(w, reqID, routeExchange, nil)
}

func exchangeToken(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")), nil
	}
	if r.Body == nil || r.Body == http.NoBody {
		return "", nil
	}
	var req ExchangeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 16<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(req.ExchangeToken), nil
}

func (g *Gateway) exchange(r *http.Request, reqID string) (*ExchangeResponse, *http.Cookie, error) {
	ctx := r.Context()
	ip := clientIP(r, g.cfg.TrustForwardedFor)

	// The ip dimension is charged before lookup so unknown and expired ids
	// count too.
	if err := g.cfg.Limiter.EnforceDimension(ctx, ratelimit.ScopeExchange, ratelimit.DimensionIP, ip); err != nil {
		return nil, nil, limitProblem(err, g.now())
	}

	s, err := g.loadSession(ctx, reqID, r.PathValue("sessionId"))
	if err != nil {
		return nil, nil, err
	}
	if err := g.liveness(s); err != nil {
		return nil, nil, err
	}

	raw, err := exchangeToken(r)
	if err != nil {
		return nil, nil, problem(http.StatusBadRequest, CodeBadRequest, "malformed request body").with(err)
	}

	if err := g.cfg.Limiter.EnforceDimension(ctx, ratelimit.ScopeExchange, ratelimit.DimensionUser, s.UserID); err != nil {
		return nil, nil, limitProblem(err, g.now())
	}

	ev := AuditEvent{Timestamp: g.now().UTC(), RequestID: reqID, SessionID: s.PreviewSessionID, UserID: s.UserID, ClientIP: ip, Route: routeExchange, Method: r.Method, Path: r.URL.Path}
	if raw == "" {
		ev.Decision, ev.Reason = "deny", "missing_exchange_token"
		g.audit.Emit(ev)
		return nil, nil, problem(http.StatusUnauthorized, CodePermissionDenied, "exchange token required")
	}
	if _, err := g.cfg.Tokens.VerifyExchange(ctx, raw, s.Identity); err != nil {
		ev.Decision, ev.Reason = "deny", "exchange_"+string(token.CodeOf(err))
		if token.CodeOf(err) == token.CodeCacheUnavailable {
			ev.Decision = "error"
		}
		g.audit.Emit(ev)
		return nil, nil, tokenProblem(err)
	}

	ttl := g.cfg.Limits.CookieMaxAge
	if remaining := s.TTL(g.now()); remaining < ttl {
		ttl = remaining
	}
	cookieToken, expiresAt, err := g.cfg.Tokens.MintCookie(s.Identity, s.RevocationVersion, ttl)
	if err != nil {
		return nil, nil, err
	}
	ch := token.SessionChannel{SessionID: s.PreviewSessionID}
	broadcastTTL := g.cfg.Limits.BroadcastTokenTTL
	if ttl < broadcastTTL {
		broadcastTTL = ttl
	}
	broadcast, _, err := g.cfg.Tokens.MintBroadcast(s.Identity, ch, broadcastTTL)
	if err != nil {
		return nil, nil, err
	}

	if s.State == session.StatePending {
		if err := g.cfg.Sessions.SetState(ctx, s.PreviewSessionID, session.StateActive); err != nil {
			g.log.Warn("session state update failed", "req_id", reqID, "session_id", s.PreviewSessionID, "err", err)
		}
	}

	ev.Decision, ev.Reason = "allow", "exchange_ok"
	g.audit.Emit(ev)
	return &ExchangeResponse{
		Channel:        ch.Name(),
		BroadcastToken: broadcast,
		ProxyBasePath:  ProxyBasePath(s.PreviewSessionID),
		ExpiresAt:      expiresAt.UTC(),
	}, sessionCookie(s, cookieToken, ttl), nil
}

// authorize runs the external access predicate for a proxied request.
func (g *Gateway) authorize(r *http.Request, s *session.PreviewSession, path string) (policy.Decision, error) {
	return g.cfg.Access.Decide(r.Context(), policy.NewInput(policy.CheckAccess, s, &policy.RequestInput{Method: r.Method, Path: path}))
}
