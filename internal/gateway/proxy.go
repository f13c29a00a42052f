package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"preview-gateway/internal/ratelimit"
	"preview-gateway/internal/sanitize"
	"preview-gateway/internal/session"
	"preview-gateway/internal/ssrf"
	"preview-gateway/internal/token"
)

// releaseTimeout bounds the semaphore release, which runs detached from the
// request context.
const releaseTimeout = 2 * time.Second

var proxyMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// proxyRequest is what the pipeline learns before the upstream fetch.
type proxyRequest struct {
	reqID     string
	ip        string
	sessionID string
	path      string
	session   *session.PreviewSession
	origin    *url.URL
	addresses []string
}

func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	reqID := requestID()
	g.metrics.inflight.Inc()
	defer g.metrics.inflight.Dec()

	if !proxyMethods[r.Method] {
		w.Header().Set("Allow", "GET, HEAD, POST, PUT, PATCH, DELETE, OPTIONS")
		g.finish(w, reqID, routeProxy, problem(http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed"))
		return
	}
	pr := &proxyRequest{reqID: reqID, ip: clientIP(r, g.cfg.TrustForwardedFor)}
	err := g.proxy(w, r, pr)
	g.finish(w, reqID, routeProxy, err)
}

// splitProxyPath separates the session id from the escaped remainder.
func splitProxyPath(escaped string) (id, rest string) {
	tail := strings.TrimPrefix(escaped, proxyPrefix)
	id, rest, found := strings.Cut(tail, "/")
	if found {
		rest = "/" + rest
	}
	return id, rest
}

func (g *Gateway) deny(r *http.Request, pr *proxyRequest, reason string, addrs []string) {
	ev := AuditEvent{
		Timestamp: g.now().UTC(),
		RequestID: pr.reqID,
		SessionID: pr.sessionID,
		ClientIP:  pr.ip,
		Route:     routeProxy,
		Decision:  "deny",
		Reason:    reason,
		Method:    r.Method,
		Path:      pr.path,
		Addresses: addrs,
	}
	if pr.session != nil {
		ev.UserID = pr.session.UserID
	}
	g.audit.Emit(ev)
}

// proxy runs the pipeline. It returns nil once a response has been written;
// any error means nothing has been written yet.
func (g *Gateway) proxy(w http.ResponseWriter, r *http.Request, pr *proxyRequest) error {
	ctx := r.Context()

	// 1. Path.
	id, rest := splitProxyPath(r.URL.EscapedPath())
	pr.sessionID = id
	path, err := sanitize.NormalizePath(rest)
	if err != nil {
		pr.path = rest
		g.deny(r, pr, CodePathDenied, nil)
		return problem(http.StatusForbidden, CodePathDenied, "path not allowed").with(err)
	}
	pr.path = path

	// 2-3. Session and feature gate.
	s, err := g.loadSession(ctx, pr.reqID, id)
	if err != nil {
		return err
	}
	pr.session = s

	// 4-5. Liveness and transport.
	if err := g.liveness(s); err != nil {
		return err
	}

	// 6-9. Cookie.
	c, err := r.Cookie(CookieName(s.PreviewSessionID))
	if err != nil || c.Value == "" {
		g.deny(r, pr, "missing_cookie", nil)
		return problem(http.StatusUnauthorized, CodePermissionDenied, "preview session cookie required")
	}
	if _, err := g.cfg.Tokens.VerifyCookie(c.Value, s.Identity, s.RevocationVersion); err != nil {
		if token.CodeOf(err) == token.CodeBindingMismatch {
			g.deny(r, pr, CodeBindingMismatch, nil)
		}
		return tokenProblem(err)
	}

	// 10. Authorization.
	d, err := g.authorize(r, s, path)
	if err != nil || !d.Allow {
		reason := d.Reason
		if err != nil {
			reason = "access_check_failed"
		}
		g.deny(r, pr, "permission_denied:"+reason, nil)
		return problem(http.StatusForbidden, CodePermissionDenied, "access denied").with(err)
	}

	// 11. Upstream origin.
	origin, err := sanitize.ParseOrigin(s.UpstreamOrigin)
	if err != nil {
		return problem(http.StatusConflict, CodeProxyDenied, "preview upstream not ready").with(err)
	}
	pr.origin = origin

	// 12. Upstream origin token.
	if s.UpstreamOriginToken != "" {
		binding := token.BindingFor(origin, s.PinnedUpstreamIPs.Mode())
		if _, err := g.cfg.Tokens.VerifyUpstreamOrigin(s.UpstreamOriginToken, s.PreviewSessionID, s.RevocationVersion, binding); err != nil {
			if token.CodeOf(err) == token.CodeBindingMismatch {
				g.deny(r, pr, "upstream_"+CodeBindingMismatch, nil)
			}
			return tokenProblem(err)
		}
	}

	// 13. SSRF.
	pinned := ssrf.Pinned{Mode: s.PinnedUpstreamIPs.Mode(), Addresses: s.PinnedUpstreamIPs.Addresses()}
	addrs, err := g.cfg.Guard.Check(ctx, origin.Hostname(), pinned)
	if err != nil {
		var se *ssrf.Error
		if errors.As(err, &se) {
			g.deny(r, pr, se.Code, se.Addresses)
		}
		return ssrfProblem(err)
	}
	pr.addresses = addrs

	// 14. Rate limits.
	if err := g.cfg.Limiter.Enforce(ctx, ratelimit.ScopeProxy, ratelimit.Dimensions{Session: s.PreviewSessionID, IP: pr.ip}); err != nil {
		return limitProblem(err, g.now())
	}

	// 15. Concurrency.
	lease, err := g.cfg.Semaphore.Acquire(ctx, s.PreviewSessionID)
	if err != nil {
		return storeProblem(err)
	}
	// 17. Release on every exit, including client aborts.
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := g.cfg.Semaphore.Release(rctx, &lease); err != nil {
			g.log.Warn("semaphore release failed", "req_id", pr.reqID, "session_id", s.PreviewSessionID, "err", err)
		}
	}()
	if !lease.Acquired {
		p := problem(http.StatusTooManyRequests, CodeRateLimited, "too many concurrent requests for this preview")
		p.RetryAfter = 1
		p.Extra = map[string]any{"limiter": "session"}
		return p
	}

	// 16. Upstream.
	return g.forward(w, r, pr)
}

func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, pr *proxyRequest) error {
	body, err := sanitize.ReadBody(r, g.cfg.Limits.BodyBytes)
	if errors.Is(err, sanitize.ErrBodyTooLarge) {
		return problem(http.StatusRequestEntityTooLarge, CodeBodyTooLarge, "request body too large").with(err)
	}
	if err != nil {
		return problem(http.StatusBadRequest, CodeBadRequest, "unreadable request body").with(err)
	}

	target, err := sanitize.BuildTarget(pr.origin, pr.path, r.URL.RawQuery)
	if err != nil {
		g.deny(r, pr, CodePathDenied, nil)
		return problem(http.StatusForbidden, CodePathDenied, "path not allowed").with(err)
	}

	// The timer bounds the whole exchange for ordinary responses, and only
	// time to headers for event streams.
	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)
	errTimeout := fmt.Errorf("upstream timeout after %s", g.cfg.Limits.UpstreamTimeout)
	timer := time.AfterFunc(g.cfg.Limits.UpstreamTimeout, func() { cancel(errTimeout) })
	defer timer.Stop()
	ctx = ssrf.WithAddresses(ctx, pr.addresses)

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), sanitize.BodyReader(body))
	if err != nil {
		return err
	}
	out.Header = sanitize.ForwardRequestHeaders(r.Header, sanitize.Origin(pr.origin), g.cfg.ProviderHeaders[pr.session.SandboxProvider])
	out.Host = pr.origin.Host

	start := g.now()
	resp, err := g.cfg.Transport.RoundTrip(out)
	if err != nil {
		outcome := outcomeError
		switch {
		case errors.Is(context.Cause(ctx), errTimeout):
			outcome = outcomeTimeout
		case r.Context().Err() != nil:
			outcome = outcomeClientAborted
		}
		g.metrics.upstreamDuration.WithLabelValues(outcome).Observe(g.now().Sub(start).Seconds())
		return problem(http.StatusBadGateway, CodeProxyDenied, "upstream request failed").with(fmt.Errorf("%s: %w", outcome, err))
	}
	defer resp.Body.Close()
	g.metrics.upstreamDuration.WithLabelValues(outcomeOK).Observe(g.now().Sub(start).Seconds())

	stream := sanitize.IsEventStream(resp.Header)
	if stream {
		timer.Stop()
	}

	h := w.Header()
	for k, v := range sanitize.SanitizeResponseHeaders(resp.Header, pr.reqID) {
		h[k] = v
	}
	w.WriteHeader(resp.StatusCode)

	if stream {
		err = relayStream(w, resp.Body)
	} else {
		_, err = io.Copy(w, resp.Body)
	}
	if err != nil && r.Context().Err() == nil {
		g.log.Warn("upstream body relay failed", "req_id", pr.reqID, "session_id", pr.sessionID, "err", err)
	}
	return nil
}

// relayStream copies an event stream, flushing after every read so events
// are not held in buffers.
func relayStream(w http.ResponseWriter, body io.Reader) error {
	rc := http.NewResponseController(w)
	_ = rc.Flush()
	buf := make([]byte, 32<<10)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
