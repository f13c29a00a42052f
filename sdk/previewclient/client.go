// Package previewclient is a Go client for the preview gateway.
//
// Backend services use the internal API to issue exchange tokens; browsers
// (or tests standing in for them) probe a session and trade the exchange
// token for the proxy cookie.
//
//	client, err := previewclient.NewClient(previewclient.Config{
//	    GatewayURL:    "https://preview.example.dev",
//	    InternalURL:   "http://preview-gateway.internal:9090",
//	    InternalToken: os.Getenv("PREVIEW_INTERNAL_TOKEN"),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	issued, err := client.IssueExchangeToken(ctx, sessionID, clientIP)
//	...
//	ex, err := client.Exchange(ctx, sessionID, issued.Token)
package previewclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Common errors. *APIError unwraps to one of these where it applies.
var (
	ErrNotFound     = errors.New("preview session not found")
	ErrUnauthorized = errors.New("preview access not authorized")
	ErrForbidden    = errors.New("preview access forbidden")
	ErrRateLimited  = errors.New("rate limited")
	ErrUnavailable  = errors.New("preview gateway temporarily unavailable")
	ErrConnection   = errors.New("connection to preview gateway failed")
)

// Config holds the client configuration.
type Config struct {
	GatewayURL    string        // Public gateway endpoint (default: http://localhost:8080)
	InternalURL   string        // Internal listener (default: http://localhost:9090)
	InternalToken string        // Required for the Issue* calls
	Timeout       time.Duration // Request timeout (default: 30s)
	HTTPClient    *http.Client  // Custom HTTP client (optional)
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		GatewayURL:  "http://localhost:8080",
		InternalURL: "http://localhost:9090",
		Timeout:     30 * time.Second,
	}
}

// Client calls the gateway's session and internal routes.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a new client.
func NewClient(config Config) (*Client, error) {
	def := DefaultConfig()
	if config.GatewayURL == "" {
		config.GatewayURL = def.GatewayURL
	}
	if config.InternalURL == "" {
		config.InternalURL = def.InternalURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	for _, raw := range []string{config.GatewayURL, config.InternalURL} {
		if _, err := url.ParseRequestURI(raw); err != nil {
			return nil, fmt.Errorf("invalid URL %q: %w", raw, err)
		}
	}
	config.GatewayURL = strings.TrimRight(config.GatewayURL, "/")
	config.InternalURL = strings.TrimRight(config.InternalURL, "/")

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	return &Client{config: config, httpClient: httpClient}, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// APIError is a non-2xx gateway response.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
	// Limiter and NextAllowedAt are set on 429 responses.
	Limiter       string    `json:"limiter,omitempty"`
	NextAllowedAt time.Time `json:"nextAllowedAt,omitempty"`
	RetryAfter    time.Duration
	RequestID     string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("preview gateway: %d %s: %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("preview gateway: %d: %s", e.Status, msg)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	case e.Status == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.Status == http.StatusForbidden:
		return ErrForbidden
	case e.Status == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.Status == http.StatusServiceUnavailable:
		return ErrUnavailable
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, target string, body any, header http.Header, out any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode, RequestID: resp.Header.Get("X-Proxy-Req-Id")}
		_ = json.Unmarshal(respBody, apiErr)
		if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			apiErr.RetryAfter = time.Duration(s) * time.Second
		}
		return resp, apiErr
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp, nil
}

// ProbeResult reports whether a session can be opened right now. Code is
// set when it cannot.
type ProbeResult struct {
	OK       bool   `json:"ok"`
	State    string `json:"state,omitempty"`
	OpenMode string `json:"openMode,omitempty"`
	Code     string `json:"code,omitempty"`
}

// Probe checks a session without presenting any credential.
func (c *Client) Probe(ctx context.Context, sessionID string) (*ProbeResult, error) {
	var out ProbeResult
	_, err := c.do(ctx, http.MethodGet, c.config.GatewayURL+"/preview/probe/"+url.PathEscape(sessionID), nil, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ExchangeResult is returned by Exchange. Cookie is the proxy cookie set by
// the gateway; send it with every request under ProxyBasePath.
type ExchangeResult struct {
	Channel        string    `json:"channel"`
	BroadcastToken string    `json:"broadcastToken"`
	ProxyBasePath  string    `json:"proxyBasePath"`
	ExpiresAt      time.Time `json:"expiresAt"`
	Cookie         *http.Cookie
}

// Exchange trades a single-use exchange token for the proxy cookie.
func (c *Client) Exchange(ctx context.Context, sessionID, exchangeToken string) (*ExchangeResult, error) {
	var out ExchangeResult
	body := map[string]string{"exchangeToken": exchangeToken}
	resp, err := c.do(ctx, http.MethodPost, c.config.GatewayURL+"/preview/session/"+url.PathEscape(sessionID)+"/exchange", body, nil, &out)
	if err != nil {
		return nil, err
	}
	for _, ck := range resp.Cookies() {
		if strings.HasPrefix(ck.Name, "preview_") {
			out.Cookie = ck
			break
		}
	}
	if out.Cookie == nil {
		return nil, errors.New("exchange succeeded without a proxy cookie")
	}
	return &out, nil
}

// ProxyURL returns the gateway URL for path inside a session's preview.
func (c *Client) ProxyURL(sessionID, path string) string {
	return c.config.GatewayURL + "/preview/proxy/" + url.PathEscape(sessionID) + "/" + strings.TrimLeft(path, "/")
}

// IssuedToken is returned by the Issue* calls.
type IssuedToken struct {
	Token        string
	ExpiresAt    time.Time
	ExchangePath string
}

func (c *Client) internalHeader() (http.Header, error) {
	if c.config.InternalToken == "" {
		return nil, errors.New("internal token not configured")
	}
	return http.Header{"X-Internal-Token": {c.config.InternalToken}}, nil
}

// IssueExchangeToken asks the gateway for an exchange token on behalf of
// the user at clientIP, which may be empty.
func (c *Client) IssueExchangeToken(ctx context.Context, sessionID, clientIP string) (*IssuedToken, error) {
	h, err := c.internalHeader()
	if err != nil {
		return nil, err
	}
	var out struct {
		ExchangeToken string    `json:"exchangeToken"`
		ExpiresAt     time.Time `json:"expiresAt"`
		ExchangePath  string    `json:"exchangePath"`
	}
	target := c.config.InternalURL + "/internal/sessions/" + url.PathEscape(sessionID) + "/exchange-token"
	if _, err := c.do(ctx, http.MethodPost, target, map[string]string{"clientIp": clientIP}, h, &out); err != nil {
		return nil, err
	}
	return &IssuedToken{Token: out.ExchangeToken, ExpiresAt: out.ExpiresAt, ExchangePath: out.ExchangePath}, nil
}

// IssueUpstreamOriginToken asks the gateway to sign the session's current
// upstream origin. The caller stores the token on the session row.
func (c *Client) IssueUpstreamOriginToken(ctx context.Context, sessionID string) (*IssuedToken, error) {
	h, err := c.internalHeader()
	if err != nil {
		return nil, err
	}
	var out struct {
		UpstreamOriginToken string    `json:"upstreamOriginToken"`
		ExpiresAt           time.Time `json:"expiresAt"`
	}
	target := c.config.InternalURL + "/internal/sessions/" + url.PathEscape(sessionID) + "/upstream-origin-token"
	if _, err := c.do(ctx, http.MethodPost, target, nil, h, &out); err != nil {
		return nil, err
	}
	return &IssuedToken{Token: out.UpstreamOriginToken, ExpiresAt: out.ExpiresAt}, nil
}
