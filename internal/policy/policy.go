// Package policy evaluates the two external predicates consulted per
// request: whether previews are enabled for a session, and whether the
// caller may reach the session's resources.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"preview-gateway/internal/session"
)

// Check names the predicate being evaluated.
type Check string

const (
	CheckFeature Check = "preview_feature"
	CheckAccess  Check = "preview_access"
)

// Decision is a policy outcome.
type Decision struct {
	Allow  bool
	Reason string
}

// SessionInput is the part of a session exposed to policy.
type SessionInput struct {
	PreviewSessionID string `json:"preview_session_id"`
	ThreadID         string `json:"thread_id"`
	UserID           string `json:"user_id,omitempty"`
	CodesandboxID    string `json:"codesandbox_id"`
	SandboxProvider  string `json:"sandbox_provider"`
}

// RequestInput describes the proxied request, when there is one.
type RequestInput struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// Input is sent to the decision endpoint.
type Input struct {
	Check   Check         `json:"check"`
	Session SessionInput  `json:"session"`
	Request *RequestInput `json:"request,omitempty"`
}

// NewInput builds an Input for s.
func NewInput(check Check, s *session.PreviewSession, req *RequestInput) Input {
	return Input{
		Check: check,
		Session: SessionInput{
			PreviewSessionID: s.PreviewSessionID,
			ThreadID:         s.ThreadID,
			UserID:           s.UserID,
			CodesandboxID:    s.CodesandboxID,
			SandboxProvider:  s.SandboxProvider,
		},
		Request: req,
	}
}

// Decider evaluates an Input.
type Decider interface {
	Decide(ctx context.Context, input Input) (Decision, error)
}

// Static always returns the same decision.
type Static Decision

// Allow is a Decider that permits everything.
var Allow Decider = Static{Allow: true}

func (s Static) Decide(context.Context, Input) (Decision, error) {
	return Decision(s), nil
}

// OPAClient queries an OPA-compatible decision endpoint.
type OPAClient struct {
	URL  string
	HTTP *http.Client
}

// Decide posts {"input": input} and accepts either a boolean result or an
// object {allow, reason}.
func (c *OPAClient) Decide(ctx context.Context, input Input) (Decision, error) {
	body, err := json.Marshal(map[string]interface{}{"input": input})
	if err != nil {
		return Decision{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return Decision{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client().Do(req)
	if err != nil {
		return Decision{}, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		return Decision{}, fmt.Errorf("policy status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Result interface{} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return Decision{}, err
	}

	switch v := decoded.Result.(type) {
	case bool:
		return Decision{Allow: v}, nil
	case map[string]interface{}:
		allow, _ := v["allow"].(bool)
		reason, _ := v["reason"].(string)
		return Decision{Allow: allow, Reason: reason}, nil
	case nil:
		// An undefined result means no rule matched.
		return Decision{Reason: "undefined"}, nil
	default:
		return Decision{}, fmt.Errorf("unexpected policy result type: %T", decoded.Result)
	}
}

func (c *OPAClient) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 1500 * time.Millisecond}
}

// HealthURL derives the /health endpoint of the server hosting decisionURL.
func HealthURL(decisionURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(decisionURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", errors.New("decision URL must be absolute")
	}
	u.Path = "/health"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Healthy checks the decision server's health endpoint.
func (c *OPAClient) Healthy(ctx context.Context) error {
	healthURL, err := HealthURL(c.URL)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("health check status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}
