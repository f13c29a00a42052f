package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HTTPStore reads sessions from the product's internal control-plane API:
//
//	GET   {BaseURL}/preview-sessions/{id}
//	PATCH {BaseURL}/preview-sessions/{id}   {"state": "..."}
type HTTPStore struct {
	BaseURL string
	// Token, when set, is sent as a bearer token on every call.
	Token string
	HTTP  *http.Client
}

func (s *HTTPStore) endpoint(id string) string {
	return strings.TrimRight(s.BaseURL, "/") + "/preview-sessions/" + url.PathEscape(id)
}

func (s *HTTPStore) do(ctx context.Context, method, target string, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	client := s.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	return client.Do(req)
}

// Get fetches a session.
func (s *HTTPStore) Get(ctx context.Context, id string) (*PreviewSession, error) {
	resp, err := s.do(ctx, http.MethodGet, s.endpoint(id), nil)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("session store status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out PreviewSession
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if out.PreviewSessionID != id {
		return nil, fmt.Errorf("session store returned id %q for %q", out.PreviewSessionID, id)
	}
	return &out, nil
}

// SetState updates the session state.
func (s *HTTPStore) SetState(ctx context.Context, id string, state State) error {
	resp, err := s.do(ctx, http.MethodPatch, s.endpoint(id), map[string]State{"state": state})
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("session store status %d", resp.StatusCode)
	}
	return nil
}
