package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPreviewSession_Live(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	revoked := now.Add(-time.Minute)

	tests := []struct {
		name string
		s    PreviewSession
		want bool
	}{
		{"future expiry", PreviewSession{ExpiresAt: now.Add(time.Hour)}, true},
		{"past expiry", PreviewSession{ExpiresAt: now.Add(-time.Second)}, false},
		{"expiry equals now", PreviewSession{ExpiresAt: now}, false},
		{"revoked", PreviewSession{ExpiresAt: now.Add(time.Hour), RevokedAt: &revoked}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.Live(now); got != tt.want {
				t.Errorf("Live() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPinnedUpstreamIPs(t *testing.T) {
	var nilPin *PinnedUpstreamIPs
	if nilPin.Strict() || nilPin.Mode() != "" || nilPin.Addresses() != nil {
		t.Error("nil pin should be permissive and empty")
	}
	p := &PinnedUpstreamIPs{PinningMode: PinningModeStrictIP, AddressesV4: []string{"203.0.113.5"}, AddressesV6: []string{"2001:db8::5"}}
	if !p.Strict() {
		t.Error("expected strict")
	}
	if got := p.Addresses(); len(got) != 2 {
		t.Errorf("Addresses = %v", got)
	}
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	m.Put(PreviewSession{Identity: Identity{PreviewSessionID: "ps_1"}, State: StatePending})
	got, err := m.Get(ctx, "ps_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	got.State = StateError

	again, _ := m.Get(ctx, "ps_1")
	if again.State != StatePending {
		t.Error("mutating a returned session must not change the store")
	}

	if err := m.SetState(ctx, "ps_1", StateActive); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	again, _ = m.Get(ctx, "ps_1")
	if again.State != StateActive {
		t.Errorf("State = %s, want active", again.State)
	}
	if err := m.SetState(ctx, "missing", StateActive); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHTTPStore(t *testing.T) {
	var patched State
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer cp-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch {
		case r.URL.Path == "/preview-sessions/ps_1" && r.Method == http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{
				"previewSessionId": "ps_1",
				"threadId": "th_1",
				"threadChatId": "tc_1",
				"runId": "run_1",
				"userId": "user_1",
				"codesandboxId": "sbx_1",
				"sandboxProvider": "e2b",
				"upstreamOrigin": "https://sbx-1.sandbox.example",
				"pinnedUpstreamIps": {"pinningMode": "strict_ip", "addressesV4": ["203.0.113.7"], "addressesV6": []},
				"revocationVersion": 3,
				"state": "active",
				"previewOpenMode": "iframe",
				"previewRequiresWebsocket": false,
				"expiresAt": "2030-01-01T00:00:00Z"
			}`))
		case r.URL.Path == "/preview-sessions/ps_1" && r.Method == http.MethodPatch:
			var body struct {
				State State `json:"state"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			patched = body.State
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	store := &HTTPStore{BaseURL: srv.URL + "/", Token: "cp-token", HTTP: srv.Client()}
	ctx := context.Background()

	s, err := store.Get(ctx, "ps_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if s.RunID != "run_1" || s.RevocationVersion != 3 || !s.PinnedUpstreamIPs.Strict() {
		t.Errorf("unexpected session: %+v", s)
	}
	if s.PreviewOpenMode != OpenModeIframe {
		t.Errorf("PreviewOpenMode = %s", s.PreviewOpenMode)
	}

	if _, err := store.Get(ctx, "ps_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := store.SetState(ctx, "ps_1", StateActive); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	if patched != StateActive {
		t.Errorf("patched state = %q", patched)
	}

	bad := &HTTPStore{BaseURL: srv.URL, HTTP: srv.Client()}
	if _, err := bad.Get(ctx, "ps_1"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("expected status error, got %v", err)
	}
}
