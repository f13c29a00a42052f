// Package session models the preview session row owned by the product's
// database and the narrow store boundary this gateway reads it through.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by a Store when the session does not exist.
var ErrNotFound = errors.New("preview session not found")

// State is the lifecycle state of a preview session.
type State string

const (
	StatePending State = "pending"
	StateActive  State = "active"
	StateStopped State = "stopped"
	StateError   State = "error"
)

// OpenMode is how the preview is displayed to the user.
type OpenMode string

const (
	OpenModeIframe OpenMode = "iframe"
	OpenModeNewTab OpenMode = "new_tab"
)

// PinningModeStrictIP requires every resolution of the upstream host to stay
// within the pinned address set.
const PinningModeStrictIP = "strict_ip"

// Identity is the tuple every preview token is bound to. UserID is empty
// for anonymous previews.
type Identity struct {
	PreviewSessionID string `json:"previewSessionId"`
	ThreadID         string `json:"threadId"`
	ThreadChatID     string `json:"threadChatId"`
	RunID            string `json:"runId"`
	UserID           string `json:"userId,omitempty"`
	CodesandboxID    string `json:"codesandboxId"`
	SandboxProvider  string `json:"sandboxProvider"`
}

// PinnedUpstreamIPs is the address set captured when the upstream origin was
// assigned.
type PinnedUpstreamIPs struct {
	PinningMode string   `json:"pinningMode"`
	AddressesV4 []string `json:"addressesV4"`
	AddressesV6 []string `json:"addressesV6"`
}

// Strict reports whether strict IP pinning is in effect.
func (p *PinnedUpstreamIPs) Strict() bool {
	return p != nil && p.PinningMode == PinningModeStrictIP
}

// Mode returns the pinning mode, or "" when nothing is pinned.
func (p *PinnedUpstreamIPs) Mode() string {
	if p == nil {
		return ""
	}
	return p.PinningMode
}

// Addresses returns the v4 and v6 addresses together.
func (p *PinnedUpstreamIPs) Addresses() []string {
	if p == nil {
		return nil
	}
	out := make([]string, 0, len(p.AddressesV4)+len(p.AddressesV6))
	out = append(out, p.AddressesV4...)
	return append(out, p.AddressesV6...)
}

// PreviewSession is the subset of the session row the gateway uses.
type PreviewSession struct {
	Identity

	UpstreamOrigin           string             `json:"upstreamOrigin,omitempty"`
	UpstreamOriginToken      string             `json:"upstreamOriginToken,omitempty"`
	PinnedUpstreamIPs        *PinnedUpstreamIPs `json:"pinnedUpstreamIps,omitempty"`
	RevocationVersion        int64              `json:"revocationVersion"`
	State                    State              `json:"state"`
	PreviewOpenMode          OpenMode           `json:"previewOpenMode"`
	PreviewRequiresWebsocket bool               `json:"previewRequiresWebsocket"`
	ExpiresAt                time.Time          `json:"expiresAt"`
	RevokedAt                *time.Time         `json:"revokedAt,omitempty"`
}

// Live reports whether the session is neither revoked nor expired at now.
func (s *PreviewSession) Live(now time.Time) bool {
	if s.RevokedAt != nil {
		return false
	}
	return s.ExpiresAt.After(now)
}

// TTL returns the time remaining until the session expires, never negative.
func (s *PreviewSession) TTL(now time.Time) time.Duration {
	d := s.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Store is the boundary to the product's session storage. The gateway only
// reads sessions and moves them between a few states.
type Store interface {
	Get(ctx context.Context, id string) (*PreviewSession, error)
	SetState(ctx context.Context, id string, state State) error
}
