package token

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"preview-gateway/internal/session"
)

// Audiences keep one token class from being accepted as another.
const (
	AudienceExchange       = "preview:exchange"
	AudienceCookie         = "preview:cookie"
	AudienceUpstreamOrigin = "preview:upstream-origin"
	AudienceBroadcast      = "preview:broadcast"
)

// BroadcastSchemaVersion is stamped into every broadcast token.
const BroadcastSchemaVersion = 1

// ExchangeClaims are carried by the one-time token exchanged for a cookie.
type ExchangeClaims struct {
	session.Identity
	jwt.RegisteredClaims
}

// CookieClaims are carried by the proxy session cookie.
type CookieClaims struct {
	session.Identity
	RevocationVersion int64 `json:"revocationVersion"`
	jwt.RegisteredClaims
}

// UpstreamBinding is the part of an upstream origin a token asserts.
type UpstreamBinding struct {
	Scheme      string `json:"scheme"`
	Host        string `json:"host"`
	Port        string `json:"port"`
	PinningMode string `json:"pinningMode,omitempty"`
}

// BindingFor describes origin the way upstream origin tokens do, with the
// scheme's default port filled in.
func BindingFor(origin *url.URL, pinningMode string) UpstreamBinding {
	port := origin.Port()
	if port == "" {
		port = "443"
		if origin.Scheme == "http" {
			port = "80"
		}
	}
	return UpstreamBinding{
		Scheme:      strings.ToLower(origin.Scheme),
		Host:        strings.ToLower(origin.Hostname()),
		Port:        port,
		PinningMode: pinningMode,
	}
}

// UpstreamOriginClaims assert that a session's upstream origin was assigned
// by the backend rather than injected.
type UpstreamOriginClaims struct {
	PreviewSessionID  string `json:"previewSessionId"`
	RevocationVersion int64  `json:"revocationVersion"`
	UpstreamBinding
	jwt.RegisteredClaims
}

// BroadcastClaims authorize a realtime channel subscription.
type BroadcastClaims struct {
	session.Identity
	SchemaVersion int         `json:"schemaVersion"`
	ChannelType   ChannelType `json:"channelType"`
	Channel       string      `json:"channel"`
	jwt.RegisteredClaims
}

// ChannelType tags a realtime channel.
type ChannelType string

const (
	ChannelTypePreviewSession ChannelType = "preview_session"
)

// Channel is a realtime channel a broadcast token may grant. The set of
// implementations is closed.
type Channel interface {
	Type() ChannelType
	Name() string
	channel()
}

// SessionChannel carries state changes of one preview session.
type SessionChannel struct {
	SessionID string
}

func (SessionChannel) Type() ChannelType { return ChannelTypePreviewSession }
func (c SessionChannel) Name() string    { return "preview:" + c.SessionID }
func (SessionChannel) channel()          {}

// ChannelFor rebuilds the channel named by a type tag for a session.
func ChannelFor(t ChannelType, sessionID string) (Channel, error) {
	switch t {
	case ChannelTypePreviewSession:
		return SessionChannel{SessionID: sessionID}, nil
	}
	return nil, fmt.Errorf("unknown channel type %q", t)
}
