package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"preview-gateway/internal/session"
)

const (
	proxyPrefix   = "/preview/proxy/"
	cookiePrefix  = "preview_"
	cookieHashLen = 24
)

// CookieName is derived from the session id so concurrent previews in one
// browser keep separate cookies.
func CookieName(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return cookiePrefix + hex.EncodeToString(sum[:])[:cookieHashLen]
}

// ProxyBasePath is the path every proxied request for sessionID starts with.
func ProxyBasePath(sessionID string) string {
	return proxyPrefix + sessionID
}

func sessionCookie(s *session.PreviewSession, value string, ttl time.Duration) *http.Cookie {
	sameSite := http.SameSiteLaxMode
	if s.PreviewOpenMode == session.OpenModeIframe {
		sameSite = http.SameSiteNoneMode
	}
	return &http.Cookie{
		Name:     CookieName(s.PreviewSessionID),
		Value:    value,
		Path:     ProxyBasePath(s.PreviewSessionID),
		MaxAge:   int(ttl / time.Second),
		HttpOnly: true,
		Secure:   true,
		SameSite: sameSite,
	}
}
