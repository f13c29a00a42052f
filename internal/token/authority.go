// Package token mints and verifies the signed claim tokens that bind a
// browser to a preview session.
//
// A token is necessary but never sufficient: every Verify method takes the
// identity and revocation state read independently from the session store
// and fails unless the token agrees with it on every field.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"preview-gateway/internal/keys"
	"preview-gateway/internal/kv"
	"preview-gateway/internal/session"
)

const consumedKeyPrefix = "preview:exchange:consumed:"

// Options configures an Authority.
type Options struct {
	Issuer string
	// Leeway tolerates clock skew on exp/iat/nbf.
	Leeway time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Authority mints and verifies preview tokens.
type Authority struct {
	keys     *keys.Manager
	consumed kv.Store
	issuer   string
	leeway   time.Duration
	now      func() time.Time
}

// NewAuthority creates an Authority signing with km's active key. consumed
// records single-use exchange tokens.
func NewAuthority(km *keys.Manager, consumed kv.Store, opts Options) *Authority {
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		issuer = "preview-gateway"
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Authority{keys: km, consumed: consumed, issuer: issuer, leeway: opts.Leeway, now: now}
}

func (a *Authority) registered(audience, subject, jti string, ttl time.Duration) jwt.RegisteredClaims {
	now := a.now()
	return jwt.RegisteredClaims{
		Issuer:    a.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        jti,
	}
}

func (a *Authority) sign(claims jwt.Claims) (string, error) {
	key, err := a.keys.ActiveKey()
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = key.Kid
	s, err := tok.SignedString(key.Secret)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return s, nil
}

func (a *Authority) keyFunc(t *jwt.Token) (interface{}, error) {
	if kid, _ := t.Header["kid"].(string); kid != "" {
		key, err := a.keys.Key(kid)
		if err != nil {
			return nil, err
		}
		return key.Secret, nil
	}
	// No kid: trial against every usable key.
	set := jwt.VerificationKeySet{}
	for _, secret := range a.keys.VerificationSecrets() {
		set.Keys = append(set.Keys, secret)
	}
	if len(set.Keys) == 0 {
		return nil, errors.New("no verification keys")
	}
	return set, nil
}

func (a *Authority) parse(raw, audience string, claims jwt.Claims) *Error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fail(CodeInvalidState, errors.New("empty token"))
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(a.leeway),
		jwt.WithTimeFunc(a.now),
	)
	tok, err := parser.ParseWithClaims(raw, claims, a.keyFunc)
	switch {
	case err == nil && tok.Valid:
		return nil
	case err == nil:
		return fail(CodeInvalidState, errors.New("token invalid"))
	case errors.Is(err, jwt.ErrTokenExpired):
		return fail(CodeExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fail(CodeInvalidSignature, err)
	default:
		return fail(CodeInvalidState, err)
	}
}

// MintExchange issues a single-use exchange token for id.
func (a *Authority) MintExchange(id session.Identity, jti string, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(jti) == "" {
		return "", time.Time{}, errors.New("jti is required")
	}
	claims := &ExchangeClaims{
		Identity:         id,
		RegisteredClaims: a.registered(AudienceExchange, id.PreviewSessionID, jti, ttl),
	}
	s, err := a.sign(claims)
	return s, claims.ExpiresAt.Time, err
}

// VerifyExchange verifies an exchange token against the session identity
// and consumes it. A second verification of the same token fails even
// though its signature is valid.
func (a *Authority) VerifyExchange(ctx context.Context, raw string, expected session.Identity) (*ExchangeClaims, error) {
	claims := &ExchangeClaims{}
	if err := a.parse(raw, AudienceExchange, claims); err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return nil, fail(CodeInvalidState, errors.New("missing jti"))
	}
	if claims.Identity != expected {
		return nil, fail(CodeBindingMismatch, errors.New("identity does not match session"))
	}

	ttl := claims.ExpiresAt.Time.Sub(a.now()) + a.leeway
	if ttl < time.Second {
		ttl = time.Second
	}
	fresh, err := a.consumed.SetNX(ctx, consumedKeyPrefix+claims.ID, "1", ttl)
	if err != nil {
		return nil, fail(CodeCacheUnavailable, err)
	}
	if !fresh {
		return nil, fail(CodeInvalidState, ErrReplayed)
	}
	return claims, nil
}

// MintCookie issues the reusable proxy cookie token.
func (a *Authority) MintCookie(id session.Identity, revocationVersion int64, ttl time.Duration) (string, time.Time, error) {
	claims := &CookieClaims{
		Identity:          id,
		RevocationVersion: revocationVersion,
		RegisteredClaims:  a.registered(AudienceCookie, id.PreviewSessionID, "", ttl),
	}
	s, err := a.sign(claims)
	return s, claims.ExpiresAt.Time, err
}

// VerifyCookie checks signature and shape, then the identity tuple, then
// the revocation version, reporting the first failure.
func (a *Authority) VerifyCookie(raw string, expected session.Identity, revocationVersion int64) (*CookieClaims, error) {
	claims := &CookieClaims{}
	if err := a.parse(raw, AudienceCookie, claims); err != nil {
		return nil, err
	}
	if claims.Identity != expected {
		return nil, fail(CodeBindingMismatch, errors.New("identity does not match session"))
	}
	if claims.RevocationVersion != revocationVersion {
		return nil, fail(CodeRevoked, fmt.Errorf("revocation version %d, session at %d", claims.RevocationVersion, revocationVersion))
	}
	return claims, nil
}

// MintUpstreamOrigin issues a token binding sessionID to an upstream.
func (a *Authority) MintUpstreamOrigin(sessionID string, revocationVersion int64, binding UpstreamBinding, ttl time.Duration) (string, time.Time, error) {
	claims := &UpstreamOriginClaims{
		PreviewSessionID:  sessionID,
		RevocationVersion: revocationVersion,
		UpstreamBinding:   binding,
		RegisteredClaims:  a.registered(AudienceUpstreamOrigin, sessionID, "", ttl),
	}
	s, err := a.sign(claims)
	return s, claims.ExpiresAt.Time, err
}

// VerifyUpstreamOrigin checks an upstream origin token against the
// session's current origin.
func (a *Authority) VerifyUpstreamOrigin(raw, sessionID string, revocationVersion int64, current UpstreamBinding) (*UpstreamOriginClaims, error) {
	claims := &UpstreamOriginClaims{}
	if err := a.parse(raw, AudienceUpstreamOrigin, claims); err != nil {
		return nil, err
	}
	if claims.PreviewSessionID != sessionID {
		return nil, fail(CodeBindingMismatch, errors.New("upstream token issued for another session"))
	}
	if claims.UpstreamBinding != current {
		return nil, fail(CodeBindingMismatch, errors.New("upstream token does not match current origin"))
	}
	if claims.RevocationVersion != revocationVersion {
		return nil, fail(CodeRevoked, fmt.Errorf("revocation version %d, session at %d", claims.RevocationVersion, revocationVersion))
	}
	return claims, nil
}

// MintBroadcast issues a token authorizing a subscription to ch.
func (a *Authority) MintBroadcast(id session.Identity, ch Channel, ttl time.Duration) (string, time.Time, error) {
	claims := &BroadcastClaims{
		Identity:         id,
		SchemaVersion:    BroadcastSchemaVersion,
		ChannelType:      ch.Type(),
		Channel:          ch.Name(),
		RegisteredClaims: a.registered(AudienceBroadcast, id.PreviewSessionID, "", ttl),
	}
	s, err := a.sign(claims)
	return s, claims.ExpiresAt.Time, err
}

// VerifyBroadcast checks a broadcast token against the session identity.
func (a *Authority) VerifyBroadcast(raw string, expected session.Identity) (*BroadcastClaims, Channel, error) {
	claims := &BroadcastClaims{}
	if err := a.parse(raw, AudienceBroadcast, claims); err != nil {
		return nil, nil, err
	}
	if claims.SchemaVersion != BroadcastSchemaVersion {
		return nil, nil, fail(CodeInvalidState, fmt.Errorf("unsupported schema version %d", claims.SchemaVersion))
	}
	if claims.Identity != expected {
		return nil, nil, fail(CodeBindingMismatch, errors.New("identity does not match session"))
	}
	ch, err := ChannelFor(claims.ChannelType, claims.PreviewSessionID)
	if err != nil {
		return nil, nil, fail(CodeInvalidState, err)
	}
	if ch.Name() != claims.Channel {
		return nil, nil, fail(CodeBindingMismatch, errors.New("channel does not match session"))
	}
	return claims, ch, nil
}
