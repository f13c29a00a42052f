// Package keys manages the symmetric signing keys used for preview tokens,
// with rotation support.
package keys

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// MinSecretBytes is the shortest HMAC secret the manager accepts.
const MinSecretBytes = 32

// KeyState represents the lifecycle state of a signing key.
type KeyState string

const (
	KeyStateActive     KeyState = "active"     // Currently used for signing
	KeyStateDeprecated KeyState = "deprecated" // Still valid for verification, not signing
	KeyStateRevoked    KeyState = "revoked"    // No longer valid
)

// ManagedKey is an HMAC secret with lifecycle metadata.
type ManagedKey struct {
	Kid       string    `json:"kid"`
	State     KeyState  `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	RevokedAt time.Time `json:"revoked_at,omitempty"`
	Secret    []byte    `json:"-"`
}

// Manager holds the keyring. Exactly one key signs; active and deprecated
// keys verify.
type Manager struct {
	mu      sync.RWMutex
	keys    map[string]*ManagedKey
	current string // Kid of current active key
}

// NewManager creates an empty keyring.
func NewManager() *Manager {
	return &Manager{
		keys: make(map[string]*ManagedKey),
	}
}

// AddKey adds a key to the manager.
func (km *Manager) AddKey(key *ManagedKey) error {
	if strings.TrimSpace(key.Kid) == "" {
		return errors.New("key id is required")
	}
	if len(key.Secret) < MinSecretBytes {
		return fmt.Errorf("key %s: secret must be at least %d bytes", key.Kid, MinSecretBytes)
	}
	if key.State == "" {
		key.State = KeyStateActive
	}

	km.mu.Lock()
	defer km.mu.Unlock()

	if _, exists := km.keys[key.Kid]; exists {
		return fmt.Errorf("key with kid %s already exists", key.Kid)
	}

	km.keys[key.Kid] = key

	if key.State == KeyStateActive {
		if km.current != "" {
			if prev, ok := km.keys[km.current]; ok {
				prev.State = KeyStateDeprecated
			}
		}
		km.current = key.Kid
	}

	return nil
}

// SetActive sets a key as the active signing key.
func (km *Manager) SetActive(kid string) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	key, exists := km.keys[kid]
	if !exists {
		return fmt.Errorf("key %s not found", kid)
	}

	if key.State == KeyStateRevoked {
		return fmt.Errorf("cannot activate revoked key")
	}

	// Deprecate the current active key
	if km.current != "" && km.current != kid {
		if current, ok := km.keys[km.current]; ok {
			current.State = KeyStateDeprecated
		}
	}

	key.State = KeyStateActive
	km.current = kid
	return nil
}

// RevokeKey marks a key as revoked. Tokens signed with it stop verifying.
func (km *Manager) RevokeKey(kid string) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	key, exists := km.keys[kid]
	if !exists {
		return fmt.Errorf("key %s not found", kid)
	}

	key.State = KeyStateRevoked
	key.RevokedAt = time.Now()
	key.Secret = nil

	if km.current == kid {
		km.current = ""
	}

	return nil
}

// ActiveKey returns the current signing key.
func (km *Manager) ActiveKey() (*ManagedKey, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	if km.current == "" {
		return nil, fmt.Errorf("no active key")
	}

	key, exists := km.keys[km.current]
	if !exists || key.State != KeyStateActive {
		return nil, fmt.Errorf("active key not found")
	}

	return key, nil
}

// Key returns a key by kid for verification.
func (km *Manager) Key(kid string) (*ManagedKey, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	key, exists := km.keys[kid]
	if !exists {
		return nil, fmt.Errorf("key %s not found", kid)
	}

	if key.State == KeyStateRevoked {
		return nil, fmt.Errorf("key %s is revoked", kid)
	}

	return key, nil
}

// VerificationSecrets returns the secrets of every non-revoked key, active
// key first.
func (km *Manager) VerificationSecrets() [][]byte {
	km.mu.RLock()
	defer km.mu.RUnlock()

	out := make([][]byte, 0, len(km.keys))
	if k, ok := km.keys[km.current]; ok && k.State == KeyStateActive {
		out = append(out, k.Secret)
	}
	for _, kid := range km.sortedKids() {
		k := km.keys[kid]
		if kid == km.current || k.State == KeyStateRevoked {
			continue
		}
		out = append(out, k.Secret)
	}
	return out
}

// ListKeys returns all keys with their states, ordered by kid.
func (km *Manager) ListKeys() []*ManagedKey {
	km.mu.RLock()
	defer km.mu.RUnlock()

	keys := make([]*ManagedKey, 0, len(km.keys))
	for _, kid := range km.sortedKids() {
		keys = append(keys, km.keys[kid])
	}
	return keys
}

func (km *Manager) sortedKids() []string {
	kids := make([]string, 0, len(km.keys))
	for kid := range km.keys {
		kids = append(kids, kid)
	}
	sort.Strings(kids)
	return kids
}

// GenerateKey creates a random HMAC key.
func GenerateKey(kid string) (*ManagedKey, error) {
	secret := make([]byte, MinSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &ManagedKey{
		Kid:       kid,
		State:     KeyStateActive,
		CreatedAt: time.Now(),
		Secret:    secret,
	}, nil
}

// ParseSecret decodes a base64 (standard or URL, padded or raw) secret.
func ParseSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("secret is not valid base64")
}

// keyStateParam is the private JWK member carrying a key's lifecycle state.
const keyStateParam = "x-state"

// LoadJWKS builds a keyring from a JWK Set of "oct" keys. A key may carry an
// "x-state" member; keys without one are active, with the last active key in
// the set becoming the signing key.
func LoadJWKS(data []byte) (*Manager, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}

	var raw struct {
		Keys []map[string]any `json:"keys"`
	}
	_ = json.Unmarshal(data, &raw)

	km := NewManager()
	for i, k := range set.Keys {
		secret, ok := k.Key.([]byte)
		if !ok {
			return nil, fmt.Errorf("jwks key %q: only symmetric keys are supported, got %T", k.KeyID, k.Key)
		}
		state := KeyStateActive
		if i < len(raw.Keys) {
			if s, _ := raw.Keys[i][keyStateParam].(string); s != "" {
				state = KeyState(s)
			}
		}
		switch state {
		case KeyStateActive, KeyStateDeprecated, KeyStateRevoked:
		default:
			return nil, fmt.Errorf("jwks key %q: unknown state %q", k.KeyID, state)
		}
		if err := km.AddKey(&ManagedKey{Kid: k.KeyID, State: state, CreatedAt: time.Now(), Secret: secret}); err != nil {
			return nil, err
		}
	}
	if _, err := km.ActiveKey(); err != nil {
		return nil, errors.New("jwks contained no active key")
	}
	return km, nil
}

// JWKS exports the keyring as a JWK Set. The output contains secrets and is
// only meant for distributing the keyring between gateway replicas.
func (km *Manager) JWKS() ([]byte, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	entries := make([]json.RawMessage, 0, len(km.keys))
	for _, kid := range km.sortedKids() {
		k := km.keys[kid]
		if k.State == KeyStateRevoked {
			continue
		}
		jwk := jose.JSONWebKey{Key: k.Secret, KeyID: k.Kid, Algorithm: "HS256", Use: "sig"}
		b, err := jwk.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("marshal key %s: %w", kid, err)
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, err
		}
		m[keyStateParam] = string(k.State)
		b, err = json.Marshal(m)
		if err != nil {
			return nil, err
		}
		entries = append(entries, b)
	}
	return json.Marshal(map[string]any{"keys": entries})
}
