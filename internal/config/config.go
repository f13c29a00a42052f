// Package config loads gateway settings: defaults, then an optional YAML
// file, then PREVIEW_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"preview-gateway/internal/keys"
	"preview-gateway/internal/ratelimit"
)

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config is the full gateway configuration.
type Config struct {
	Listen         string `yaml:"listen"`
	InternalListen string `yaml:"internal_listen"`

	Issuer      string        `yaml:"issuer"`
	TokenLeeway time.Duration `yaml:"token_leeway"`

	Limits     Limits           `yaml:"limits"`
	RateLimits ratelimit.Config `yaml:"rate_limits"`

	TrustForwardedFor bool   `yaml:"trust_forwarded_for"`
	InternalToken     string `yaml:"internal_token"`

	KV           KV           `yaml:"kv"`
	ControlPlane ControlPlane `yaml:"control_plane"`
	Policy       Policy       `yaml:"policy"`
	Keys         Keys         `yaml:"keys"`

	// ProviderHeaders are injected into upstream requests by sandbox
	// provider name.
	ProviderHeaders map[string]map[string]string `yaml:"provider_headers"`
}

// Limits are the numeric tunables of the proxy pipeline.
type Limits struct {
	BodyBytes              int64         `yaml:"body_bytes"`
	UpstreamTimeout        time.Duration `yaml:"upstream_timeout"`
	ConcurrencyCeiling     int64         `yaml:"concurrency_ceiling"`
	SemaphoreTTL           time.Duration `yaml:"semaphore_ttl"`
	ExchangeTokenTTL       time.Duration `yaml:"exchange_token_ttl"`
	CookieMaxAge           time.Duration `yaml:"cookie_max_age"`
	BroadcastTokenTTL      time.Duration `yaml:"broadcast_token_ttl"`
	UpstreamOriginTokenTTL time.Duration `yaml:"upstream_origin_token_ttl"`
	DNSTimeout             time.Duration `yaml:"dns_timeout"`
}

// KV selects the shared store.
type KV struct {
	Backend  string `yaml:"backend"`
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ControlPlane locates the session store API.
type ControlPlane struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	// SPIFFESocket, when set, switches control-plane and policy calls to
	// SPIFFE mTLS via the Workload API.
	SPIFFESocket string `yaml:"spiffe_socket"`
}

// Policy locates decision endpoints. Empty URLs allow everything.
type Policy struct {
	FeatureURL string `yaml:"feature_url"`
	AccessURL  string `yaml:"access_url"`
}

// Keys configures the signing keyring. Either JWKSFile or Secrets is used.
type Keys struct {
	JWKSFile string      `yaml:"jwks_file"`
	Secrets  []KeySecret `yaml:"secrets"`
}

// KeySecret is an inline base64 secret. The last entry signs.
type KeySecret struct {
	Kid    string `yaml:"kid"`
	Secret string `yaml:"secret"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:         ":8080",
		InternalListen: ":9090",
		Issuer:         "preview-gateway",
		TokenLeeway:    5 * time.Second,
		Limits: Limits{
			BodyBytes:              2 << 20,
			UpstreamTimeout:        30 * time.Second,
			ConcurrencyCeiling:     16,
			SemaphoreTTL:           60 * time.Second,
			ExchangeTokenTTL:       5 * time.Minute,
			CookieMaxAge:           12 * time.Hour,
			BroadcastTokenTTL:      time.Hour,
			UpstreamOriginTokenTTL: 24 * time.Hour,
			DNSTimeout:             5 * time.Second,
		},
		RateLimits: ratelimit.DefaultConfig(),
		KV:         KV{Backend: BackendRedis, Addr: "localhost:6379"},
	}
}

// Load reads path (if not empty) over the defaults and applies environment
// overrides from getenv. A nil getenv means os.Getenv.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}
	str("PREVIEW_LISTEN", &c.Listen)
	str("PREVIEW_INTERNAL_LISTEN", &c.InternalListen)
	str("PREVIEW_ISSUER", &c.Issuer)
	str("PREVIEW_INTERNAL_TOKEN", &c.InternalToken)
	str("PREVIEW_KV_BACKEND", &c.KV.Backend)
	str("PREVIEW_REDIS_ADDR", &c.KV.Addr)
	str("PREVIEW_REDIS_USERNAME", &c.KV.Username)
	str("PREVIEW_REDIS_PASSWORD", &c.KV.Password)
	str("PREVIEW_CONTROL_PLANE_URL", &c.ControlPlane.URL)
	str("PREVIEW_CONTROL_PLANE_TOKEN", &c.ControlPlane.Token)
	str("PREVIEW_SPIFFE_ENDPOINT_SOCKET", &c.ControlPlane.SPIFFESocket)
	str("PREVIEW_FEATURE_POLICY_URL", &c.Policy.FeatureURL)
	str("PREVIEW_ACCESS_POLICY_URL", &c.Policy.AccessURL)
	str("PREVIEW_JWKS_FILE", &c.Keys.JWKSFile)

	// PREVIEW_SIGNING_KEY is "kid:base64secret" and replaces inline secrets.
	if v := strings.TrimSpace(getenv("PREVIEW_SIGNING_KEY")); v != "" {
		kid, secret, ok := strings.Cut(v, ":")
		if !ok {
			return errors.New("PREVIEW_SIGNING_KEY must be kid:secret")
		}
		c.Keys.Secrets = []KeySecret{{Kid: kid, Secret: secret}}
	}

	var err error
	envInt64 := func(name string, dst *int64) {
		v := strings.TrimSpace(getenv(name))
		if v == "" || err != nil {
			return
		}
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			err = fmt.Errorf("%s: %w", name, perr)
			return
		}
		*dst = n
	}
	envDuration := func(name string, dst *time.Duration) {
		v := strings.TrimSpace(getenv(name))
		if v == "" || err != nil {
			return
		}
		d, perr := time.ParseDuration(v)
		if perr != nil {
			err = fmt.Errorf("%s: %w", name, perr)
			return
		}
		*dst = d
	}
	envBool := func(name string, dst *bool) {
		v := strings.TrimSpace(getenv(name))
		if v == "" || err != nil {
			return
		}
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			*dst = true
		case "0", "false", "f", "no", "n", "off":
			*dst = false
		default:
			err = fmt.Errorf("%s: invalid boolean %q", name, v)
		}
	}

	db := int64(c.KV.DB)
	envInt64("PREVIEW_REDIS_DB", &db)
	c.KV.DB = int(db)
	envInt64("PREVIEW_BODY_LIMIT_BYTES", &c.Limits.BodyBytes)
	envInt64("PREVIEW_CONCURRENCY_CEILING", &c.Limits.ConcurrencyCeiling)
	envDuration("PREVIEW_UPSTREAM_TIMEOUT", &c.Limits.UpstreamTimeout)
	envDuration("PREVIEW_SEMAPHORE_TTL", &c.Limits.SemaphoreTTL)
	envDuration("PREVIEW_EXCHANGE_TOKEN_TTL", &c.Limits.ExchangeTokenTTL)
	envDuration("PREVIEW_COOKIE_MAX_AGE", &c.Limits.CookieMaxAge)
	envBool("PREVIEW_TRUST_FORWARDED_FOR", &c.TrustForwardedFor)
	return err
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Listen) == "":
		return errors.New("listen address is required")
	case strings.TrimSpace(c.InternalListen) == "":
		return errors.New("internal listen address is required")
	case c.Listen == c.InternalListen:
		return errors.New("listen and internal_listen must differ")
	case c.Limits.BodyBytes <= 0:
		return errors.New("limits.body_bytes must be positive")
	case c.Limits.UpstreamTimeout <= 0:
		return errors.New("limits.upstream_timeout must be positive")
	case c.Limits.ConcurrencyCeiling <= 0:
		return errors.New("limits.concurrency_ceiling must be positive")
	case c.Limits.SemaphoreTTL <= 0:
		return errors.New("limits.semaphore_ttl must be positive")
	case c.Limits.ExchangeTokenTTL <= 0 || c.Limits.CookieMaxAge <= 0 ||
		c.Limits.BroadcastTokenTTL <= 0 || c.Limits.UpstreamOriginTokenTTL <= 0:
		return errors.New("token lifetimes must be positive")
	case c.TokenLeeway < 0:
		return errors.New("token_leeway must not be negative")
	case c.InternalToken != "" && len(c.InternalToken) < 16:
		return errors.New("internal_token must be at least 16 characters")
	}

	switch c.KV.Backend {
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(c.KV.Addr) == "" {
			return errors.New("kv.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("kv.backend %q must be %q or %q", c.KV.Backend, BackendRedis, BackendMemory)
	}

	if c.Keys.JWKSFile == "" && len(c.Keys.Secrets) == 0 {
		return errors.New("keys: a jwks_file or at least one secret is required")
	}
	if c.Keys.JWKSFile != "" && len(c.Keys.Secrets) > 0 {
		return errors.New("keys: jwks_file and secrets are mutually exclusive")
	}
	return c.RateLimits.Validate()
}

// Keyring builds the signing keyring described by c.Keys.
func (c *Config) Keyring() (*keys.Manager, error) {
	if c.Keys.JWKSFile != "" {
		data, err := os.ReadFile(c.Keys.JWKSFile)
		if err != nil {
			return nil, fmt.Errorf("read jwks: %w", err)
		}
		return keys.LoadJWKS(data)
	}
	km := keys.NewManager()
	for _, s := range c.Keys.Secrets {
		secret, err := keys.ParseSecret(s.Secret)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", s.Kid, err)
		}
		if err := km.AddKey(&keys.ManagedKey{Kid: s.Kid, State: keys.KeyStateActive, CreatedAt: time.Now(), Secret: secret}); err != nil {
			return nil, fmt.Errorf("key %q: %w", s.Kid, err)
		}
	}
	return km, nil
}
