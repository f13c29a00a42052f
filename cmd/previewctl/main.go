// Command previewctl manages gateway signing keys and mints tokens for
// local testing.
package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"preview-gateway/internal/config"
	"preview-gateway/internal/keys"
	"preview-gateway/internal/kv"
	"preview-gateway/internal/sanitize"
	"preview-gateway/internal/session"
	"preview-gateway/internal/token"
)

const usage = `usage: previewctl <command> [flags]

commands:
  keygen          generate a signing key
  jwks            print the configured keyring as a JWKS document
  mint-exchange   mint a single-use exchange token for a session identity
  mint-upstream   mint an upstream origin token
`

var errUsage = errors.New("invalid usage")

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Getenv); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		fmt.Fprintln(os.Stderr, "previewctl:", err)
		os.Exit(2)
	}
}

func run(args []string, stdout io.Writer, getenv func(string) string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "keygen":
		return keygen(rest, stdout)
	case "jwks":
		return printJWKS(rest, stdout, getenv)
	case "mint-exchange":
		return mintExchange(rest, stdout, getenv)
	case "mint-upstream":
		return mintUpstream(rest, stdout, getenv)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// KeygenOutput is printed by keygen.
type KeygenOutput struct {
	Kid    string `json:"kid"`
	Secret string `json:"secret"`
	// Env is ready to export as PREVIEW_SIGNING_KEY.
	Env string `json:"env"`
}

func keygen(args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	kid := fs.String("kid", "", "key id (default: a random id)")
	asJWKS := fs.Bool("jwks", false, "print a single-key JWKS document instead")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *kid == "" {
		*kid = "k-" + uuid.NewString()[:8]
	}
	k, err := keys.GenerateKey(*kid)
	if err != nil {
		return err
	}
	if *asJWKS {
		km := keys.NewManager()
		if err := km.AddKey(k); err != nil {
			return err
		}
		return writeKeyring(km, stdout)
	}
	secret := base64.StdEncoding.EncodeToString(k.Secret)
	return writeJSON(stdout, KeygenOutput{Kid: k.Kid, Secret: secret, Env: k.Kid + ":" + secret})
}

func writeKeyring(km *keys.Manager, stdout io.Writer) error {
	data, err := km.JWKS()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, string(data))
	return err
}

func loadKeyring(configPath string, getenv func(string) string) (*keys.Manager, *config.Config, error) {
	cfg, err := config.Load(configPath, getenv)
	if err != nil {
		return nil, nil, err
	}
	km, err := cfg.Keyring()
	if err != nil {
		return nil, nil, err
	}
	return km, cfg, nil
}

func printJWKS(args []string, stdout io.Writer, getenv func(string) string) error {
	fs := pflag.NewFlagSet("jwks", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to the gateway config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	km, _, err := loadKeyring(*configPath, getenv)
	if err != nil {
		return err
	}
	return writeKeyring(km, stdout)
}

// authority builds a minting authority. The kv store is never consulted
// when minting.
func authority(km *keys.Manager, cfg *config.Config) *token.Authority {
	return token.NewAuthority(km, kv.NewMemoryStore(), token.Options{Issuer: cfg.Issuer, Leeway: cfg.TokenLeeway})
}

// MintOutput is printed by the mint commands.
type MintOutput struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func mintExchange(args []string, stdout io.Writer, getenv func(string) string) error {
	fs := pflag.NewFlagSet("mint-exchange", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to the gateway config file")
	var id session.Identity
	fs.StringVar(&id.PreviewSessionID, "session", "", "preview session id")
	fs.StringVar(&id.ThreadID, "thread", "", "thread id")
	fs.StringVar(&id.ThreadChatID, "thread-chat", "", "thread chat id")
	fs.StringVar(&id.RunID, "run", "", "run id")
	fs.StringVar(&id.UserID, "user", "", "user id (empty for anonymous)")
	fs.StringVar(&id.CodesandboxID, "sandbox", "", "sandbox id")
	fs.StringVar(&id.SandboxProvider, "provider", "", "sandbox provider")
	ttl := fs.Duration("ttl", 0, "token lifetime (default: the configured exchange token ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if id.PreviewSessionID == "" {
		return fmt.Errorf("%w: --session is required", errUsage)
	}

	km, cfg, err := loadKeyring(*configPath, getenv)
	if err != nil {
		return err
	}
	if *ttl <= 0 {
		*ttl = cfg.Limits.ExchangeTokenTTL
	}
	raw, exp, err := authority(km, cfg).MintExchange(id, uuid.NewString(), *ttl)
	if err != nil {
		return err
	}
	return writeJSON(stdout, MintOutput{Token: raw, ExpiresAt: exp.UTC()})
}

func mintUpstream(args []string, stdout io.Writer, getenv func(string) string) error {
	fs := pflag.NewFlagSet("mint-upstream", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to the gateway config file")
	sessionID := fs.String("session", "", "preview session id")
	origin := fs.String("origin", "", "upstream origin, e.g. https://3000-sbx.example.dev")
	rv := fs.Int64("revocation-version", 0, "session revocation version")
	pinning := fs.String("pinning-mode", "", "pinning mode recorded on the session (e.g. strict_ip)")
	ttl := fs.Duration("ttl", 0, "token lifetime (default: the configured upstream origin token ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" || *origin == "" {
		return fmt.Errorf("%w: --session and --origin are required", errUsage)
	}
	u, err := sanitize.ParseOrigin(*origin)
	if err != nil {
		return err
	}

	km, cfg, err := loadKeyring(*configPath, getenv)
	if err != nil {
		return err
	}
	if *ttl <= 0 {
		*ttl = cfg.Limits.UpstreamOriginTokenTTL
	}
	raw, exp, err := authority(km, cfg).MintUpstreamOrigin(*sessionID, *rv, token.BindingFor(u, *pinning), *ttl)
	if err != nil {
		return err
	}
	return writeJSON(stdout, MintOutput{Token: raw, ExpiresAt: exp.UTC()})
}
