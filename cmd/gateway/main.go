package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"

	"preview-gateway/internal/config"
	"preview-gateway/internal/gateway"
	"preview-gateway/internal/kv"
	"preview-gateway/internal/policy"
	"preview-gateway/internal/ratelimit"
	"preview-gateway/internal/semaphore"
	"preview-gateway/internal/session"
	"preview-gateway/internal/ssrf"
	"preview-gateway/internal/token"
)

// options are the command line flags. Flags override the config file and
// environment.
type options struct {
	configPath     string
	listen         string
	internalListen string
	logLevel       string
}

func parseFlags(args []string) (*options, error) {
	fs := pflag.NewFlagSet("gateway", pflag.ContinueOnError)
	o := &options{}
	fs.StringVarP(&o.configPath, "config", "c", "", "path to a YAML config file")
	fs.StringVar(&o.listen, "listen", "", "public listen address (overrides config)")
	fs.StringVar(&o.internalListen, "internal-listen", "", "internal listen address for health, metrics and issuance (overrides config)")
	fs.StringVar(&o.logLevel, "log-level", "info", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return o, nil
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// app owns everything main has to close on the way out.
type app struct {
	gw      *gateway.Gateway
	closers []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func newStore(ctx context.Context, cfg config.KV, log *slog.Logger) (kv.Store, func() error, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		log.Warn("using in-memory kv store; limits and replay protection are per process")
		s := kv.NewMemoryStore()
		s.StartJanitor(ctx, time.Minute)
		return s, s.Close, nil
	case config.BackendRedis:
		s := kv.Dial(kv.RedisOptions{
			Addr:         cfg.Addr,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		})
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.Ping(pctx); err != nil {
			// Requests fail with 503 until the store comes back; readiness
			// reports it.
			log.Warn("kv store not reachable at startup", "addr", cfg.Addr, "err", err)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown kv backend %q", cfg.Backend)
	}
}

// controlPlaneClient returns the client used for session and policy calls.
// With a SPIFFE socket both sides are authenticated by the Workload API.
func controlPlaneClient(ctx context.Context, socket string) (*http.Client, func() error, error) {
	if socket == "" {
		return &http.Client{Timeout: 1500 * time.Millisecond}, func() error { return nil }, nil
	}
	source, err := workloadapi.NewX509Source(ctx, workloadapi.WithClientOptions(workloadapi.WithAddr(socket)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create X509Source: %w", err)
	}
	tlsCfg := tlsconfig.MTLSClientConfig(source, source, tlsconfig.AuthorizeAny())
	tlsCfg.MinVersion = tls.VersionTLS12
	client := &http.Client{
		Timeout:   1500 * time.Millisecond,
		Transport: &http.Transport{TLSClientConfig: tlsCfg, ForceAttemptHTTP2: true},
	}
	return client, source.Close, nil
}

func build(ctx context.Context, cfg *config.Config, log *slog.Logger, audit io.Writer) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		_ = a.Close()
		return nil, err
	}

	store, closeStore, err := newStore(ctx, cfg.KV, log)
	if err != nil {
		return fail(err)
	}
	a.closers = append(a.closers, closeStore)

	km, err := cfg.Keyring()
	if err != nil {
		return fail(err)
	}
	if _, err := km.ActiveKey(); err != nil {
		return fail(fmt.Errorf("keyring: %w", err))
	}
	tokens := token.NewAuthority(km, store, token.Options{Issuer: cfg.Issuer, Leeway: cfg.TokenLeeway})

	limiter, err := ratelimit.New(store, cfg.RateLimits, nil)
	if err != nil {
		return fail(err)
	}
	sem, err := semaphore.New(store, cfg.Limits.ConcurrencyCeiling, cfg.Limits.SemaphoreTTL)
	if err != nil {
		return fail(err)
	}

	client, closeClient, err := controlPlaneClient(ctx, cfg.ControlPlane.SPIFFESocket)
	if err != nil {
		return fail(err)
	}
	a.closers = append(a.closers, closeClient)

	var sessions session.Store
	if cfg.ControlPlane.URL != "" {
		sessions = &session.HTTPStore{BaseURL: cfg.ControlPlane.URL, Token: cfg.ControlPlane.Token, HTTP: client}
	} else {
		log.Warn("no control plane configured; serving sessions from an empty in-memory store")
		sessions = session.NewMemoryStore()
	}

	var features, access policy.Decider
	checks := map[string]func(context.Context) error{}
	if cfg.Policy.FeatureURL != "" {
		c := &policy.OPAClient{URL: cfg.Policy.FeatureURL, HTTP: client}
		features, checks["feature_policy"] = c, c.Healthy
	}
	if cfg.Policy.AccessURL != "" {
		c := &policy.OPAClient{URL: cfg.Policy.AccessURL, HTTP: client}
		access, checks["access_policy"] = c, c.Healthy
	}

	transport := gateway.NewTransport(nil)
	a.closers = append(a.closers, func() error { transport.CloseIdleConnections(); return nil })

	a.gw, err = gateway.New(gateway.Config{
		Sessions:          sessions,
		Tokens:            tokens,
		Guard:             &ssrf.Guard{Resolver: net.DefaultResolver, LookupTimeout: cfg.Limits.DNSTimeout},
		Limiter:           limiter,
		Semaphore:         sem,
		Store:             store,
		Features:          features,
		Access:            access,
		ReadinessChecks:   checks,
		Transport:         transport,
		Limits:            cfg.Limits,
		TrustForwardedFor: cfg.TrustForwardedFor,
		InternalToken:     cfg.InternalToken,
		ProviderHeaders:   cfg.ProviderHeaders,
		Logger:            log,
		Audit:             audit,
	})
	if err != nil {
		return fail(err)
	}
	return a, nil
}

func serve(ctx context.Context, log *slog.Logger, servers ...*http.Server) error {
	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			log.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s: %w", srv.Addr, err)
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errCh:
	}

	// Event streams never finish by themselves, so shutdown is bounded.
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if serr := srv.Shutdown(sctx); serr != nil {
			log.Warn("shutdown incomplete", "addr", srv.Addr, "err", serr)
		}
	}
	return err
}

func run(ctx context.Context, args []string, getenv func(string) string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	log, err := newLogger(os.Stderr, opts.logLevel)
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.configPath, getenv)
	if err != nil {
		return err
	}
	if opts.listen != "" {
		cfg.Listen = opts.listen
	}
	if opts.internalListen != "" {
		cfg.InternalListen = opts.internalListen
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.InternalToken) == "" {
		log.Warn("internal token not set; issuance routes are disabled")
	}

	a, err := build(ctx, cfg, log, os.Stdout)
	if err != nil {
		return err
	}
	defer a.Close()

	public := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.gw.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	internal := &http.Server{
		Addr:              cfg.InternalListen,
		Handler:           a.gw.InternalHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return serve(ctx, log, public, internal)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Getenv); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}
