package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	gatewayauth "fundvault/gateway/auth"
	"fundvault/gateway/config"
	"fundvault/gateway/middleware"
	"fundvault/gateway/routes"
	"fundvault/observability/logging"
	telemetry "fundvault/observability/otel"
)

const (
	envEnvironment = "FUNDVAULT_ENV"
	envNodeURL     = "FUNDVAULT_GATEWAY_NODE_URL"
	envNodeToken   = "FUNDVAULT_RPC_TOKEN"
)

func main() {
	configPath := flag.String("config", "", "path to the gateway YAML config")
	allowInsecure := flag.Bool("allow-insecure", false, "permit plaintext HTTP on loopback or dev deployments")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv(envEnvironment))
	logger := logging.Setup("fund-gateway", env)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load gateway config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" && (cfg.Observability.Metrics || cfg.Observability.Tracing) {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: cfg.Observability.ServiceName,
			Environment: env,
			Endpoint:    endpoint,
			Insecure:    strings.EqualFold(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"), "true"),
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     cfg.Observability.Metrics,
			Traces:      cfg.Observability.Tracing,
		})
		if err != nil {
			log.Fatalf("init telemetry: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	nodeURL := resolveNodeURL(cfg, env, logger)
	nodeToken := strings.TrimSpace(os.Getenv(envNodeToken))
	if nodeToken == "" {
		logger.Warn("FUNDVAULT_RPC_TOKEN is not set; mutating fund routes will fail until it is provided")
	}

	client, err := routes.NewNodeClient(nodeURL, nodeToken, cfg.Node.Timeout)
	if err != nil {
		log.Fatalf("build node client: %v", err)
	}

	authSecret := cfg.Auth.ResolveSecret()
	if cfg.Auth.Enabled && authSecret == "" {
		log.Fatalf("auth is enabled but no HMAC secret is configured; set auth.hmacSecretEnv or auth.hmacSecret")
	}
	authn := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:        cfg.Auth.Enabled,
		HMACSecret:     authSecret,
		Issuer:         cfg.Auth.Issuer,
		Audience:       cfg.Auth.Audience,
		ScopeClaim:     cfg.Auth.ScopeClaim,
		OptionalPaths:  cfg.Auth.OptionalPaths,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		ClockSkew:      cfg.Auth.ClockSkew,
	}, nil)

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Metrics || cfg.Observability.Tracing || cfg.Observability.LogRequests,
	}, nil)

	limiter := middleware.NewRateLimiter(buildRateLimits(cfg), nil)

	var verifier *gatewayauth.Verifier
	if cfg.Writes.Enabled() {
		store, err := gatewayauth.OpenLevelDBNonceStore(cfg.Writes.NoncePath)
		if err != nil {
			log.Fatalf("open nonce store: %v", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn("close nonce store", "error", err)
			}
		}()
		verifier = gatewayauth.NewVerifier(cfg.Writes.APIKeys, cfg.Writes.TimestampSkew, cfg.Writes.NonceTTL, cfg.Writes.NonceCapacity, nil, store)
		window := cfg.Writes.NonceTTL
		if window <= 0 {
			window = 10 * time.Minute
		}
		if err := verifier.HydrateNonces(ctx, time.Now().Add(-window)); err != nil {
			log.Fatalf("hydrate nonce store: %v", err)
		}
		logger.Info("write signing armed", "apiKeys", len(cfg.Writes.APIKeys), "noncePath", cfg.Writes.NoncePath)
	}

	router, err := routes.New(routes.Options{
		Node:          client,
		NodeURL:       nodeURL,
		NodeToken:     nodeToken,
		Authenticator: authn,
		Limiter:       limiter,
		Observability: obs,
		Verifier:      verifier,
	})
	if err != nil {
		log.Fatalf("build router: %v", err)
	}

	var handler http.Handler = router
	if cfg.Observability.Tracing {
		handler = otelhttp.NewHandler(handler, "fund-gateway")
	}

	tlsConfig, err := buildTLSConfig(cfg.Security)
	if err != nil {
		log.Fatalf("configure TLS: %v", err)
	}
	if tlsConfig == nil {
		if !*allowInsecure && !cfg.Security.AllowInsecure {
			log.Fatalf("refusing to serve plaintext HTTP on %s: configure TLS or pass --allow-insecure", cfg.ListenAddress)
		}
		if !isLoopbackAddress(cfg.ListenAddress) && !isDevEnvironment(env) {
			log.Fatalf("plaintext HTTP is limited to loopback addresses or the dev environment (listen %s, env %q)", cfg.ListenAddress, env)
		}
		logger.Warn("serving plaintext HTTP", "listen", cfg.ListenAddress)
	}

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.ListenAddress, err)
	}
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", "error", err)
		}
	}()

	logger.Info("fund gateway listening", "address", cfg.ListenAddress, "node", nodeURL.String(), "tls", tlsConfig != nil)
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("serve gateway: %v", err)
	}
	logger.Info("fund gateway stopped")
}

// resolveNodeURL applies the environment override and the secure-scheme
// policy to the configured node endpoint.
func resolveNodeURL(cfg config.Config, env string, logger *slog.Logger) *url.URL {
	endpoint := cfg.Node.Endpoint
	if override := strings.TrimSpace(os.Getenv(envNodeURL)); override != "" {
		endpoint = override
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		log.Fatalf("parse node endpoint %q: %v", endpoint, err)
	}
	secured, upgraded, err := config.EnforceSecureScheme(env, parsed, cfg.Security.AutoUpgradeHTTP)
	if err != nil {
		log.Fatalf("node endpoint %q: %v (set %s=dev for local plaintext nodes)", endpoint, err, envEnvironment)
	}
	if upgraded {
		logger.Warn("node endpoint upgraded to https", "endpoint", secured.String())
	}
	return secured
}

// buildRateLimits seeds conservative per-route defaults and layers the
// configured limits on top.
func buildRateLimits(cfg config.Config) map[string]middleware.RateLimit {
	limits := map[string]middleware.RateLimit{
		"fund": {RatePerSecond: 25, Burst: 50},
		"rpc":  {RatePerSecond: 5, Burst: 10},
	}
	for _, rl := range cfg.RateLimits {
		id := strings.TrimSpace(rl.ID)
		if id == "" {
			continue
		}
		limits[id] = middleware.RateLimit{
			RatePerSecond: rl.RatePerSecond,
			Burst:         rl.Burst,
			DefaultTokens: rl.DefaultTokens,
			Tokens:        rl.Tokens,
		}
	}
	return limits
}

func buildTLSConfig(sec config.SecurityConfig) (*tls.Config, error) {
	certFile := strings.TrimSpace(sec.TLSCertFile)
	keyFile := strings.TrimSpace(sec.TLSKeyFile)
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, errors.New("tlsCertFile and tlsKeyFile must be provided together")
	}
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}
	if caFile := strings.TrimSpace(sec.TLSClientCAFile); caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates parsed from tlsClientCAFile")
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsConfig, nil
}

func isLoopbackAddress(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func isDevEnvironment(env string) bool {
	trimmed := strings.TrimSpace(env)
	return strings.EqualFold(trimmed, "dev") || strings.EqualFold(trimmed, "development")
}
