package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// UpstreamConfig locates the fund vault node the gateway fronts.
type UpstreamConfig struct {
	Endpoint           string        `yaml:"endpoint"`
	Timeout            time.Duration `yaml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecureSkipVerify"`
}

type RateLimitConfig struct {
	ID            string         `yaml:"id"`
	RatePerSecond float64        `yaml:"ratePerSecond"`
	Burst         int            `yaml:"burst"`
	DefaultTokens int            `yaml:"defaultTokens"`
	Tokens        map[string]int `yaml:"tokens"`
}

type ObservabilityConfig struct {
	ServiceName   string `yaml:"serviceName"`
	Metrics       bool   `yaml:"metrics"`
	Tracing       bool   `yaml:"tracing"`
	LogRequests   bool   `yaml:"logRequests"`
	MetricsPrefix string `yaml:"metricsPrefix"`
}

// WriteProtectionConfig arms HMAC request signing on the mutating fund
// routes. API key identifiers map to shared secrets; nonce usage is
// persisted under NoncePath so replays are rejected across restarts.
type WriteProtectionConfig struct {
	APIKeys       map[string]string `yaml:"apiKeys"`
	TimestampSkew time.Duration     `yaml:"timestampSkew"`
	NonceTTL      time.Duration     `yaml:"nonceTTL"`
	NonceCapacity int               `yaml:"nonceCapacity"`
	NoncePath     string            `yaml:"noncePath"`
}

func (w WriteProtectionConfig) Enabled() bool {
	return len(w.APIKeys) > 0
}

type Config struct {
	ListenAddress string                `yaml:"listen"`
	ReadTimeout   time.Duration         `yaml:"readTimeout"`
	WriteTimeout  time.Duration         `yaml:"writeTimeout"`
	IdleTimeout   time.Duration         `yaml:"idleTimeout"`
	Node          UpstreamConfig        `yaml:"node"`
	RateLimits    []RateLimitConfig     `yaml:"rateLimits"`
	Observability ObservabilityConfig   `yaml:"observability"`
	Auth          AuthConfig            `yaml:"auth"`
	Writes        WriteProtectionConfig `yaml:"writes"`
	Security      SecurityConfig        `yaml:"security"`
}

type AuthConfig struct {
	Enabled           bool          `yaml:"enabled"`
	HMACSecret        string        `yaml:"hmacSecret"`
	HMACSecretEnv     string        `yaml:"hmacSecretEnv"`
	Issuer            string        `yaml:"issuer"`
	Audience          string        `yaml:"audience"`
	ScopeClaim        string        `yaml:"scopeClaim"`
	OptionalPaths     []string      `yaml:"optionalPaths"`
	AllowAnonymous    bool          `yaml:"allowAnonymous"`
	ClockSkew         time.Duration `yaml:"clockSkew"`
	allowAnonymousSet bool          `yaml:"-"`
	enabledSet        bool          `yaml:"-"`
}

// UnmarshalYAML tracks whether enabled/allowAnonymous were written out
// explicitly; sensitive deployments must opt in rather than inherit.
func (a *AuthConfig) UnmarshalYAML(node *yaml.Node) error {
	type rawAuthConfig struct {
		Enabled        *bool         `yaml:"enabled"`
		HMACSecret     string        `yaml:"hmacSecret"`
		HMACSecretEnv  string        `yaml:"hmacSecretEnv"`
		Issuer         string        `yaml:"issuer"`
		Audience       string        `yaml:"audience"`
		ScopeClaim     string        `yaml:"scopeClaim"`
		OptionalPaths  []string      `yaml:"optionalPaths"`
		AllowAnonymous *bool         `yaml:"allowAnonymous"`
		ClockSkew      time.Duration `yaml:"clockSkew"`
	}
	var raw rawAuthConfig
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.Enabled != nil {
		a.Enabled = *raw.Enabled
		a.enabledSet = true
	} else {
		a.Enabled = false
		a.enabledSet = false
	}
	a.HMACSecret = raw.HMACSecret
	a.HMACSecretEnv = raw.HMACSecretEnv
	a.Issuer = raw.Issuer
	a.Audience = raw.Audience
	a.ScopeClaim = raw.ScopeClaim
	a.OptionalPaths = raw.OptionalPaths
	if raw.AllowAnonymous != nil {
		a.AllowAnonymous = *raw.AllowAnonymous
		a.allowAnonymousSet = true
	} else {
		a.AllowAnonymous = false
		a.allowAnonymousSet = false
	}
	a.ClockSkew = raw.ClockSkew
	return nil
}

// ResolveSecret returns the token-signing secret, preferring the
// environment variable named by hmacSecretEnv over an inline value.
func (a AuthConfig) ResolveSecret() string {
	if env := strings.TrimSpace(a.HMACSecretEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			return value
		}
	}
	return strings.TrimSpace(a.HMACSecret)
}

type SecurityConfig struct {
	AutoUpgradeHTTP bool   `yaml:"autoUpgradeHTTP"`
	AllowInsecure   bool   `yaml:"allowInsecure"`
	TLSCertFile     string `yaml:"tlsCertFile"`
	TLSKeyFile      string `yaml:"tlsKeyFile"`
	TLSClientCAFile string `yaml:"tlsClientCAFile"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: ":8081",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   120 * time.Second,
		Node: UpstreamConfig{
			Endpoint: "http://127.0.0.1:8080",
			Timeout:  15 * time.Second,
		},
		Observability: ObservabilityConfig{
			ServiceName:   "fund-gateway",
			Metrics:       true,
			Tracing:       true,
			LogRequests:   true,
			MetricsPrefix: "gateway",
		},
		Auth: AuthConfig{
			Enabled:        true,
			ScopeClaim:     "scope",
			AllowAnonymous: false,
			ClockSkew:      2 * time.Minute,
			enabledSet:     true,
		},
	}
	if path == "" {
		cfg.applyAuthDefaults()
		if err := cfg.Validate(); err != nil {
			return Config{}, fmt.Errorf("validate config: %w", err)
		}
		return cfg, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyAuthDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) applyAuthDefaults() {
	if cfg == nil {
		return
	}
	if !cfg.Auth.enabledSet {
		cfg.Auth.Enabled = true
		cfg.Auth.enabledSet = true
	}
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = 2 * time.Minute
	}
	if cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
	if !cfg.Auth.allowAnonymousSet {
		cfg.Auth.AllowAnonymous = false
	}
}

var ErrAuthEnabledNotConfigured = errors.New("auth.enabled must be explicitly set for sensitive deployments")

func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.isSensitiveDeployment() && !cfg.Auth.enabledSet {
		return ErrAuthEnabledNotConfigured
	}
	if cfg.Auth.AllowAnonymous && !cfg.Auth.allowAnonymousSet {
		return fmt.Errorf("auth.allowAnonymous must be explicitly set to true to enable anonymous access")
	}
	trimmed := make([]string, len(cfg.Auth.OptionalPaths))
	for i, path := range cfg.Auth.OptionalPaths {
		trimmedPath := strings.TrimSpace(path)
		if trimmedPath == "" {
			return fmt.Errorf("auth.optionalPaths[%d] cannot be empty", i)
		}
		if !strings.HasPrefix(trimmedPath, "/") {
			return fmt.Errorf("auth.optionalPaths[%d] must start with '/'", i)
		}
		trimmed[i] = trimmedPath
	}
	cfg.Auth.OptionalPaths = trimmed
	if cfg.Auth.Enabled && cfg.Auth.AllowAnonymous && len(cfg.Auth.OptionalPaths) == 0 {
		return fmt.Errorf("auth.optionalPaths must list at least one entry when auth.allowAnonymous is true")
	}
	if cfg.Writes.Enabled() {
		for key, secret := range cfg.Writes.APIKeys {
			if strings.TrimSpace(key) == "" {
				return fmt.Errorf("writes.apiKeys contains an empty key identifier")
			}
			if strings.TrimSpace(secret) == "" {
				return fmt.Errorf("writes.apiKeys[%s] has an empty secret", key)
			}
		}
		if strings.TrimSpace(cfg.Writes.NoncePath) == "" {
			return fmt.Errorf("writes.noncePath is required when write signing is armed")
		}
	}
	return nil
}

func (u UpstreamConfig) URL() (*url.URL, error) {
	if u.Endpoint == "" {
		return nil, fmt.Errorf("node endpoint missing")
	}
	parsed, err := url.Parse(u.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse node endpoint: %w", err)
	}
	return parsed, nil
}

func (cfg *Config) isSensitiveDeployment() bool {
	if cfg == nil {
		return false
	}
	if cfg.Security.AutoUpgradeHTTP {
		return true
	}
	if strings.TrimSpace(cfg.Security.TLSCertFile) != "" {
		return true
	}
	if strings.TrimSpace(cfg.Security.TLSKeyFile) != "" {
		return true
	}
	if strings.TrimSpace(cfg.Security.TLSClientCAFile) != "" {
		return true
	}
	return false
}

// EnforceSecureScheme ensures the supplied URL uses HTTPS outside of the dev
// environment. If autoUpgrade is enabled, insecure HTTP URLs are transparently
// upgraded to HTTPS. The returned boolean indicates whether an upgrade occurred.
func EnforceSecureScheme(env string, target *url.URL, autoUpgrade bool) (*url.URL, bool, error) {
	if target == nil {
		return nil, false, fmt.Errorf("target URL is nil")
	}
	scheme := strings.ToLower(strings.TrimSpace(target.Scheme))
	switch scheme {
	case "https":
		return target, false, nil
	case "http":
		if isDevEnv(env) {
			return target, false, nil
		}
		if autoUpgrade {
			upgraded := *target
			upgraded.Scheme = "https"
			return &upgraded, true, nil
		}
		if strings.TrimSpace(env) == "" {
			env = "(unset)"
		}
		return nil, false, fmt.Errorf("plaintext HTTP endpoints are not permitted for environment %s", env)
	case "":
		return nil, false, fmt.Errorf("URL scheme is required")
	default:
		return nil, false, fmt.Errorf("unsupported URL scheme %q", target.Scheme)
	}
}

func isDevEnv(env string) bool {
	trimmed := strings.TrimSpace(env)
	return strings.EqualFold(trimmed, "dev") || strings.EqualFold(trimmed, "development")
}
