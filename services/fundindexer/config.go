package fundindexer

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the runtime options for the indexer sidecar.
type Config struct {
	ListenAddress string        `yaml:"listen"`
	NodeURL       string        `yaml:"node"`
	DatabaseDSN   string        `yaml:"database"`
	StatePath     string        `yaml:"state_path"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	BackoffMin    time.Duration `yaml:"backoff_min"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
}

// LoadConfig reads configuration from disk and applies defaults. An empty
// path yields the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		ListenAddress: ":8090",
		NodeURL:       "http://127.0.0.1:8080",
		DatabaseDSN:   "fundindexer.sqlite",
		StatePath:     "fundindexer-state.db",
		DialTimeout:   5 * time.Second,
		BackoffMin:    time.Second,
		BackoffMax:    30 * time.Second,
	}
	if strings.TrimSpace(path) != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8090"
	}
	cfg.NodeURL = strings.TrimSpace(cfg.NodeURL)
	if cfg.NodeURL == "" {
		return Config{}, fmt.Errorf("node URL required")
	}
	parsed, err := url.Parse(cfg.NodeURL)
	if err != nil {
		return Config{}, fmt.Errorf("parse node URL: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return Config{}, fmt.Errorf("node URL scheme %q not supported", parsed.Scheme)
	}
	cfg.DatabaseDSN = strings.TrimSpace(cfg.DatabaseDSN)
	if cfg.DatabaseDSN == "" {
		return Config{}, fmt.Errorf("database DSN required")
	}
	cfg.StatePath = strings.TrimSpace(cfg.StatePath)
	if cfg.StatePath == "" {
		return Config{}, fmt.Errorf("state path required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = cfg.BackoffMin
	}
	return cfg, nil
}

// StreamURL derives the websocket endpoint for the configured node.
func (c Config) StreamURL() (*url.URL, error) {
	parsed, err := url.Parse(c.NodeURL)
	if err != nil {
		return nil, fmt.Errorf("parse node URL: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = "/ws/events"
	parsed.RawQuery = ""
	return parsed, nil
}
