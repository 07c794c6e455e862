package fundindexer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "indexer.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":8090" {
		t.Fatalf("listen = %q", cfg.ListenAddress)
	}
	if cfg.NodeURL != "http://127.0.0.1:8080" {
		t.Fatalf("node = %q", cfg.NodeURL)
	}
	if cfg.DialTimeout != 5*time.Second || cfg.BackoffMin != time.Second || cfg.BackoffMax != 30*time.Second {
		t.Fatalf("timing defaults %v %v %v", cfg.DialTimeout, cfg.BackoffMin, cfg.BackoffMax)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
listen: ":9100"
node: "https://node.internal:8443"
database: "postgres://indexer:pw@db/fundindexer"
state_path: "/var/lib/fundindexer/state.db"
dial_timeout: 2s
backoff_min: 500ms
backoff_max: 100ms
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9100" {
		t.Fatalf("listen = %q", cfg.ListenAddress)
	}
	if cfg.DatabaseDSN != "postgres://indexer:pw@db/fundindexer" {
		t.Fatalf("database = %q", cfg.DatabaseDSN)
	}
	if cfg.DialTimeout != 2*time.Second {
		t.Fatalf("dial timeout = %v", cfg.DialTimeout)
	}
	// An inverted backoff range is clamped rather than rejected.
	if cfg.BackoffMin != 500*time.Millisecond || cfg.BackoffMax != 500*time.Millisecond {
		t.Fatalf("backoff %v..%v", cfg.BackoffMin, cfg.BackoffMax)
	}
}

func TestLoadConfigRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"bad scheme", "node: \"ftp://node\"\n", "scheme"},
		{"blank node", "node: \"   \"\n", "node URL required"},
		{"blank database", "database: \"   \"\n", "database DSN required"},
		{"blank state", "state_path: \"   \"\n", "state path required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q missing %q", err, tc.want)
			}
		})
	}
}

func TestStreamURLDerivation(t *testing.T) {
	cases := []struct {
		node string
		want string
	}{
		{"http://127.0.0.1:8080", "ws://127.0.0.1:8080/ws/events"},
		{"https://node.internal:8443", "wss://node.internal:8443/ws/events"},
		{"http://node:8080/?stale=1", "ws://node:8080/ws/events"},
	}
	for _, tc := range cases {
		cfg := Config{NodeURL: tc.node}
		stream, err := cfg.StreamURL()
		if err != nil {
			t.Fatalf("%s: %v", tc.node, err)
		}
		if stream.String() != tc.want {
			t.Fatalf("%s: stream = %q, want %q", tc.node, stream.String(), tc.want)
		}
	}
}
