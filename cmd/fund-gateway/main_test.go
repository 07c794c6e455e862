package main

import (
	"testing"

	"fundvault/gateway/config"
)

func TestIsLoopbackAddress(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:8081", true},
		{"localhost:9000", true},
		{"[::1]:8081", true},
		{":8081", false},
		{"0.0.0.0:8081", false},
		{"10.0.0.5:8081", false},
		{"example.com:443", false},
	}
	for _, tc := range cases {
		if got := isLoopbackAddress(tc.addr); got != tc.want {
			t.Errorf("isLoopbackAddress(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestIsDevEnvironment(t *testing.T) {
	for _, env := range []string{"dev", "DEV", "development", " Development "} {
		if !isDevEnvironment(env) {
			t.Errorf("expected %q to count as dev", env)
		}
	}
	for _, env := range []string{"", "prod", "staging"} {
		if isDevEnvironment(env) {
			t.Errorf("expected %q to not count as dev", env)
		}
	}
}

func TestBuildRateLimitsMergesConfig(t *testing.T) {
	cfg := config.Config{
		RateLimits: []config.RateLimitConfig{
			{ID: "fund", RatePerSecond: 100, Burst: 200, Tokens: map[string]int{"POST /v1/fund/contribute": 2}},
			{ID: "events", RatePerSecond: 50, Burst: 50},
			{ID: "  ", RatePerSecond: 1},
		},
	}
	limits := buildRateLimits(cfg)

	fund, ok := limits["fund"]
	if !ok || fund.RatePerSecond != 100 || fund.Burst != 200 {
		t.Fatalf("expected configured fund limit to win, got %+v", fund)
	}
	if fund.Tokens["POST /v1/fund/contribute"] != 2 {
		t.Fatalf("expected token cost to carry through, got %+v", fund.Tokens)
	}
	if _, ok := limits["events"]; !ok {
		t.Fatal("expected new route limit to be added")
	}
	if _, ok := limits["rpc"]; !ok {
		t.Fatal("expected default rpc limit to survive")
	}
	if len(limits) != 3 {
		t.Fatalf("blank IDs should be skipped, got %d limits", len(limits))
	}
}

func TestBuildTLSConfigRequiresPair(t *testing.T) {
	if cfg, err := buildTLSConfig(config.SecurityConfig{}); err != nil || cfg != nil {
		t.Fatalf("expected nil config without TLS material, got %v (err %v)", cfg, err)
	}
	if _, err := buildTLSConfig(config.SecurityConfig{TLSCertFile: "cert.pem"}); err == nil {
		t.Fatal("expected error when only the certificate is configured")
	}
	if _, err := buildTLSConfig(config.SecurityConfig{TLSKeyFile: "key.pem"}); err == nil {
		t.Fatal("expected error when only the key is configured")
	}
}
