package auth

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func TestLevelDBNonceStoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nonces")
	backend, err := OpenLevelDBNonceStore(path)
	if err != nil {
		t.Fatalf("open nonce store: %v", err)
	}
	var initial *LevelDBNonceStore = backend
	t.Cleanup(func() {
		if initial != nil {
			_ = initial.Close()
		}
	})
	now := time.Unix(1_717_787_717, 0).UTC()
	body := []byte("payload")
	ts := strconv.FormatInt(now.Unix(), 10)
	secrets := map[string]string{"treasury-ops": "secret"}

	verifier := NewVerifier(secrets, time.Minute, 5*time.Minute, 32, func() time.Time { return now }, backend)
	cutoff := now.Add(-5 * time.Minute)
	if err := verifier.HydrateNonces(context.Background(), cutoff); err != nil {
		t.Fatalf("hydrate nonces: %v", err)
	}

	nonce := "nonce-restart"
	if _, err := verifier.Verify(signedRequest(t, "secret", "treasury-ops", ts, nonce, body), body); err != nil {
		t.Fatalf("verify: %v", err)
	}

	if err := backend.Close(); err != nil {
		t.Fatalf("close nonce store: %v", err)
	}
	initial = nil

	reopened, err := OpenLevelDBNonceStore(path)
	if err != nil {
		t.Fatalf("reopen nonce store: %v", err)
	}
	defer reopened.Close()

	restarted := NewVerifier(secrets, time.Minute, 5*time.Minute, 32, func() time.Time { return now }, reopened)
	if err := restarted.HydrateNonces(context.Background(), cutoff); err != nil {
		t.Fatalf("hydrate restart: %v", err)
	}
	if _, err := restarted.Verify(signedRequest(t, "secret", "treasury-ops", ts, nonce, body), body); err == nil || err.Error() != "nonce already used" {
		t.Fatalf("expected nonce replay after restart, got %v", err)
	}
}

func TestLevelDBNonceStorePrunes(t *testing.T) {
	dir := t.TempDir()
	backend, err := OpenLevelDBNonceStore(filepath.Join(dir, "nonces"))
	if err != nil {
		t.Fatalf("open nonce store: %v", err)
	}
	defer backend.Close()

	base := time.Unix(1_717_787_717, 0).UTC()
	old := NonceRecord{APIKey: "a", Timestamp: "1", Nonce: "n-old", ObservedAt: base.Add(-time.Hour)}
	fresh := NonceRecord{APIKey: "a", Timestamp: "2", Nonce: "n-new", ObservedAt: base}
	for _, rec := range []NonceRecord{old, fresh} {
		if existed, err := backend.EnsureNonce(context.Background(), rec); err != nil || existed {
			t.Fatalf("ensure %v: existed=%v err=%v", rec.Nonce, existed, err)
		}
	}

	if err := backend.PruneNonces(context.Background(), base.Add(-time.Minute)); err != nil {
		t.Fatalf("prune: %v", err)
	}
	records, err := backend.RecentNonces(context.Background(), base.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 1 || records[0].Nonce != "n-new" {
		t.Fatalf("expected only the fresh nonce to survive, got %+v", records)
	}

	if existed, err := backend.EnsureNonce(context.Background(), fresh); err != nil || !existed {
		t.Fatalf("expected surviving nonce to read as duplicate, existed=%v err=%v", existed, err)
	}
}
