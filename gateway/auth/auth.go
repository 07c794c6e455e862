package auth

import (
	"container/list"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Signed-write headers. Mutating fund routes carry an API key, a unix
// timestamp, a caller-chosen nonce and the HMAC-SHA256 signature over the
// canonical request.
const (
	HeaderAPIKey    = "X-Api-Key"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"

	// MaxBodyForSignature caps how much request body is hashed during
	// verification.
	MaxBodyForSignature int = 1 << 20

	maxAllowedTimestampSkew  = 2 * time.Minute
	defaultTimestampSkew     = maxAllowedTimestampSkew
	maxNonceWindow           = 10 * time.Minute
	defaultNonceWindow       = maxNonceWindow
	defaultNonceCapacity     = 4096
	maxNonceCapacity         = 65536
	persistencePruneInterval = time.Minute
)

// Principal identifies the API client behind a verified signature.
type Principal struct {
	APIKey string
}

// NonceRecord captures persisted nonce usage metadata.
type NonceRecord struct {
	APIKey     string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence provides durable storage for nonce usage so replays are
// rejected across gateway restarts.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// Verifier checks API key + HMAC signatures on mutating requests.
type Verifier struct {
	secrets              map[string]string
	allowedTimestampSkew time.Duration
	nonceTTL             time.Duration
	nonceCapacity        int
	nowFn                func() time.Time

	nonceMu sync.Mutex
	nonces  map[string]*replayCache

	lastSeenMu sync.Mutex
	lastSeen   map[string]int64

	persistence NoncePersistence
	lastPruned  time.Time
}

// NewVerifier builds a Verifier keyed by the provided secrets: API key
// identifiers mapped to their shared signing secret. Skew, TTL and capacity
// are clamped to hard ceilings.
func NewVerifier(secrets map[string]string, skew, nonceTTL time.Duration, nonceCapacity int, nowFn func() time.Time, persistence NoncePersistence) *Verifier {
	cloned := make(map[string]string, len(secrets))
	for k, v := range secrets {
		cloned[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 {
		skew = defaultTimestampSkew
	}
	if skew > maxAllowedTimestampSkew {
		skew = maxAllowedTimestampSkew
	}
	if nonceTTL <= 0 {
		nonceTTL = defaultNonceWindow
	}
	if nonceTTL > maxNonceWindow {
		nonceTTL = maxNonceWindow
	}
	if nonceCapacity <= 0 {
		nonceCapacity = defaultNonceCapacity
	}
	if nonceCapacity > maxNonceCapacity {
		nonceCapacity = maxNonceCapacity
	}
	return &Verifier{
		secrets:              cloned,
		allowedTimestampSkew: skew,
		nonceTTL:             nonceTTL,
		nonceCapacity:        nonceCapacity,
		nowFn:                nowFn,
		nonces:               make(map[string]*replayCache),
		lastSeen:             make(map[string]int64),
		persistence:          persistence,
	}
}

// Verify validates headers and signature, returning the caller principal.
func (v *Verifier) Verify(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing X-Api-Key header")
	}
	secret, ok := v.secrets[apiKey]
	if !ok || secret == "" {
		return nil, errors.New("unknown API key")
	}
	timestampHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestampHeader == "" {
		return nil, errors.New("missing X-Timestamp header")
	}
	ts, err := parseUnixTimestamp(timestampHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := v.nowFn().UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if v.allowedTimestampSkew > 0 && skew > v.allowedTimestampSkew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", v.allowedTimestampSkew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing X-Nonce header")
	}
	providedSig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if providedSig == "" {
		return nil, errors.New("missing X-Signature header")
	}
	expected := ComputeSignature(secret, timestampHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	providedBytes, err := hex.DecodeString(providedSig)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}
	duplicate, err := v.registerNonce(r.Context(), apiKey, timestampHeader, nonce, now)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return nil, errors.New("nonce already used")
	}
	if v.isTimestampReplay(apiKey, ts, now) {
		return nil, errors.New("timestamp not increasing")
	}
	return &Principal{APIKey: apiKey}, nil
}

// HydrateNonces warms the in-memory cache with persisted nonce usage.
func (v *Verifier) HydrateNonces(ctx context.Context, cutoff time.Time) error {
	if v == nil || v.persistence == nil {
		return nil
	}
	records, err := v.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persistent nonces: %w", err)
	}
	for _, rec := range records {
		if strings.TrimSpace(rec.APIKey) == "" || strings.TrimSpace(rec.Timestamp) == "" || strings.TrimSpace(rec.Nonce) == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		cache := v.replayCacheFor(rec.APIKey)
		cache.Add(rec.Timestamp+"|"+rec.Nonce, observed)
	}
	return nil
}

func (v *Verifier) registerNonce(ctx context.Context, apiKey, timestamp, nonce string, now time.Time) (bool, error) {
	cache := v.replayCacheFor(apiKey)
	composite := timestamp + "|" + nonce
	if cache.Contains(composite, now) {
		return true, nil
	}
	if v.persistence != nil {
		if err := v.prunePersistent(ctx, now); err != nil {
			return false, err
		}
		record := NonceRecord{
			APIKey:     apiKey,
			Timestamp:  timestamp,
			Nonce:      nonce,
			ObservedAt: now,
		}
		existed, err := v.persistence.EnsureNonce(ctx, record)
		if err != nil {
			return false, fmt.Errorf("persist nonce: %w", err)
		}
		if existed {
			cache.Add(composite, now)
			return true, nil
		}
	}
	cache.Add(composite, now)
	return false, nil
}

func (v *Verifier) prunePersistent(ctx context.Context, now time.Time) error {
	if v.persistence == nil || v.nonceTTL <= 0 {
		return nil
	}
	cutoff := now.Add(-v.nonceTTL)
	if v.lastPruned.IsZero() || now.Sub(v.lastPruned) >= persistencePruneInterval {
		if err := v.persistence.PruneNonces(ctx, cutoff); err != nil {
			return fmt.Errorf("prune persistent nonces: %w", err)
		}
		v.lastPruned = now
	}
	return nil
}

// isTimestampReplay requires timestamps from a key to strictly increase
// within the skew window.
func (v *Verifier) isTimestampReplay(apiKey string, ts time.Time, now time.Time) bool {
	if v.allowedTimestampSkew <= 0 {
		return false
	}
	cutoff := now.Add(-v.allowedTimestampSkew)
	current := ts.Unix()

	v.lastSeenMu.Lock()
	defer v.lastSeenMu.Unlock()

	last, ok := v.lastSeen[apiKey]
	if ok {
		lastTime := time.Unix(last, 0).UTC()
		if lastTime.After(cutoff) {
			if current <= last {
				return true
			}
		} else {
			delete(v.lastSeen, apiKey)
			ok = false
		}
	}
	if !ok || current > last {
		v.lastSeen[apiKey] = current
	}
	return false
}

func (v *Verifier) replayCacheFor(apiKey string) *replayCache {
	v.nonceMu.Lock()
	defer v.nonceMu.Unlock()
	cache, ok := v.nonces[apiKey]
	if ok {
		return cache
	}
	cache = newReplayCache(v.nonceTTL, v.nonceCapacity)
	v.nonces[apiKey] = cache
	return cache
}

// CanonicalRequestPath normalises URL paths and query ordering for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery normalises raw query strings for stable HMAC signing.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// ComputeSignature builds the HMAC-SHA256 signature bytes for the request.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

// replayCache is a TTL-bounded LRU of observed nonces per API key.
type replayCache struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type replayEntry struct {
	key string
	ts  time.Time
}

func newReplayCache(ttl time.Duration, capacity int) *replayCache {
	if ttl <= 0 {
		ttl = defaultNonceWindow
	}
	if ttl > maxNonceWindow {
		ttl = maxNonceWindow
	}
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	if capacity > maxNonceCapacity {
		capacity = maxNonceCapacity
	}
	return &replayCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Seen reports whether the nonce was already observed within the TTL window,
// registering it when new.
func (c *replayCache) Seen(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpired(now.Add(-c.ttl))
	if _, exists := c.entries[key]; exists {
		return true
	}
	c.insertLocked(key, now)
	return false
}

// Contains reports whether the nonce has been observed without mutating the
// cache when new.
func (c *replayCache) Contains(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpired(now.Add(-c.ttl))
	_, exists := c.entries[key]
	return exists
}

// Add registers a nonce in the cache, applying eviction as required.
func (c *replayCache) Add(key string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpired(now.Add(-c.ttl))
	c.insertLocked(key, now)
}

func (c *replayCache) insertLocked(key string, now time.Time) {
	if elem, exists := c.entries[key]; exists {
		elem.Value = replayEntry{key: key, ts: now}
		c.order.MoveToBack(elem)
		return
	}
	if c.capacity > 0 {
		for c.order.Len() >= c.capacity {
			c.evictFront()
		}
	}
	elem := c.order.PushBack(replayEntry{key: key, ts: now})
	c.entries[key] = elem
}

func (c *replayCache) evictExpired(cutoff time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(replayEntry)
		if !entry.ts.Before(cutoff) {
			return
		}
		c.order.Remove(front)
		delete(c.entries, entry.key)
	}
}

func (c *replayCache) evictFront() {
	front := c.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(replayEntry)
	c.order.Remove(front)
	delete(c.entries, entry.key)
}
