package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"fund": {RatePerSecond: 1, Burst: 1},
	}, nil)

	handler := limiter.Middleware("fund")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/fund/info", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesRouteKeys(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"fund-read":  {RatePerSecond: 1, Burst: 1},
		"fund-write": {RatePerSecond: 1, Burst: 1},
	}, nil)

	readHandler := limiter.Middleware("fund-read")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	writeHandler := limiter.Middleware("fund-write")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/fund/funders", nil)
	req.Header.Set("X-API-Key", "tenant-A")
	res := httptest.NewRecorder()
	readHandler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected read request to succeed, got %d", res.Code)
	}

	writeReq := httptest.NewRequest(http.MethodPost, "/v1/fund/contribute", nil)
	writeReq.Header.Set("X-API-Key", "tenant-A")
	writeRes := httptest.NewRecorder()
	writeHandler.ServeHTTP(writeRes, writeReq)
	if writeRes.Code != http.StatusOK {
		t.Fatalf("expected first write request to succeed, got %d", writeRes.Code)
	}

	writeRes = httptest.NewRecorder()
	writeHandler.ServeHTTP(writeRes, writeReq)
	if writeRes.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second write request to hit limit, got %d", writeRes.Code)
	}
}

func TestRateLimiterAppliesRouteTokens(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"fund": {
			RatePerSecond: 5,
			Burst:         5,
			DefaultTokens: 1,
			Tokens: map[string]int{
				"POST /v1/fund/withdraw-all": 3,
			},
		},
	}, nil)

	handler := limiter.Middleware("fund")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/fund/withdraw-all", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first drain request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second drain request to consume burst and be rate limited, got %d", res.Code)
	}

	// A cheaper route still proceeds: it only consumes the default token cost.
	infoReq := httptest.NewRequest(http.MethodGet, "/v1/fund/info", nil)
	infoRes := httptest.NewRecorder()
	handler.ServeHTTP(infoRes, infoReq)
	if infoRes.Code != http.StatusOK {
		t.Fatalf("expected info route to succeed with default token cost, got %d", infoRes.Code)
	}
}

func TestRateLimiterPrefersAPIKeyOverIP(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"fund": {RatePerSecond: 1, Burst: 1},
	}, nil)

	handler := limiter.Middleware("fund")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	reqA := httptest.NewRequest(http.MethodGet, "/v1/fund/funders", nil)
	reqA.Header.Set("X-API-Key", "tenant-A")
	resA := httptest.NewRecorder()
	handler.ServeHTTP(resA, reqA)
	if resA.Code != http.StatusOK {
		t.Fatalf("expected tenant A request to succeed, got %d", resA.Code)
	}

	reqB := httptest.NewRequest(http.MethodGet, "/v1/fund/funders", nil)
	reqB.Header.Set("X-API-Key", "tenant-B")
	resB := httptest.NewRecorder()
	handler.ServeHTTP(resB, reqB)
	if resB.Code != http.StatusOK {
		t.Fatalf("expected tenant B request to succeed, got %d", resB.Code)
	}
}
