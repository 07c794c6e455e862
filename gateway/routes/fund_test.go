package routes

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"fundvault/gateway/auth"
	"fundvault/gateway/middleware"
)

const (
	testGatewaySecret = "gateway-test-secret"
	testNodeToken     = "node-secret"
)

type recordedRPC struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`

	authHeader string
	path       string
}

// fakeNode stands in for the fund vault's JSON-RPC endpoint.
type fakeNode struct {
	mu     sync.Mutex
	calls  []recordedRPC
	result string
	rpcErr string
}

func (n *fakeNode) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var call recordedRPC
		_ = json.NewDecoder(r.Body).Decode(&call)
		call.authHeader = r.Header.Get("Authorization")
		call.path = r.URL.Path

		n.mu.Lock()
		n.calls = append(n.calls, call)
		result, rpcErr := n.result, n.rpcErr
		n.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if rpcErr != "" {
			fmt.Fprintf(w, `{"error":%s}`, rpcErr)
			return
		}
		if result == "" {
			result = `"ok"`
		}
		fmt.Fprintf(w, `{"result":%s}`, result)
	}
}

func (n *fakeNode) lastCall(t *testing.T) recordedRPC {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.calls) == 0 {
		t.Fatal("expected the node to receive a call")
	}
	return n.calls[len(n.calls)-1]
}

func (n *fakeNode) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func newTestGateway(t *testing.T, node *fakeNode, mutate func(*Options)) *Router {
	t.Helper()
	server := httptest.NewServer(node.handler())
	t.Cleanup(server.Close)

	target, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse node URL: %v", err)
	}
	client, err := NewNodeClient(target, testNodeToken, 5*time.Second)
	if err != nil {
		t.Fatalf("new node client: %v", err)
	}
	opts := Options{
		Node:      client,
		NodeURL:   target,
		NodeToken: testNodeToken,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    true,
			HMACSecret: testGatewaySecret,
			Issuer:     "fundvault",
			Audience:   "fund-gateway",
		}, nil),
	}
	if mutate != nil {
		mutate(&opts)
	}
	router, err := New(opts)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return router
}

func mintGatewayToken(t *testing.T, scope string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":   "fundvault",
		"aud":   "fund-gateway",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": scope,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testGatewaySecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doRequest(router *Router, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestContributeForwardsToNode(t *testing.T) {
	node := &fakeNode{result: `{"receipt":"0xabc","usdValue":"4200000000000000000000"}`}
	router := newTestGateway(t, node, nil)

	body := `{"caller":"fv1writer","amount":"2000000000000000000"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/fund/contribute", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+mintGatewayToken(t, middleware.ScopeWrite))
	rec := doRequest(router, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	call := node.lastCall(t)
	if call.Method != "fund_contribute" {
		t.Fatalf("expected fund_contribute, got %q", call.Method)
	}
	if call.authHeader != "Bearer "+testNodeToken {
		t.Fatalf("node should receive the gateway's node token, got %q", call.authHeader)
	}
	var params struct {
		Caller string `json:"caller"`
		Amount string `json:"amount"`
	}
	if len(call.Params) != 1 {
		t.Fatalf("expected one param object, got %d", len(call.Params))
	}
	if err := json.Unmarshal(call.Params[0], &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if params.Caller != "fv1writer" || params.Amount != "2000000000000000000" {
		t.Fatalf("unexpected params: %+v", params)
	}
	if !strings.Contains(rec.Body.String(), `"receipt":"0xabc"`) {
		t.Fatalf("expected node result to pass through, got %s", rec.Body.String())
	}
}

func TestWritesEnforceScopes(t *testing.T) {
	node := &fakeNode{}
	router := newTestGateway(t, node, nil)

	cases := []struct {
		name   string
		path   string
		body   string
		scope  string
		status int
	}{
		{"contribute accepts write scope", "/v1/fund/contribute", `{"caller":"fv1a","amount":"1"}`, middleware.ScopeWrite, http.StatusOK},
		{"withdraw rejects write scope", "/v1/fund/withdraw", `{"caller":"fv1a","amount":"1"}`, middleware.ScopeWrite, http.StatusForbidden},
		{"withdraw accepts admin scope", "/v1/fund/withdraw", `{"caller":"fv1a","amount":"1"}`, middleware.ScopeAdmin, http.StatusOK},
		{"withdraw-all rejects write scope", "/v1/fund/withdraw-all", `{"caller":"fv1a"}`, middleware.ScopeWrite, http.StatusForbidden},
		{"oracle rotation needs admin scope", "/v1/fund/oracle", `{"caller":"fv1a","oracle":{"kind":"manual","endpoint":"ops-desk","price":"1","decimals":8}}`, middleware.ScopeAdmin, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(tc.body))
			req.Header.Set("Authorization", "Bearer "+mintGatewayToken(t, tc.scope))
			rec := doRequest(router, req)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestWritesRejectMissingToken(t *testing.T) {
	node := &fakeNode{}
	router := newTestGateway(t, node, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/fund/withdraw-all", strings.NewReader(`{"caller":"fv1a"}`))
	rec := doRequest(router, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if node.callCount() != 0 {
		t.Fatal("node should not be called for unauthenticated writes")
	}
}

func TestReadsArePublic(t *testing.T) {
	node := &fakeNode{result: `"fv1owner"`}
	router := newTestGateway(t, node, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/fund/owner", nil)
	rec := doRequest(router, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	call := node.lastCall(t)
	if call.Method != "fund_owner" {
		t.Fatalf("expected fund_owner, got %q", call.Method)
	}
	if call.authHeader != "" {
		t.Fatalf("public reads should not carry the node token, got %q", call.authHeader)
	}
}

func TestReadRoutesMapToRPCMethods(t *testing.T) {
	cases := []struct {
		path   string
		method string
	}{
		{"/v1/fund/balance/fv1abc", "fund_getBalance"},
		{"/v1/fund/funded/fv1abc", "fund_amountFunded"},
		{"/v1/fund/funders", "fund_funders"},
		{"/v1/fund/funders/count", "fund_funderCount"},
		{"/v1/fund/funders/2", "fund_getFunder"},
		{"/v1/fund/owner", "fund_owner"},
		{"/v1/fund/minimum", "fund_minimum"},
		{"/v1/fund/held", "fund_heldValue"},
		{"/v1/fund/address", "fund_vaultAddress"},
		{"/v1/fund/oracle", "fund_oracle"},
		{"/v1/fund/info", "fund_info"},
		{"/v1/fund/events", "fund_listEvents"},
	}
	for _, tc := range cases {
		t.Run(strings.TrimPrefix(tc.path, "/v1/fund/"), func(t *testing.T) {
			node := &fakeNode{}
			router := newTestGateway(t, node, nil)
			rec := doRequest(router, httptest.NewRequest(http.MethodGet, tc.path, nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
			if call := node.lastCall(t); call.Method != tc.method {
				t.Fatalf("expected %s, got %q", tc.method, call.Method)
			}
		})
	}
}

func TestFunderIndexRouting(t *testing.T) {
	node := &fakeNode{}
	router := newTestGateway(t, node, nil)

	rec := doRequest(router, httptest.NewRequest(http.MethodGet, "/v1/fund/funders/7", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	call := node.lastCall(t)
	var index int
	if err := json.Unmarshal(call.Params[0], &index); err != nil || index != 7 {
		t.Fatalf("expected index 7, got %s (err %v)", call.Params[0], err)
	}

	rec = doRequest(router, httptest.NewRequest(http.MethodGet, "/v1/fund/funders/not-a-number", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for non-numeric index, got %d", rec.Code)
	}
}

func TestEventsQueryFilter(t *testing.T) {
	node := &fakeNode{result: `[]`}
	router := newTestGateway(t, node, nil)

	rec := doRequest(router, httptest.NewRequest(http.MethodGet, "/v1/fund/events?since=7&limit=25", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	call := node.lastCall(t)
	var filter struct {
		Since uint64 `json:"since"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(call.Params[0], &filter); err != nil {
		t.Fatalf("decode filter: %v", err)
	}
	if filter.Since != 7 || filter.Limit != 25 {
		t.Fatalf("unexpected filter: %+v", filter)
	}

	rec = doRequest(router, httptest.NewRequest(http.MethodGet, "/v1/fund/events", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if call := node.lastCall(t); len(call.Params) != 0 {
		t.Fatalf("expected no filter params, got %s", call.Params)
	}

	rec = doRequest(router, httptest.NewRequest(http.MethodGet, "/v1/fund/events?since=-1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative cursor, got %d", rec.Code)
	}
}

func TestNodeErrorsMapToHTTPStatus(t *testing.T) {
	cases := []struct {
		code    int
		message string
		status  int
	}{
		{-32021, "amount must be positive", http.StatusBadRequest},
		{-32022, "funder index out of range", http.StatusNotFound},
		{-32023, "caller is not the vault owner", http.StatusForbidden},
		{-32024, "stale sequence", http.StatusConflict},
		{-32020, "rate limited", http.StatusTooManyRequests},
		{-32025, "internal error", http.StatusBadGateway},
		{-32001, "unauthorized", http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d", tc.code), func(t *testing.T) {
			node := &fakeNode{rpcErr: fmt.Sprintf(`{"code":%d,"message":%q}`, tc.code, tc.message)}
			router := newTestGateway(t, node, nil)

			rec := doRequest(router, httptest.NewRequest(http.MethodGet, "/v1/fund/owner", nil))
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			var payload struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if !strings.Contains(payload.Error, tc.message) {
				t.Fatalf("expected %q in error, got %q", tc.message, payload.Error)
			}
		})
	}
}

func TestContributeRejectsMalformedBody(t *testing.T) {
	node := &fakeNode{}
	router := newTestGateway(t, node, nil)

	cases := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"invalid json", `{"caller":`},
		{"unknown field", `{"caller":"fv1a","amount":"1","extra":true}`},
		{"missing amount", `{"caller":"fv1a"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/fund/contribute", strings.NewReader(tc.body))
			req.Header.Set("Authorization", "Bearer "+mintGatewayToken(t, middleware.ScopeWrite))
			rec := doRequest(router, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
	if node.callCount() != 0 {
		t.Fatal("malformed writes must not reach the node")
	}
}

func TestSignedWriteEnforcement(t *testing.T) {
	node := &fakeNode{}
	verifier := auth.NewVerifier(map[string]string{"treasury-ops": "signing-secret"}, time.Minute, 10*time.Minute, 128, nil, nil)
	router := newTestGateway(t, node, func(opts *Options) {
		opts.Verifier = verifier
	})

	body := `{"caller":"fv1a","amount":"5"}`
	token := mintGatewayToken(t, middleware.ScopeWrite)

	unsigned := httptest.NewRequest(http.MethodPost, "/v1/fund/contribute", strings.NewReader(body))
	unsigned.Header.Set("Authorization", "Bearer "+token)
	rec := doRequest(router, unsigned)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unsigned write, got %d", rec.Code)
	}
	if node.callCount() != 0 {
		t.Fatal("unsigned writes must not reach the node")
	}

	signed := httptest.NewRequest(http.MethodPost, "/v1/fund/contribute", strings.NewReader(body))
	signed.Header.Set("Authorization", "Bearer "+token)
	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	signed.Header.Set(auth.HeaderAPIKey, "treasury-ops")
	signed.Header.Set(auth.HeaderTimestamp, timestamp)
	signed.Header.Set(auth.HeaderNonce, "nonce-1")
	sig := auth.ComputeSignature("signing-secret", timestamp, "nonce-1", http.MethodPost, "/v1/fund/contribute", []byte(body))
	signed.Header.Set(auth.HeaderSignature, hex.EncodeToString(sig))

	rec = doRequest(router, signed)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for signed write, got %d: %s", rec.Code, rec.Body.String())
	}
	if call := node.lastCall(t); call.Method != "fund_contribute" {
		t.Fatalf("expected fund_contribute, got %q", call.Method)
	}
}

func TestRPCPassthroughRequiresAdminScope(t *testing.T) {
	node := &fakeNode{result: `"fv1owner"`}
	router := newTestGateway(t, node, nil)

	body := `{"id":1,"method":"fund_owner","params":[]}`
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+mintGatewayToken(t, middleware.ScopeWrite))
	rec := doRequest(router, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without admin scope, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+mintGatewayToken(t, middleware.ScopeAdmin))
	rec = doRequest(router, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin passthrough, got %d: %s", rec.Code, rec.Body.String())
	}
	call := node.lastCall(t)
	if call.Method != "fund_owner" {
		t.Fatalf("expected fund_owner passthrough, got %q", call.Method)
	}
	if call.authHeader != "Bearer "+testNodeToken {
		t.Fatalf("passthrough should inject the node token, got %q", call.authHeader)
	}
	if call.path != "/" {
		t.Fatalf("passthrough should target the node root, got %q", call.path)
	}
}

func TestEventsStreamProxiesWithoutNodeToken(t *testing.T) {
	node := &fakeNode{}
	router := newTestGateway(t, node, nil)

	rec := doRequest(router, httptest.NewRequest(http.MethodGet, "/ws/events", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	call := node.lastCall(t)
	if call.path != "/ws/events" {
		t.Fatalf("expected /ws/events upstream path, got %q", call.path)
	}
	if call.authHeader != "" {
		t.Fatalf("event stream must not carry the node token, got %q", call.authHeader)
	}
}

func TestHealthEndpoint(t *testing.T) {
	node := &fakeNode{}
	router := newTestGateway(t, node, nil)

	rec := doRequest(router, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health body: %s", rec.Body.String())
	}
}

func TestRequestIDForwardedToNode(t *testing.T) {
	node := &fakeNode{result: `"fv1owner"`}
	router := newTestGateway(t, node, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/fund/owner", nil)
	req.Header.Set(middleware.HeaderRequestID, "trace-me-123")
	rec := doRequest(router, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get(middleware.HeaderRequestID); got != "trace-me-123" {
		t.Fatalf("expected request ID echoed, got %q", got)
	}
}
