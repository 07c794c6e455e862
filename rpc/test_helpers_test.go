package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"fundvault/core"
	"fundvault/core/genesis"
	"fundvault/crypto"
	"fundvault/native/oracle"
	"fundvault/storage"
)

const testAuthToken = "test-token"

func testBech(fill byte) string {
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = fill
	}
	return crypto.NewAddress(crypto.FundPrefix, raw).String()
}

func newTestNode(t *testing.T) *core.Node {
	t.Helper()
	spec := &genesis.GenesisSpec{
		GenesisTime: "2024-01-01T00:00:00Z",
		NetworkName: "fundvault-test",
		Owner:       testBech(0xEE),
		MinimumUSD:  "50000000000000000000",
		Oracle: oracle.FeedSpec{
			Kind:     oracle.FeedKindManual,
			Endpoint: "test-feed",
			Price:    "200000000000",
			Decimals: 8,
		},
		Alloc: map[string]string{
			testBech(0x01): "1000000000000000000",
			testBech(0x02): "1000000000000000000",
		},
	}
	node, err := core.NewNode(storage.NewMemDB(), spec)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return NewServer(newTestNode(t), ServerConfig{AuthToken: testAuthToken})
}

// postRPC drives a request through the full handle path, including auth and
// dispatch, and decodes the JSON-RPC envelope.
func postRPC(t *testing.T, server *Server, token string, req *RPCRequest) (int, RPCResponse) {
	t.Helper()
	if req.JSONRPC == "" {
		req.JSONRPC = jsonRPCVersion
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	server.handle(recorder, httpReq)

	var resp RPCResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return recorder.Code, resp
}

func rawParams(t *testing.T, values ...interface{}) []json.RawMessage {
	t.Helper()
	params := make([]json.RawMessage, 0, len(values))
	for _, value := range values {
		encoded, err := json.Marshal(value)
		if err != nil {
			t.Fatalf("marshal param: %v", err)
		}
		params = append(params, encoded)
	}
	return params
}
