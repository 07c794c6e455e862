package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"fundvault/gateway/auth"
	"fundvault/gateway/middleware"
)

const fundRequestLimit = 1 << 20 // 1 MiB

// JSON-RPC fund error codes surfaced by the node.
const (
	rpcCodeUnauthorized  = -32001
	rpcCodeRateLimited   = -32020
	rpcCodeInvalidParams = -32021
	rpcCodeNotFound      = -32022
	rpcCodeForbidden     = -32023
	rpcCodeConflict      = -32024
)

// NodeClient issues JSON-RPC calls against the fund vault node, attaching
// the node bearer token to privileged methods so gateway clients only ever
// hold gateway credentials.
type NodeClient struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewNodeClient(target *url.URL, token string, timeout time.Duration) (*NodeClient, error) {
	if target == nil {
		return nil, fmt.Errorf("nil node target")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &NodeClient{
		endpoint: target.String(),
		token:    strings.TrimSpace(token),
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

type nodeRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *nodeRPCError) Error() string {
	if e == nil {
		return "unknown RPC error"
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Call performs a single JSON-RPC request. A non-nil *nodeRPCError means
// the node answered with an application error; err covers transport and
// decoding failures.
func (c *NodeClient) Call(ctx context.Context, method string, params []interface{}, privileged bool) (json.RawMessage, *nodeRPCError, error) {
	if params == nil {
		params = []interface{}{}
	}
	payload, err := json.Marshal(map[string]interface{}{
		"id":     1,
		"method": method,
		"params": params,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if id := middleware.RequestIDFromContext(ctx); id != "" {
		req.Header.Set(middleware.HeaderRequestID, id)
	}
	if privileged {
		if c.token == "" {
			return nil, nil, errors.New("node RPC token not configured; set FUNDVAULT_RPC_TOKEN for the gateway")
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("call node: %w", err)
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *nodeRPCError   `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, fundRequestLimit)).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("decode node response: %w", err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}

// fundRoutes bridges the REST surface onto the node's JSON-RPC methods.
// Mutating routes optionally require an HMAC-signed request on top of the
// bearer-token scopes.
type fundRoutes struct {
	client   *NodeClient
	verifier *auth.Verifier
}

func newFundRoutes(client *NodeClient, verifier *auth.Verifier) (*fundRoutes, error) {
	if client == nil {
		return nil, fmt.Errorf("nil node client")
	}
	return &fundRoutes{client: client, verifier: verifier}, nil
}

func (fr *fundRoutes) mount(r chi.Router, authn *middleware.Authenticator) {
	write := func(scope string, h http.HandlerFunc) http.Handler {
		if authn == nil {
			return h
		}
		return authn.Middleware(scope)(h)
	}

	r.Method(http.MethodPost, "/contribute", write(middleware.ScopeWrite, fr.contribute))
	r.Method(http.MethodPost, "/withdraw", write(middleware.ScopeAdmin, fr.withdraw))
	r.Method(http.MethodPost, "/withdraw-all", write(middleware.ScopeAdmin, fr.withdrawAll))
	r.Method(http.MethodPost, "/oracle", write(middleware.ScopeAdmin, fr.updateOracle))

	r.Get("/balance/{address}", fr.balance)
	r.Get("/funded/{address}", fr.funded)
	r.Get("/funders", fr.funders)
	r.Get("/funders/count", fr.funderCount)
	r.Get("/funders/{index:[0-9]+}", fr.funderAt)
	r.Get("/owner", fr.owner)
	r.Get("/minimum", fr.minimum)
	r.Get("/held", fr.held)
	r.Get("/address", fr.vaultAddress)
	r.Get("/oracle", fr.oracleStatus)
	r.Get("/info", fr.info)
	r.Get("/events", fr.events)
}

type contributeRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type withdrawRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type callerRequest struct {
	Caller string `json:"caller"`
}

type updateOracleRequest struct {
	Caller string          `json:"caller"`
	Oracle json.RawMessage `json:"oracle"`
}

func (fr *fundRoutes) contribute(w http.ResponseWriter, r *http.Request) {
	body, ok := fr.readSignedBody(w, r)
	if !ok {
		return
	}
	var req contributeRequest
	if err := decodeBody(body, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if strings.TrimSpace(req.Caller) == "" || strings.TrimSpace(req.Amount) == "" {
		writeBadRequest(w, errors.New("caller and amount are required"))
		return
	}
	fr.forward(w, r, "fund_contribute", []interface{}{map[string]interface{}{
		"caller": req.Caller,
		"amount": req.Amount,
	}}, true)
}

func (fr *fundRoutes) withdraw(w http.ResponseWriter, r *http.Request) {
	body, ok := fr.readSignedBody(w, r)
	if !ok {
		return
	}
	var req withdrawRequest
	if err := decodeBody(body, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if strings.TrimSpace(req.Caller) == "" || strings.TrimSpace(req.Amount) == "" {
		writeBadRequest(w, errors.New("caller and amount are required"))
		return
	}
	fr.forward(w, r, "fund_withdraw", []interface{}{map[string]interface{}{
		"caller": req.Caller,
		"amount": req.Amount,
	}}, true)
}

func (fr *fundRoutes) withdrawAll(w http.ResponseWriter, r *http.Request) {
	body, ok := fr.readSignedBody(w, r)
	if !ok {
		return
	}
	var req callerRequest
	if err := decodeBody(body, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if strings.TrimSpace(req.Caller) == "" {
		writeBadRequest(w, errors.New("caller is required"))
		return
	}
	fr.forward(w, r, "fund_withdrawAll", []interface{}{map[string]interface{}{
		"caller": req.Caller,
	}}, true)
}

func (fr *fundRoutes) updateOracle(w http.ResponseWriter, r *http.Request) {
	body, ok := fr.readSignedBody(w, r)
	if !ok {
		return
	}
	var req updateOracleRequest
	if err := decodeBody(body, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if strings.TrimSpace(req.Caller) == "" || len(req.Oracle) == 0 {
		writeBadRequest(w, errors.New("caller and oracle are required"))
		return
	}
	fr.forward(w, r, "fund_updateOracle", []interface{}{map[string]interface{}{
		"caller": req.Caller,
		"oracle": req.Oracle,
	}}, true)
}

func (fr *fundRoutes) balance(w http.ResponseWriter, r *http.Request) {
	fr.forward(w, r, "fund_getBalance", []interface{}{chi.URLParam(r, "address")}, false)
}

func (fr *fundRoutes) funded(w http.ResponseWriter, r *http.Request) {
	fr.forward(w, r, "fund_amountFunded", []interface{}{chi.URLParam(r, "address")}, false)
}

func (fr *fundRoutes) funders(w http.ResponseWriter, r *http.Request) {
	fr.forward(w, r, "fund_funders", nil, false)
}

func (fr *fundRoutes) funderCount(w http.ResponseWriter, r *http.Request) {
	fr.forward(w, r, "fund_funderCount", nil, false)
}

func (fr *fundRoutes) funderAt(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		writeBadRequest(w, errors.New("index must be a non-negative integer"))
		return
	}
	fr.forward(w, r, "fund_getFunder", []interface{}{index}, false)
}

func (fr *fundRoutes) owner(w http.ResponseWriter, r *http.Request) {
	fr.forward(w, r, "fund_owner", nil, false)
}

func (fr *fundRoutes) minimum(w http.ResponseWriter, r *http.Request) {
	fr.forward(w, r, "fund_minimum", nil, false)
}

func (fr *fundRoutes) held(w http.ResponseWriter, r *http.Request) {
	fr.forward(w, r, "fund_heldValue", nil, false)
}

func (fr *fundRoutes) vaultAddress(w http.ResponseWriter, r *http.Request) {
	fr.forward(w, r, "fund_vaultAddress", nil, false)
}

func (fr *fundRoutes) oracleStatus(w http.ResponseWriter, r *http.Request) {
	fr.forward(w, r, "fund_oracle", nil, false)
}

func (fr *fundRoutes) info(w http.ResponseWriter, r *http.Request) {
	fr.forward(w, r, "fund_info", nil, false)
}

func (fr *fundRoutes) events(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var params []interface{}
	since, sinceErr := parseQueryUint(query.Get("since"))
	limit, limitErr := parseQueryUint(query.Get("limit"))
	if sinceErr != nil || limitErr != nil {
		writeBadRequest(w, errors.New("since and limit must be non-negative integers"))
		return
	}
	if since > 0 || limit > 0 {
		params = []interface{}{map[string]interface{}{"since": since, "limit": limit}}
	}
	fr.forward(w, r, "fund_listEvents", params, false)
}

// readSignedBody reads the request body and, when write signing is armed,
// verifies the HMAC envelope before the payload is trusted.
func (fr *fundRoutes) readSignedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Body == nil {
		writeBadRequest(w, errors.New("missing request body"))
		return nil, false
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, fundRequestLimit))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("read request body: %w", err))
		return nil, false
	}
	if fr.verifier != nil {
		if _, err := fr.verifier.Verify(r, body); err != nil {
			writeJSONError(w, http.StatusUnauthorized, err)
			return nil, false
		}
	}
	return body, true
}

func (fr *fundRoutes) forward(w http.ResponseWriter, r *http.Request, method string, params []interface{}, privileged bool) {
	result, rpcErr, err := fr.client.Call(r.Context(), method, params, privileged)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err)
		return
	}
	if rpcErr != nil {
		writeJSONError(w, httpStatusForRPCCode(rpcErr.Code), rpcErr)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if len(result) == 0 {
		_, _ = w.Write([]byte("null"))
		return
	}
	_, _ = w.Write(result)
}

func httpStatusForRPCCode(code int) int {
	switch code {
	case rpcCodeInvalidParams:
		return http.StatusBadRequest
	case rpcCodeNotFound:
		return http.StatusNotFound
	case rpcCodeForbidden:
		return http.StatusForbidden
	case rpcCodeConflict:
		return http.StatusConflict
	case rpcCodeRateLimited:
		return http.StatusTooManyRequests
	case rpcCodeUnauthorized:
		// The node refused the gateway's own token; clients cannot fix
		// that, so it surfaces as an upstream fault.
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

func decodeBody(body []byte, out interface{}) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return errors.New("request body is empty")
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func parseQueryUint(raw string) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	return strconv.ParseUint(trimmed, 10, 64)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, err)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	message := http.StatusText(status)
	if err != nil {
		if trimmed := strings.TrimSpace(err.Error()); trimmed != "" {
			message = trimmed
		}
	}
	payload, marshalErr := json.Marshal(map[string]string{"error": message})
	if marshalErr != nil {
		payload = []byte(`{"error":"internal error"}`)
	}
	_, _ = w.Write(payload)
}
