package rpc

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fundvault/core"
	"fundvault/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB

	rateLimitWindow       = time.Minute
	defaultWritesPerMin   = 5
	rateLimiterStaleAfter = 10 * time.Minute
	rateLimiterMaxEntries = 1024
	maxForwardedForAddrs  = 16

	defaultReadHeaderTimeout = 10 * time.Second
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// authTokenEnv names the environment variable consulted when the config does
// not carry an explicit RPC token. Write methods refuse to run without one.
const authTokenEnv = "FUNDVAULT_RPC_TOKEN"

type rateLimiter struct {
	count       int
	windowStart time.Time
	lastSeen    time.Time
}

// ServerConfig carries the transport and policy knobs for the JSON-RPC
// server. The zero value is safe for tests: no token, no trusted proxies and
// TLS required before the listener is accepted.
type ServerConfig struct {
	AuthToken         string
	TrustedProxies    []string
	TrustProxyHeaders bool
	AllowInsecure     bool
	TLSCertFile       string
	TLSKeyFile        string
	WriteRateLimit    int

	// HTTP server timeouts. ReadHeaderTimeout falls back to a sane default
	// when unset; the others follow net/http semantics where zero means no
	// limit, which keeps event streams on /ws/events alive.
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

type Server struct {
	node *core.Node

	authToken         string
	trustedProxies    map[string]struct{}
	trustProxyHeaders bool
	allowInsecure     bool
	tlsCertFile       string
	tlsKeyFile        string
	writeLimit        int
	readHeaderTimeout time.Duration
	readTimeout       time.Duration
	writeTimeout      time.Duration
	idleTimeout       time.Duration

	mu           sync.Mutex
	rateLimiters map[string]*rateLimiter

	serverMu   sync.Mutex
	httpServer *http.Server
}

func NewServer(node *core.Node, cfg ServerConfig) *Server {
	token := strings.TrimSpace(cfg.AuthToken)
	if token == "" {
		token = strings.TrimSpace(os.Getenv(authTokenEnv))
	}
	proxies := make(map[string]struct{}, len(cfg.TrustedProxies))
	for _, proxy := range cfg.TrustedProxies {
		canonical := canonicalSource(proxy)
		if canonical != "" {
			proxies[canonical] = struct{}{}
		}
	}
	limit := cfg.WriteRateLimit
	if limit <= 0 {
		limit = defaultWritesPerMin
	}
	headerTimeout := cfg.ReadHeaderTimeout
	if headerTimeout <= 0 {
		headerTimeout = defaultReadHeaderTimeout
	}
	return &Server{
		node:              node,
		authToken:         token,
		trustedProxies:    proxies,
		trustProxyHeaders: cfg.TrustProxyHeaders,
		allowInsecure:     cfg.AllowInsecure,
		tlsCertFile:       strings.TrimSpace(cfg.TLSCertFile),
		tlsKeyFile:        strings.TrimSpace(cfg.TLSKeyFile),
		writeLimit:        limit,
		readHeaderTimeout: headerTimeout,
		readTimeout:       cfg.ReadTimeout,
		writeTimeout:      cfg.WriteTimeout,
		idleTimeout:       cfg.IdleTimeout,
		rateLimiters:      make(map[string]*rateLimiter),
	}
}

// Start listens on addr and serves until the listener fails or Shutdown is
// called. Transport policy is enforced by Serve.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpc: listen on %s: %w", addr, err)
	}
	return s.Serve(listener)
}

// Serve runs the JSON-RPC server on the supplied listener. Plaintext
// transport is refused unless AllowInsecure is set, and even then only on
// loopback interfaces; production deployments terminate TLS here via the
// configured certificate pair.
func (s *Server) Serve(listener net.Listener) error {
	useTLS := s.tlsCertFile != "" && s.tlsKeyFile != ""
	if !useTLS {
		if !s.allowInsecure {
			return fmt.Errorf("rpc: TLS is required; configure TLSCertFile/TLSKeyFile or set AllowInsecure for local use")
		}
		if !listenerIsLoopback(listener) {
			return fmt.Errorf("rpc: plaintext transport is restricted to loopback interfaces")
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: s.readHeaderTimeout,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
	}
	s.serverMu.Lock()
	s.httpServer = srv
	s.serverMu.Unlock()

	if useTLS {
		return srv.ServeTLS(listener, s.tlsCertFile, s.tlsKeyFile)
	}
	return srv.Serve(listener)
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.serverMu.Lock()
	srv := s.httpServer
	s.serverMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func listenerIsLoopback(listener net.Listener) bool {
	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		// Unix sockets and the like are reachable only from the host.
		return true
	}
	return tcpAddr.IP.IsLoopback()
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// statusRecorder captures the HTTP status written by a handler so the
// dispatch loop can label metrics with the final outcome.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// handle is the main request handler that routes to the fund method handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	started := time.Now()
	s.dispatch(recorder, r, req)
	observability.RPCMetrics().Observe("fund", metricMethod(req.Method), recorder.status, time.Since(started))
}

func metricMethod(method string) string {
	switch method {
	case "fund_contribute", "fund_withdraw", "fund_withdrawAll", "fund_updateOracle",
		"fund_getBalance", "fund_amountFunded", "fund_getFunder", "fund_funderCount",
		"fund_funders", "fund_owner", "fund_minimum", "fund_heldValue",
		"fund_vaultAddress", "fund_oracle", "fund_listEvents", "fund_info":
		return method
	default:
		return "unknown"
	}
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	switch req.Method {
	case "fund_contribute":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleContribute(w, r, req)
	case "fund_withdraw":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleWithdraw(w, r, req)
	case "fund_withdrawAll":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleWithdrawAll(w, r, req)
	case "fund_updateOracle":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleUpdateOracle(w, r, req)
	case "fund_getBalance":
		s.handleGetBalance(w, r, req)
	case "fund_amountFunded":
		s.handleAmountFunded(w, r, req)
	case "fund_getFunder":
		s.handleGetFunder(w, r, req)
	case "fund_funderCount":
		s.handleFunderCount(w, r, req)
	case "fund_funders":
		s.handleFunders(w, r, req)
	case "fund_owner":
		s.handleOwner(w, r, req)
	case "fund_minimum":
		s.handleMinimum(w, r, req)
	case "fund_heldValue":
		s.handleHeldValue(w, r, req)
	case "fund_vaultAddress":
		s.handleVaultAddress(w, r, req)
	case "fund_oracle":
		s.handleOracleStatus(w, r, req)
	case "fund_listEvents":
		s.handleListEvents(w, r, req)
	case "fund_info":
		s.handleInfo(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	payload := map[string]string{"status": "ok"}
	if s.node != nil {
		payload["network"] = s.node.NetworkName()
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

// throttleWrite enforces the per-source write budget. It reports false after
// writing the rate-limit error so handlers can bail with a bare return.
func (s *Server) throttleWrite(w http.ResponseWriter, r *http.Request, req *RPCRequest) bool {
	source := s.clientSource(r)
	if !s.allowSource(source, time.Now()) {
		observability.RPCMetrics().RecordThrottle("fund", "rate_limit")
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "write rate limit exceeded", source)
		return false
	}
	return true
}

func (s *Server) allowSource(source string, now time.Time) bool {
	source = strings.TrimSpace(source)
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictStaleLimitersLocked(now)

	limiter, ok := s.rateLimiters[source]
	if !ok {
		if len(s.rateLimiters) >= rateLimiterMaxEntries {
			s.evictOldestLimiterLocked()
		}
		limiter = &rateLimiter{windowStart: now}
		s.rateLimiters[source] = limiter
	}
	limiter.lastSeen = now
	if now.Sub(limiter.windowStart) >= rateLimitWindow {
		limiter.windowStart = now
		limiter.count = 0
	}
	if limiter.count >= s.writeLimit {
		return false
	}
	limiter.count++
	return true
}

func (s *Server) evictStaleLimitersLocked(now time.Time) {
	for source, limiter := range s.rateLimiters {
		if now.Sub(limiter.lastSeen) > rateLimiterStaleAfter {
			delete(s.rateLimiters, source)
		}
	}
}

func (s *Server) evictOldestLimiterLocked() {
	var oldestSource string
	var oldestSeen time.Time
	first := true
	for source, limiter := range s.rateLimiters {
		if first || limiter.lastSeen.Before(oldestSeen) {
			first = false
			oldestSource = source
			oldestSeen = limiter.lastSeen
		}
	}
	if !first {
		delete(s.rateLimiters, oldestSource)
	}
}

// clientSource resolves the address a request should be rate limited under.
// X-Forwarded-For is honoured only when the direct peer is a configured
// trusted proxy (or proxy headers are globally trusted), otherwise a client
// could spoof its way to a fresh budget.
func (s *Server) clientSource(r *http.Request) string {
	remote := canonicalSource(remoteHost(r))
	if s.trustProxyHeaders || s.proxyTrusted(remote) {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			parts := strings.Split(forwarded, ",")
			if len(parts) <= maxForwardedForAddrs {
				for _, part := range parts {
					if candidate := canonicalSource(part); candidate != "" {
						return candidate
					}
				}
			}
		}
	}
	return remote
}

func (s *Server) proxyTrusted(remote string) bool {
	if remote == "" {
		return false
	}
	_, ok := s.trustedProxies[remote]
	return ok
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// canonicalSource trims whitespace and strips any port suffix so limiter
// entries key on the bare host.
func canonicalSource(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(trimmed); err == nil {
		return host
	}
	return trimmed
}
