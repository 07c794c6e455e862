package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"nhooyr.io/websocket"

	"fundvault/core/events"
	"fundvault/core/types"
)

const (
	defaultDuration = 2 * time.Minute
	defaultRate     = 60 // contributions per minute
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      int             `json:"id"`
}

type contributionResult struct {
	Receipt  string `json:"receipt"`
	Funder   string `json:"funder"`
	Amount   string `json:"amount"`
	USDValue string `json:"usdValue"`
}

// latencyTracker pairs submitted contributions with their recorded events by
// receipt and keeps the observed submit-to-publish latencies.
type latencyTracker struct {
	mu        sync.Mutex
	pending   map[string]time.Time
	latencies []time.Duration
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{pending: make(map[string]time.Time)}
}

func (lt *latencyTracker) track(receipt string, at time.Time) {
	lt.mu.Lock()
	lt.pending[strings.ToLower(receipt)] = at
	lt.mu.Unlock()
}

func (lt *latencyTracker) finalize(receipt string, at time.Time) {
	key := strings.ToLower(receipt)
	lt.mu.Lock()
	start, ok := lt.pending[key]
	if ok {
		lt.latencies = append(lt.latencies, at.Sub(start))
		delete(lt.pending, key)
	}
	lt.mu.Unlock()
}

func (lt *latencyTracker) snapshot() (latencies []time.Duration, pending int) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	latencies = append([]time.Duration(nil), lt.latencies...)
	pending = len(lt.pending)
	return latencies, pending
}

func (lt *latencyTracker) waitForEmpty(ctx context.Context) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		lt.mu.Lock()
		remaining := len(lt.pending)
		lt.mu.Unlock()
		if remaining == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func main() {
	var (
		rpcURL       string
		caller       string
		amount       string
		rate         int
		durationFlag time.Duration
	)
	flag.StringVar(&rpcURL, "rpc", "http://127.0.0.1:8080", "RPC endpoint for submitting contributions")
	flag.StringVar(&caller, "caller", "", "bech32 funder address (overrides FUNDLOADER_CALLER)")
	flag.StringVar(&amount, "amount", "1000000000000000000", "native amount per contribution in base units")
	flag.IntVar(&rate, "rate", defaultRate, "target rate of contributions per minute")
	flag.DurationVar(&durationFlag, "duration", defaultDuration, "load duration")
	flag.Parse()

	if caller == "" {
		caller = os.Getenv("FUNDLOADER_CALLER")
	}
	caller = strings.TrimSpace(caller)
	if caller == "" {
		log.Fatal("missing funder address: provide --caller or FUNDLOADER_CALLER")
	}
	amount = strings.TrimSpace(amount)
	if amount == "" {
		log.Fatal("amount must not be empty")
	}

	token := strings.TrimSpace(os.Getenv("FUNDVAULT_RPC_TOKEN"))
	if token == "" {
		log.Fatal("missing FUNDVAULT_RPC_TOKEN for RPC authentication")
	}
	parsed, err := url.Parse(rpcURL)
	if err != nil {
		log.Fatalf("parse rpc url: %v", err)
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "http"
	}

	if rate <= 0 {
		log.Fatalf("rate must be positive, got %d", rate)
	}
	if durationFlag <= 0 {
		durationFlag = defaultDuration
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	httpClient := &http.Client{Timeout: 10 * time.Second}
	tracker := newLatencyTracker()

	wsURL := *parsed
	switch strings.ToLower(parsed.Scheme) {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = "/ws/events"
	wsURL.RawQuery = ""

	wsCtx, wsCancel := context.WithTimeout(ctx, 5*time.Second)
	conn, _, err := websocket.Dial(wsCtx, wsURL.String(), nil)
	wsCancel()
	if err != nil {
		log.Fatalf("connect event stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "load complete")

	streamCtx, streamCancel := context.WithCancel(ctx)
	defer streamCancel()
	go consumeEvents(streamCtx, conn, tracker)

	interval := time.Minute / time.Duration(rate)
	if interval <= 0 {
		interval = time.Millisecond
	}
	deadline := time.Now().Add(durationFlag)
	var submitted, rejected int
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			log.Printf("context cancelled: %v", ctx.Err())
			return
		default:
		}
		receipt, err := submitContribution(ctx, httpClient, parsed, token, caller, amount)
		if err != nil {
			log.Printf("contribution %d failed: %v", submitted+rejected, err)
			rejected++
		} else {
			tracker.track(receipt, time.Now())
			submitted++
		}
		time.Sleep(interval)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer waitCancel()
	if !tracker.waitForEmpty(waitCtx) {
		_, pending := tracker.snapshot()
		log.Printf("pending events for %d contributions", pending)
	}

	streamCancel()

	latencies, pending := tracker.snapshot()
	reportLoadSummary(latencies, pending, submitted, rejected)
}

func submitContribution(ctx context.Context, client *http.Client, rpcURL *url.URL, token, caller, amount string) (string, error) {
	payload := rpcRequest{
		JSONRPC: "2.0",
		Method:  "fund_contribute",
		Params:  []interface{}{map[string]string{"caller": caller, "amount": amount}},
		ID:      1,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rpcURL.String(), bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("rpc call: %w", err)
	}
	defer resp.Body.Close()

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if decoded.Error != nil {
		return "", fmt.Errorf("rpc error %d: %s", decoded.Error.Code, decoded.Error.Message)
	}
	var result contributionResult
	if err := json.Unmarshal(decoded.Result, &result); err != nil {
		return "", fmt.Errorf("decode result: %w", err)
	}
	if result.Receipt == "" {
		return "", fmt.Errorf("contribution accepted without receipt")
	}
	return result.Receipt, nil
}

func consumeEvents(ctx context.Context, conn *websocket.Conn, tracker *latencyTracker) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var evt types.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			log.Printf("decode event payload: %v", err)
			continue
		}
		if evt.Type != events.TypeContributionRecorded {
			continue
		}
		if receipt := evt.Attributes["receipt"]; receipt != "" {
			tracker.finalize(receipt, time.Now())
		}
	}
}

func reportLoadSummary(latencies []time.Duration, pending, submitted, rejected int) {
	var max time.Duration
	var total time.Duration
	for _, latency := range latencies {
		if latency > max {
			max = latency
		}
		total += latency
	}
	avg := time.Duration(0)
	if len(latencies) > 0 {
		avg = time.Duration(int64(total) / int64(len(latencies)))
	}
	log.Printf("Fund loader submitted %d contributions (%d rejected)", submitted, rejected)
	log.Printf("Observed %d recorded events (pending: %d)", len(latencies), pending)
	log.Printf("Latency avg=%s max=%s", avg, max)
}
