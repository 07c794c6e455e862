package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

type recordedCall struct {
	method      string
	params      []interface{}
	requireAuth bool
}

func stubRPC(t *testing.T, result json.RawMessage, rpcErr *rpcError, callErr error) *recordedCall {
	t.Helper()
	recorded := &recordedCall{}
	original := fundRPCCall
	fundRPCCall = func(method string, params []interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
		recorded.method = method
		recorded.params = params
		recorded.requireAuth = requireAuth
		return result, rpcErr, callErr
	}
	t.Cleanup(func() { fundRPCCall = original })
	return recorded
}

func TestContributeArgumentValidation(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing from", []string{"--amount", "100"}, "Error: --from is required\n"},
		{"missing amount", []string{"--from", "fv1qtest"}, "Error: --amount is required\n"},
		{"negative amount", []string{"--from", "fv1qtest", "--amount", "-5"}, "Error: --amount must be positive\n"},
		{"fractional amount", []string{"--from", "fv1qtest", "--amount", "1.5"}, "Error: --amount must be an integer\n"},
		{"positional args", []string{"--from", "fv1qtest", "--amount", "1", "extra"}, "Error: unexpected positional arguments\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stubRPC(t, nil, nil, nil)
			var stdout, stderr bytes.Buffer
			if code := runContribute(tc.args, &stdout, &stderr); code != 1 {
				t.Fatalf("expected exit code 1, got %d", code)
			}
			if stderr.String() != tc.wantErr {
				t.Fatalf("stderr mismatch: got %q, want %q", stderr.String(), tc.wantErr)
			}
		})
	}
}

func TestContributeSendsNormalizedAmount(t *testing.T) {
	recorded := stubRPC(t, json.RawMessage(`{"sequence":1}`), nil, nil)

	var stdout, stderr bytes.Buffer
	code := runContribute([]string{"--from", "fv1qtest", "--amount", "0.5e18"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected success, got exit code %d (stderr: %s)", code, stderr.String())
	}
	if recorded.method != "fund_contribute" {
		t.Fatalf("unexpected method %q", recorded.method)
	}
	if !recorded.requireAuth {
		t.Fatal("contribute must require the bearer token")
	}
	if len(recorded.params) != 1 {
		t.Fatalf("expected a single params object, got %d", len(recorded.params))
	}
	payload, ok := recorded.params[0].(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected params payload %T", recorded.params[0])
	}
	if payload["caller"] != "fv1qtest" {
		t.Fatalf("unexpected caller %v", payload["caller"])
	}
	if payload["amount"] != "500000000000000000" {
		t.Fatalf("unexpected amount %v", payload["amount"])
	}
	if stdout.String() != "{\"sequence\":1}\n" {
		t.Fatalf("unexpected stdout %q", stdout.String())
	}
}

func TestWithdrawSendsCallerAndAmount(t *testing.T) {
	recorded := stubRPC(t, json.RawMessage(`{"sequence":4}`), nil, nil)

	var stdout, stderr bytes.Buffer
	code := runWithdraw([]string{"--caller", "fv1qowner", "--amount", "25e18"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected success, got exit code %d (stderr: %s)", code, stderr.String())
	}
	if recorded.method != "fund_withdraw" {
		t.Fatalf("unexpected method %q", recorded.method)
	}
	payload := recorded.params[0].(map[string]interface{})
	if payload["amount"] != "25000000000000000000" {
		t.Fatalf("unexpected amount %v", payload["amount"])
	}
}

func TestWithdrawAllRequiresCaller(t *testing.T) {
	stubRPC(t, nil, nil, nil)
	var stdout, stderr bytes.Buffer
	if code := runWithdrawAll(nil, &stdout, &stderr); code != 1 {
		t.Fatal("expected failure without --caller")
	}
	if stderr.String() != "Error: --caller is required\n" {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestUpdateOracleBuildsFeedObject(t *testing.T) {
	recorded := stubRPC(t, json.RawMessage(`{"sequence":9}`), nil, nil)

	var stdout, stderr bytes.Buffer
	args := []string{
		"--caller", "fv1qowner",
		"--kind", "manual",
		"--endpoint", "ops-desk",
		"--price", "210000000000",
		"--decimals", "8",
	}
	if code := runUpdateOracle(args, &stdout, &stderr); code != 0 {
		t.Fatalf("expected success, got stderr %q", stderr.String())
	}
	if recorded.method != "fund_updateOracle" {
		t.Fatalf("unexpected method %q", recorded.method)
	}
	if !recorded.requireAuth {
		t.Fatal("update-oracle must require the bearer token")
	}
	payload := recorded.params[0].(map[string]interface{})
	feed, ok := payload["oracle"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing oracle object in params: %v", payload)
	}
	if feed["kind"] != "manual" || feed["endpoint"] != "ops-desk" {
		t.Fatalf("unexpected feed identity: %v", feed)
	}
	if feed["price"] != "210000000000" {
		t.Fatalf("unexpected seed price: %v", feed["price"])
	}
	if feed["decimals"] != uint(8) {
		t.Fatalf("unexpected decimals: %v", feed["decimals"])
	}
	if _, present := feed["apiKeyEnv"]; present {
		t.Fatal("apiKeyEnv should be omitted when unset")
	}
}

func TestUpdateOracleRequiresIdentityFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing caller", []string{"--kind", "manual", "--endpoint", "x"}, "Error: --caller is required\n"},
		{"missing kind", []string{"--caller", "fv1q", "--endpoint", "x"}, "Error: --kind is required\n"},
		{"missing endpoint", []string{"--caller", "fv1q", "--kind", "http"}, "Error: --endpoint is required\n"},
		{"oversized decimals", []string{"--caller", "fv1q", "--kind", "manual", "--endpoint", "x", "--decimals", "300"}, "Error: --decimals must fit in a byte\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stubRPC(t, nil, nil, nil)
			var stdout, stderr bytes.Buffer
			if code := runUpdateOracle(tc.args, &stdout, &stderr); code != 1 {
				t.Fatalf("expected exit code 1, got %d", code)
			}
			if stderr.String() != tc.wantErr {
				t.Fatalf("stderr mismatch: got %q, want %q", stderr.String(), tc.wantErr)
			}
		})
	}
}

func TestBalanceSendsAddressParam(t *testing.T) {
	recorded := stubRPC(t, json.RawMessage(`"42000000000000000000"`), nil, nil)

	var stdout, stderr bytes.Buffer
	if code := runBalance([]string{"fv1qsomeone"}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected success, got stderr %q", stderr.String())
	}
	if recorded.method != "fund_getBalance" {
		t.Fatalf("unexpected method %q", recorded.method)
	}
	if recorded.requireAuth {
		t.Fatal("balance is a public query")
	}
	if len(recorded.params) != 1 || recorded.params[0] != "fv1qsomeone" {
		t.Fatalf("unexpected params %v", recorded.params)
	}
	if stdout.String() != "\"42000000000000000000\"\n" {
		t.Fatalf("unexpected stdout %q", stdout.String())
	}
}

func TestBalanceRequiresAddress(t *testing.T) {
	stubRPC(t, nil, nil, nil)
	var stdout, stderr bytes.Buffer
	if code := runBalance(nil, &stdout, &stderr); code != 1 {
		t.Fatal("expected failure without an address")
	}
	if stderr.String() != "Error: an address argument is required\n" {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestFunderSendsIndex(t *testing.T) {
	recorded := stubRPC(t, json.RawMessage(`"fv1qfirst"`), nil, nil)

	var stdout, stderr bytes.Buffer
	if code := runFunder([]string{"--index", "2"}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected success, got stderr %q", stderr.String())
	}
	if recorded.method != "fund_getFunder" {
		t.Fatalf("unexpected method %q", recorded.method)
	}
	if len(recorded.params) != 1 || recorded.params[0] != 2 {
		t.Fatalf("unexpected params %v", recorded.params)
	}
}

func TestFunderRejectsBadIndex(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing", nil},
		{"negative", []string{"--index", "-1"}},
		{"not a number", []string{"--index", "abc"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stubRPC(t, nil, nil, nil)
			var stdout, stderr bytes.Buffer
			if code := runFunder(tc.args, &stdout, &stderr); code != 1 {
				t.Fatalf("expected exit code 1, got %d", code)
			}
		})
	}
}

func TestSimpleQueryRejectsArguments(t *testing.T) {
	stubRPC(t, nil, nil, nil)
	var stdout, stderr bytes.Buffer
	if code := runSimpleQuery("fund_owner", []string{"stray"}, &stdout, &stderr); code != 1 {
		t.Fatal("expected failure with stray arguments")
	}
	if stderr.String() != "Error: unexpected arguments\n" {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestSimpleQuerySendsEmptyParams(t *testing.T) {
	recorded := stubRPC(t, json.RawMessage(`"fv1qowner"`), nil, nil)

	var stdout, stderr bytes.Buffer
	if code := runSimpleQuery("fund_owner", nil, &stdout, &stderr); code != 0 {
		t.Fatalf("expected success, got stderr %q", stderr.String())
	}
	if recorded.method != "fund_owner" {
		t.Fatalf("unexpected method %q", recorded.method)
	}
	if len(recorded.params) != 0 {
		t.Fatalf("expected empty params, got %v", recorded.params)
	}
}

func TestEventsOmitsFilterWhenUnset(t *testing.T) {
	recorded := stubRPC(t, json.RawMessage(`[]`), nil, nil)

	var stdout, stderr bytes.Buffer
	if code := runEvents(nil, &stdout, &stderr); code != 0 {
		t.Fatalf("expected success, got stderr %q", stderr.String())
	}
	if recorded.method != "fund_listEvents" {
		t.Fatalf("unexpected method %q", recorded.method)
	}
	if len(recorded.params) != 0 {
		t.Fatalf("expected empty params, got %v", recorded.params)
	}
}

func TestEventsSendsFilter(t *testing.T) {
	recorded := stubRPC(t, json.RawMessage(`[]`), nil, nil)

	var stdout, stderr bytes.Buffer
	if code := runEvents([]string{"--since", "7", "--limit", "25"}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected success, got stderr %q", stderr.String())
	}
	if len(recorded.params) != 1 {
		t.Fatalf("expected a filter object, got %v", recorded.params)
	}
	filter := recorded.params[0].(map[string]interface{})
	if filter["since"] != uint64(7) || filter["limit"] != 25 {
		t.Fatalf("unexpected filter %v", filter)
	}
}

func TestRPCErrorSurfaced(t *testing.T) {
	stubRPC(t, nil, &rpcError{Code: -32023, Message: "caller is not the vault owner"}, nil)

	var stdout, stderr bytes.Buffer
	code := runWithdrawAll([]string{"--caller", "fv1qintruder"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if stderr.String() != "RPC error -32023: caller is not the vault owner\n" {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestRPCTransportFailureSurfaced(t *testing.T) {
	stubRPC(t, nil, nil, errors.New("connection refused"))

	var stdout, stderr bytes.Buffer
	code := runSimpleQuery("fund_info", nil, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "RPC call failed: connection refused") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestNormalizeAmount(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plain integer", "100", "100", false},
		{"scientific notation", "100e18", "100000000000000000000", false},
		{"fractional scientific", "0.5e18", "500000000000000000", false},
		{"trailing fraction zeros", "1.0", "1", false},
		{"underscore grouping", "1_000_000", "1000000", false},
		{"leading plus", "+5", "5", false},
		{"uppercase exponent", "2E3", "2000", false},
		{"zero", "0", "", true},
		{"negative", "-5", "", true},
		{"fractional result", "1.23e-1", "", true},
		{"sub-integer", "0.1", "", true},
		{"empty", "", "", true},
		{"dangling exponent", "1e", "", true},
		{"not a number", "abc", "", true},
		{"double dot", "1.2.3", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := normalizeAmount(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %q", tc.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for %q: %v", tc.input, err)
			}
			if got != tc.want {
				t.Fatalf("normalizeAmount(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestWriteRPCResultHandlesEmptyPayload(t *testing.T) {
	var out bytes.Buffer
	writeRPCResult(&out, nil)
	if out.String() != "null\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}
