package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"fundvault/cmd/internal/passphrase"
	"fundvault/crypto"
)

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

var fundRPCCall = callFundRPC

func runGenerateKey(args []string, stdout, stderr io.Writer) int {
	fs := newFundFlagSet("generate-key", stderr)
	var out string
	fs.StringVar(&out, "out", "owner.keystore", "keystore output path")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}

	pass, err := passphrase.NewSource(ownerPassEnv).Get()
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	_, addr, err := crypto.GenerateToKeystore(out, pass)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "Generated new owner key at %s\n", out)
	fmt.Fprintf(stdout, "Vault owner address: %s\n", addr.String())
	return 0
}

func runOwnerAddress(args []string, stdout, stderr io.Writer) int {
	fs := newFundFlagSet("owner-address", stderr)
	var keystorePath string
	fs.StringVar(&keystorePath, "keystore", "", "path to the owner keystore")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if keystorePath == "" {
		return printCommandError(stderr, "--keystore is required")
	}
	key, err := loadOwnerKey(keystorePath)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func runContribute(args []string, stdout, stderr io.Writer) int {
	fs := newFundFlagSet("contribute", stderr)
	var (
		from      string
		amountStr string
	)
	fs.StringVar(&from, "from", "", "contributor bech32 address")
	fs.StringVar(&amountStr, "amount", "", "contribution amount in 18-decimal units (supports 0.5e18 shorthand)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if from == "" {
		return printCommandError(stderr, "--from is required")
	}
	amount, err := normalizeAmount(amountStr)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}

	params := map[string]interface{}{"caller": from, "amount": amount}
	result, rpcErr, err := fundRPCCall("fund_contribute", []interface{}{params}, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runWithdraw(args []string, stdout, stderr io.Writer) int {
	fs := newFundFlagSet("withdraw", stderr)
	var (
		caller    string
		amountStr string
	)
	fs.StringVar(&caller, "caller", "", "vault owner bech32 address")
	fs.StringVar(&amountStr, "amount", "", "withdrawal amount in 18-decimal units")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if caller == "" {
		return printCommandError(stderr, "--caller is required")
	}
	amount, err := normalizeAmount(amountStr)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}

	params := map[string]interface{}{"caller": caller, "amount": amount}
	result, rpcErr, err := fundRPCCall("fund_withdraw", []interface{}{params}, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runWithdrawAll(args []string, stdout, stderr io.Writer) int {
	fs := newFundFlagSet("withdraw-all", stderr)
	var caller string
	fs.StringVar(&caller, "caller", "", "vault owner bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if caller == "" {
		return printCommandError(stderr, "--caller is required")
	}

	params := map[string]interface{}{"caller": caller}
	result, rpcErr, err := fundRPCCall("fund_withdrawAll", []interface{}{params}, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runUpdateOracle(args []string, stdout, stderr io.Writer) int {
	fs := newFundFlagSet("update-oracle", stderr)
	var (
		caller    string
		kind      string
		endpoint  string
		apiKeyEnv string
		price     string
		decimals  uint
	)
	fs.StringVar(&caller, "caller", "", "vault owner bech32 address")
	fs.StringVar(&kind, "kind", "", "feed kind (manual or http)")
	fs.StringVar(&endpoint, "endpoint", "", "feed endpoint or manual feed label")
	fs.StringVar(&apiKeyEnv, "api-key-env", "", "environment variable holding the feed API key")
	fs.StringVar(&price, "price", "", "seed price for manual feeds")
	fs.UintVar(&decimals, "decimals", 0, "seed price decimals for manual feeds")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if caller == "" {
		return printCommandError(stderr, "--caller is required")
	}
	if kind == "" {
		return printCommandError(stderr, "--kind is required")
	}
	if endpoint == "" {
		return printCommandError(stderr, "--endpoint is required")
	}
	if decimals > 255 {
		return printCommandError(stderr, "--decimals must fit in a byte")
	}

	feed := map[string]interface{}{"kind": kind, "endpoint": endpoint}
	if strings.TrimSpace(apiKeyEnv) != "" {
		feed["apiKeyEnv"] = apiKeyEnv
	}
	if strings.TrimSpace(price) != "" {
		feed["price"] = price
	}
	if decimals > 0 {
		feed["decimals"] = decimals
	}

	params := map[string]interface{}{"caller": caller, "oracle": feed}
	result, rpcErr, err := fundRPCCall("fund_updateOracle", []interface{}{params}, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	return runAddressQuery("fund_getBalance", args, stdout, stderr)
}

func runFunded(args []string, stdout, stderr io.Writer) int {
	return runAddressQuery("fund_amountFunded", args, stdout, stderr)
}

func runAddressQuery(method string, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return printCommandError(stderr, "an address argument is required")
	}
	result, rpcErr, err := fundRPCCall(method, []interface{}{args[0]}, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runFunder(args []string, stdout, stderr io.Writer) int {
	fs := newFundFlagSet("funder", stderr)
	var indexStr string
	fs.StringVar(&indexStr, "index", "", "zero-based roster position")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if indexStr == "" {
		return printCommandError(stderr, "--index is required")
	}
	index, err := strconv.Atoi(indexStr)
	if err != nil || index < 0 {
		return printCommandError(stderr, "--index must be a non-negative integer")
	}
	result, rpcErr, err := fundRPCCall("fund_getFunder", []interface{}{index}, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runSimpleQuery(method string, args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 {
		return printCommandError(stderr, "unexpected arguments")
	}
	result, rpcErr, err := fundRPCCall(method, []interface{}{}, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEvents(args []string, stdout, stderr io.Writer) int {
	fs := newFundFlagSet("events", stderr)
	var (
		since uint64
		limit int
	)
	fs.Uint64Var(&since, "since", 0, "replay events after this sequence number")
	fs.IntVar(&limit, "limit", 0, "maximum number of events to return")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if limit < 0 {
		return printCommandError(stderr, "--limit must not be negative")
	}

	params := []interface{}{}
	if since > 0 || limit > 0 {
		params = append(params, map[string]interface{}{"since": since, "limit": limit})
	}
	result, rpcErr, err := fundRPCCall("fund_listEvents", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func newFundFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: fundvault-cli %s [flags]\n", name)
	}
	return fs
}

func printCommandError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleRPCError(w io.Writer, err *rpcError) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC error %d: %s\n", err.Code, err.Message)
	return 1
}

func handleRPCCallError(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC call failed: %v\n", err)
	return 1
}

func writeRPCResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	if _, err := w.Write(result); err == nil {
		if result[len(result)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
}

// normalizeAmount converts decimal and scientific notation shorthand into a
// base-10 integer string, rejecting anything that is not a whole positive
// amount of 18-decimal units.
func normalizeAmount(value string) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("--amount is required")
	}
	var exponent int
	base := trimmed
	if idx := strings.IndexAny(trimmed, "eE"); idx != -1 {
		base = trimmed[:idx]
		expPart := strings.TrimSpace(trimmed[idx+1:])
		if expPart == "" {
			return "", fmt.Errorf("invalid scientific notation in --amount")
		}
		expValue, err := strconv.ParseInt(expPart, 10, 32)
		if err != nil {
			return "", fmt.Errorf("invalid scientific notation in --amount")
		}
		exponent = int(expValue)
	}
	base = strings.TrimSpace(strings.TrimPrefix(base, "+"))
	if strings.HasPrefix(base, "-") {
		return "", fmt.Errorf("--amount must be positive")
	}
	parts := strings.Split(base, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("invalid amount format")
	}
	integerPart := parts[0]
	fractionalPart := ""
	if len(parts) == 2 {
		fractionalPart = parts[1]
	}
	digits := integerPart + fractionalPart
	if digits == "" || !isDigits(digits) {
		return "", fmt.Errorf("invalid amount format")
	}
	digits = strings.TrimLeft(digits, "0")
	fracLen := len(fractionalPart)
	for fracLen > 0 && len(digits) > 0 && digits[len(digits)-1] == '0' {
		digits = digits[:len(digits)-1]
		fracLen--
	}
	totalExponent := exponent - fracLen
	if totalExponent < 0 {
		return "", fmt.Errorf("--amount must be an integer")
	}
	if digits == "" {
		return "", fmt.Errorf("--amount must be positive")
	}
	if totalExponent > 0 {
		digits += strings.Repeat("0", totalExponent)
	}
	return digits, nil
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func callFundRPC(method string, params []interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
	if params == nil {
		params = []interface{}{}
	}
	payload := map[string]interface{}{
		"id":     1,
		"method": method,
		"params": params,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	resp, err := doRPCRequest(body, requireAuth)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode RPC response: %w", err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}
