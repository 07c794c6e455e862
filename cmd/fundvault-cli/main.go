package main

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"strings"

	"fundvault/cmd/internal/passphrase"
	"fundvault/crypto"
)

const ownerPassEnv = "FUNDVAULT_OWNER_PASS"

var rpcEndpoint = defaultRPCEndpoint()
var rpcAuthToken = os.Getenv("FUNDVAULT_RPC_TOKEN")

func main() {
	args := os.Args[1:]
	var err error
	rpcEndpoint = defaultRPCEndpoint()
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	code := 0
	switch command := args[0]; command {
	case "generate-key":
		code = runGenerateKey(args[1:], os.Stdout, os.Stderr)
	case "owner-address":
		code = runOwnerAddress(args[1:], os.Stdout, os.Stderr)
	case "contribute":
		code = runContribute(args[1:], os.Stdout, os.Stderr)
	case "withdraw":
		code = runWithdraw(args[1:], os.Stdout, os.Stderr)
	case "withdraw-all":
		code = runWithdrawAll(args[1:], os.Stdout, os.Stderr)
	case "update-oracle":
		code = runUpdateOracle(args[1:], os.Stdout, os.Stderr)
	case "balance":
		code = runBalance(args[1:], os.Stdout, os.Stderr)
	case "funded":
		code = runFunded(args[1:], os.Stdout, os.Stderr)
	case "funder":
		code = runFunder(args[1:], os.Stdout, os.Stderr)
	case "funders":
		code = runSimpleQuery("fund_funders", args[1:], os.Stdout, os.Stderr)
	case "funder-count":
		code = runSimpleQuery("fund_funderCount", args[1:], os.Stdout, os.Stderr)
	case "owner":
		code = runSimpleQuery("fund_owner", args[1:], os.Stdout, os.Stderr)
	case "minimum":
		code = runSimpleQuery("fund_minimum", args[1:], os.Stdout, os.Stderr)
	case "held":
		code = runSimpleQuery("fund_heldValue", args[1:], os.Stdout, os.Stderr)
	case "vault-address":
		code = runSimpleQuery("fund_vaultAddress", args[1:], os.Stdout, os.Stderr)
	case "oracle":
		code = runSimpleQuery("fund_oracle", args[1:], os.Stdout, os.Stderr)
	case "info":
		code = runSimpleQuery("fund_info", args[1:], os.Stdout, os.Stderr)
	case "events":
		code = runEvents(args[1:], os.Stdout, os.Stderr)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
	if code != 0 {
		os.Exit(code)
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("FUNDVAULT_RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func doRPCRequest(payload []byte, requireAuth bool) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if requireAuth {
		if rpcAuthToken == "" {
			return nil, fmt.Errorf("privileged RPC call requires FUNDVAULT_RPC_TOKEN to be set")
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(rpcAuthToken))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	return resp, nil
}

func loadOwnerKey(path string) (*crypto.PrivateKey, error) {
	pass, err := passphrase.NewSource(ownerPassEnv).Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("unable to decrypt keystore %s: %w", path, err)
	}
	return key, nil
}

func printUsage() {
	fmt.Println("Usage: fundvault-cli [--rpc <url>] <command> [flags]")
	fmt.Println()
	fmt.Println("Write commands call privileged RPC methods and require FUNDVAULT_RPC_TOKEN.")
	fmt.Println("Keystore commands read the passphrase from FUNDVAULT_OWNER_PASS or prompt.")
	fmt.Println("Commands:")
	fmt.Println("  generate-key [--out <path>]          - Generate an owner keystore")
	fmt.Println("  owner-address --keystore <path>      - Print the address inside a keystore")
	fmt.Println("  contribute --from <addr> --amount <n>   - Contribute tokens to the vault")
	fmt.Println("  withdraw --caller <addr> --amount <n>   - Withdraw part of the held balance (owner)")
	fmt.Println("  withdraw-all --caller <addr>            - Withdraw everything and reset the roster (owner)")
	fmt.Println("  update-oracle --caller <addr> --kind <k> --endpoint <e> [...] - Rotate the price feed (owner)")
	fmt.Println("  balance <address>                    - Account balance and nonce")
	fmt.Println("  funded <address>                     - Cumulative amount a funder sent")
	fmt.Println("  funder --index <i>                   - Funder address at a roster position")
	fmt.Println("  funders                              - Full funder roster")
	fmt.Println("  funder-count                         - Roster length (one entry per contribution)")
	fmt.Println("  owner | minimum | held | vault-address | oracle | info")
	fmt.Println("  events [--since <seq>] [--limit <n>] - Ledger event history")
}
