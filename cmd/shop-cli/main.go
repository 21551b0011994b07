package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
)

var rpcEndpoint = defaultRPCEndpoint() // Defaults to localhost, can be overridden via SHOP_RPC_URL or --rpc flag
var rpcAuthToken = os.Getenv("SHOP_RPC_TOKEN")

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

	command := args[0]
	switch command {
	case "key":
		code := runKeyCommand(args[1:], os.Stdout, os.Stderr)
		if code != 0 {
			os.Exit(code)
		}
		return
	case "balance":
		if len(args) < 2 {
			fmt.Println("Error: Please provide an address.")
			printUsage()
			return
		}
		getBalance(args[1])
	case "orders":
		code := runOrdersCommand(args[1:], os.Stdout, os.Stderr)
		if code != 0 {
			os.Exit(code)
		}
		return
	case "buy", "confirm", "refund", "withdraw", "open", "close", "transfer", "status":
		code := runShopCommand(args, os.Stdout, os.Stderr)
		if code != 0 {
			os.Exit(code)
		}
		return
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("SHOP_RPC_URL")); v != "" {
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

func getBalance(addr string) {
	params := map[string]interface{}{"address": addr}
	result, rpcErr, err := shopRPCCall("shop_balance", params, false)
	if err != nil {
		fmt.Printf("Error fetching balance: %v\n", err)
		return
	}
	if rpcErr != nil {
		fmt.Printf("Error from node: %s\n", rpcErr.Message)
		return
	}

	var out struct {
		Address string `json:"address"`
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		fmt.Println("Error: failed to decode response from node")
		return
	}
	fmt.Printf("Balance for: %s\n", out.Address)
	fmt.Printf("  Funds: %s\n", out.Balance)
}

func doRPCRequest(payload []byte, requireAuth bool) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if requireAuth {
		if rpcAuthToken == "" {
			return nil, fmt.Errorf("privileged RPC call requires SHOP_RPC_TOKEN to be set")
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(rpcAuthToken))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	return resp, nil
}

func printUsage() {
	fmt.Println("Usage: shop-cli <command> [arguments]")
	fmt.Println()
	fmt.Println("The node address comes from --rpc or SHOP_RPC_URL; mutating commands additionally")
	fmt.Println("need SHOP_RPC_TOKEN to match the node's bearer token.")
	fmt.Println("Commands:")
	fmt.Println("  key                               - Keystore generation and inspection subcommands")
	fmt.Println("  balance <address>                 - Shows the ledger balance of an address")
	fmt.Println("  buy                               - Pay the exact unit price plus tax and open an order")
	fmt.Println("  confirm                           - Confirm an order as its buyer")
	fmt.Println("  refund                            - Refund an order inside its refund window")
	fmt.Println("  withdraw                          - Withdraw accrued funds as the owner")
	fmt.Println("  open                              - Open the shop for purchases")
	fmt.Println("  close                             - Close the shop to new purchases")
	fmt.Println("  transfer                          - Two-step ownership handover subcommands")
	fmt.Println("  status                            - Shows shop configuration and pool totals")
	fmt.Println("  orders                            - Order queries and export subcommands")
}
