package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// shopRPCCall is swapped out by tests to intercept outbound requests.
var shopRPCCall = callShopRPC

func runShopCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, shopUsage())
		return 1
	}

	switch args[0] {
	case "buy":
		return runShopBuy(args[1:], stdout, stderr)
	case "confirm":
		return runShopOrderAction("shop_confirm", args[1:], stdout, stderr)
	case "refund":
		return runShopOrderAction("shop_refund", args[1:], stdout, stderr)
	case "withdraw":
		return runShopCallerAction("shop_withdraw", "owner address", args[1:], stdout, stderr)
	case "open":
		return runShopCallerAction("shop_open", "owner address", args[1:], stdout, stderr)
	case "close":
		return runShopCallerAction("shop_close", "owner address", args[1:], stdout, stderr)
	case "transfer":
		return runShopTransfer(args[1:], stdout, stderr)
	case "status":
		return runShopStatus(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown shop command: %s\n", args[0])
		fmt.Fprintln(stderr, shopUsage())
		return 1
	}
}

func runShopBuy(args []string, stdout, stderr io.Writer) int {
	fs := newShopFlagSet("buy", stderr)
	var (
		buyer      string
		paymentStr string
	)
	fs.StringVar(&buyer, "buyer", "", "buyer bech32 address")
	fs.StringVar(&paymentStr, "payment", "", "payment amount (supports 100e18 shorthand)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if buyer == "" {
		return printShopError(stderr, "--buyer is required")
	}
	if paymentStr == "" {
		return printShopError(stderr, "--payment is required")
	}
	normalizedPayment, err := normalizePaymentAmount(paymentStr)
	if err != nil {
		return printShopError(stderr, err.Error())
	}

	params := map[string]interface{}{
		"buyer":   buyer,
		"payment": normalizedPayment,
	}
	result, rpcErr, err := shopRPCCall("shop_buy", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runShopOrderAction(method string, args []string, stdout, stderr io.Writer) int {
	fs := newShopFlagSet(strings.TrimPrefix(method, "shop_"), stderr)
	var (
		id     string
		caller string
	)
	fs.StringVar(&id, "id", "", "order identifier")
	fs.StringVar(&caller, "caller", "", "buyer address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if err := validateOrderID(id); err != nil {
		return printShopError(stderr, err.Error())
	}
	if caller == "" {
		return printShopError(stderr, "--caller is required")
	}
	params := map[string]interface{}{"caller": caller, "id": id}
	result, rpcErr, err := shopRPCCall(method, params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runShopCallerAction(method, callerHelp string, args []string, stdout, stderr io.Writer) int {
	fs := newShopFlagSet(strings.TrimPrefix(method, "shop_"), stderr)
	var caller string
	fs.StringVar(&caller, "caller", "", callerHelp)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if caller == "" {
		return printShopError(stderr, "--caller is required")
	}
	params := map[string]interface{}{"caller": caller}
	result, rpcErr, err := shopRPCCall(method, params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runShopTransfer(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, transferUsage())
		return 1
	}

	switch args[0] {
	case "initiate":
		return runShopTransferInitiate(args[1:], stdout, stderr)
	case "accept":
		return runShopCallerAction("shop_acceptOwnership", "pending owner address", args[1:], stdout, stderr)
	case "cancel":
		return runShopCallerAction("shop_cancelOwnership", "current owner address", args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown transfer subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, transferUsage())
		return 1
	}
}

func runShopTransferInitiate(args []string, stdout, stderr io.Writer) int {
	fs := newShopFlagSet("transfer initiate", stderr)
	var (
		caller   string
		newOwner string
	)
	fs.StringVar(&caller, "caller", "", "current owner address")
	fs.StringVar(&newOwner, "new-owner", "", "nominated owner address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if caller == "" {
		return printShopError(stderr, "--caller is required")
	}
	if newOwner == "" {
		return printShopError(stderr, "--new-owner is required")
	}
	params := map[string]interface{}{"caller": caller, "newOwner": newOwner}
	result, rpcErr, err := shopRPCCall("shop_transferOwnership", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runShopStatus(args []string, stdout, stderr io.Writer) int {
	fs := newShopFlagSet("status", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	result, rpcErr, err := shopRPCCall("shop_status", nil, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func newShopFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, shopUsage())
	}
	return fs
}

func printShopError(w io.Writer, msg string) int {
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
		if len(result) == 0 || result[len(result)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
}

func shopUsage() string {
	return strings.TrimSpace(`Usage:
  shop-cli <command> [flags]

Commands:
  buy       Pay the exact unit price plus tax and open an order
  confirm   Confirm an order as its buyer
  refund    Refund an order inside its refund window
  withdraw  Withdraw accrued funds as the owner
  open      Open the shop for purchases
  close     Close the shop to new purchases
  transfer  Manage the two-step ownership handover
  status    Show shop configuration and pool totals
`)
}

func transferUsage() string {
	return strings.TrimSpace(`Usage:
  shop-cli transfer <command> [flags]

Commands:
  initiate  Nominate a new owner
  accept    Accept a pending handover as the nominee
  cancel    Cancel a pending handover
`)
}

func normalizePaymentAmount(value string) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("--payment is required")
	}
	var exponent int
	base := trimmed
	if idx := strings.IndexAny(trimmed, "eE"); idx != -1 {
		base = trimmed[:idx]
		expPart := strings.TrimSpace(trimmed[idx+1:])
		if expPart == "" {
			return "", fmt.Errorf("invalid scientific notation in --payment")
		}
		expValue, err := strconv.ParseInt(expPart, 10, 32)
		if err != nil {
			return "", fmt.Errorf("invalid scientific notation in --payment")
		}
		exponent = int(expValue)
	}
	base = strings.TrimSpace(strings.TrimPrefix(base, "+"))
	if strings.HasPrefix(base, "-") {
		return "", fmt.Errorf("--payment must be positive")
	}
	parts := strings.Split(base, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("invalid payment format")
	}
	integerPart := parts[0]
	fractionalPart := ""
	if len(parts) == 2 {
		fractionalPart = parts[1]
	}
	digits := integerPart + fractionalPart
	if digits == "" {
		return "", fmt.Errorf("invalid payment format")
	}
	if !isDigits(digits) {
		return "", fmt.Errorf("invalid payment format")
	}
	digits = strings.TrimLeft(digits, "0")
	fracLen := len(fractionalPart)
	if fracLen > 0 {
		for fracLen > 0 && len(digits) > 0 && digits[len(digits)-1] == '0' {
			digits = digits[:len(digits)-1]
			fracLen--
		}
	}
	totalExponent := exponent - fracLen
	if totalExponent < 0 {
		return "", fmt.Errorf("--payment must be an integer")
	}
	if digits == "" {
		return "", fmt.Errorf("--payment must be positive")
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

func isHex(value string) bool {
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func callShopRPC(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
	payload := map[string]interface{}{
		"id":     1,
		"method": method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	} else {
		payload["params"] = []interface{}{}
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

func validateOrderID(value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("--id is required")
	}
	cleaned := trimmed
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		cleaned = trimmed[2:]
	} else {
		return fmt.Errorf("--id must be a 0x-prefixed 32-byte hex string")
	}
	if len(cleaned) != 64 {
		return fmt.Errorf("--id must be a 0x-prefixed 32-byte hex string")
	}
	if !isHex(cleaned) {
		return fmt.Errorf("--id must contain only hexadecimal characters")
	}
	return nil
}
