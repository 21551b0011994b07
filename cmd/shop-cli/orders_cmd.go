package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"shopledger/audit"
)

func runOrdersCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, ordersUsage())
		return 1
	}

	switch args[0] {
	case "get":
		return runOrdersGet(args[1:], stdout, stderr)
	case "list":
		return runOrdersList(args[1:], stdout, stderr)
	case "export":
		return runOrdersExport(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown orders subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, ordersUsage())
		return 1
	}
}

func runOrdersGet(args []string, stdout, stderr io.Writer) int {
	fs := newShopFlagSet("orders get", stderr)
	var id string
	fs.StringVar(&id, "id", "", "order identifier")
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
	params := map[string]interface{}{"id": id}
	result, rpcErr, err := shopRPCCall("shop_getOrder", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runOrdersList(args []string, stdout, stderr io.Writer) int {
	fs := newShopFlagSet("orders list", stderr)
	var buyer string
	fs.StringVar(&buyer, "buyer", "", "optional buyer address filter")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	result, rpcErr, err := shopRPCCall("shop_listOrders", listOrdersParams(buyer), false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runOrdersExport(args []string, stdout, stderr io.Writer) int {
	fs := newShopFlagSet("orders export", stderr)
	var (
		buyer  string
		out    string
		format string
	)
	fs.StringVar(&buyer, "buyer", "", "optional buyer address filter")
	fs.StringVar(&out, "out", "", "output file path")
	fs.StringVar(&format, "format", "", "export format, csv or parquet (default: inferred from --out)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if strings.TrimSpace(out) == "" {
		return printShopError(stderr, "--out is required")
	}
	exportFormat, err := resolveExportFormat(format, out)
	if err != nil {
		return printShopError(stderr, err.Error())
	}

	result, rpcErr, err := shopRPCCall("shop_listOrders", listOrdersParams(buyer), false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	var records []audit.OrderRecord
	if err := json.Unmarshal(result, &records); err != nil {
		fmt.Fprintf(stderr, "decode orders: %v\n", err)
		return 1
	}

	switch exportFormat {
	case "csv":
		file, err := os.Create(out)
		if err != nil {
			fmt.Fprintf(stderr, "create %s: %v\n", out, err)
			return 1
		}
		if err := audit.WriteCSV(file, records); err != nil {
			file.Close()
			fmt.Fprintf(stderr, "write csv: %v\n", err)
			return 1
		}
		if err := file.Close(); err != nil {
			fmt.Fprintf(stderr, "close %s: %v\n", out, err)
			return 1
		}
	case "parquet":
		if err := audit.WriteParquet(out, records); err != nil {
			fmt.Fprintf(stderr, "write parquet: %v\n", err)
			return 1
		}
	}
	fmt.Fprintf(stdout, "exported %d orders to %s\n", len(records), out)
	return 0
}

// listOrdersParams keeps the request parameterless when no filter is set so
// the node sees the same shape a bare shop_listOrders call would send.
func listOrdersParams(buyer string) interface{} {
	if strings.TrimSpace(buyer) == "" {
		return nil
	}
	return map[string]interface{}{"buyer": buyer}
}

func resolveExportFormat(format, out string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(format))
	if normalized != "" {
		if normalized != "csv" && normalized != "parquet" {
			return "", fmt.Errorf("--format must be csv or parquet")
		}
		return normalized, nil
	}
	switch strings.ToLower(filepath.Ext(out)) {
	case ".csv":
		return "csv", nil
	case ".parquet":
		return "parquet", nil
	}
	return "", fmt.Errorf("cannot infer export format from %q; pass --format csv or parquet", out)
}

func ordersUsage() string {
	return strings.TrimSpace(`Usage:
  shop-cli orders <command> [flags]

Commands:
  get     Fetch one order by id
  list    List orders, optionally filtered by buyer
  export  Export orders to a CSV or Parquet file
`)
}
