package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestShopCommandArgValidation(t *testing.T) {
	originalCall := shopRPCCall
	shopRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
		t.Fatalf("unexpected RPC call for method %s", method)
		return nil, nil, nil
	}
	defer func() { shopRPCCall = originalCall }()

	cases := []struct {
		name     string
		args     []string
		wantFile string
		wantExit int
	}{
		{
			name:     "usage",
			args:     nil,
			wantFile: "shop_usage.golden",
			wantExit: 1,
		},
		{
			name:     "unknown_command",
			args:     []string{"unknown"},
			wantFile: "shop_unknown.golden",
			wantExit: 1,
		},
		{
			name: "buy_missing_buyer",
			args: []string{
				"buy",
				"--payment", "110",
			},
			wantFile: "shop_buy_missing_buyer.golden",
			wantExit: 1,
		},
		{
			name: "buy_invalid_payment",
			args: []string{
				"buy",
				"--buyer", "shop1example",
				"--payment", "1.23e-1",
			},
			wantFile: "shop_buy_invalid_payment.golden",
			wantExit: 1,
		},
		{
			name: "confirm_invalid_id",
			args: []string{
				"confirm",
				"--id", "0x1234",
				"--caller", "shop1example",
			},
			wantFile: "shop_confirm_invalid_id.golden",
			wantExit: 1,
		},
		{
			name:     "withdraw_missing_caller",
			args:     []string{"withdraw"},
			wantFile: "shop_withdraw_missing_caller.golden",
			wantExit: 1,
		},
		{
			name:     "transfer_usage",
			args:     []string{"transfer"},
			wantFile: "shop_transfer_usage.golden",
			wantExit: 1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stdout := &bytes.Buffer{}
			stderr := &bytes.Buffer{}
			exitCode := runShopCommand(tc.args, stdout, stderr)
			if exitCode != tc.wantExit {
				t.Fatalf("unexpected exit code: got %d, want %d", exitCode, tc.wantExit)
			}
			if stdout.Len() != 0 {
				t.Fatalf("expected empty stdout, got %q", stdout.String())
			}
			got := stderr.String()
			want := readGolden(t, tc.wantFile)
			if got != want {
				t.Fatalf("stderr mismatch:\n--- got ---\n%q\n--- want ---\n%q", got, want)
			}
		})
	}
}

func TestShopRPCErrorsAndSuccess(t *testing.T) {
	// Test RPC error response.
	t.Run("rpc_error", func(t *testing.T) {
		originalCall := shopRPCCall
		shopRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
			if method != "shop_confirm" {
				t.Fatalf("unexpected method: %s", method)
			}
			return nil, &rpcError{Code: -32022, Message: "not_found"}, nil
		}
		defer func() { shopRPCCall = originalCall }()

		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}
		args := []string{"confirm", "--id", "0x" + strings.Repeat("0", 64), "--caller", "shop1example"}
		exitCode := runShopCommand(args, stdout, stderr)
		if exitCode != 1 {
			t.Fatalf("unexpected exit code: got %d, want 1", exitCode)
		}
		if stdout.Len() != 0 {
			t.Fatalf("expected empty stdout, got %q", stdout.String())
		}
		want := "RPC error -32022: not_found\n"
		if stderr.String() != want {
			t.Fatalf("unexpected stderr: got %q, want %q", stderr.String(), want)
		}
	})

	// Test RPC success response for the buy path.
	t.Run("rpc_success", func(t *testing.T) {
		originalCall := shopRPCCall
		shopRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
			if method != "shop_buy" {
				t.Fatalf("unexpected method: %s", method)
			}
			if !requireAuth {
				t.Fatalf("buy must be an authenticated call")
			}
			expected := map[string]interface{}{
				"buyer":   "shop1example",
				"payment": "100000000000000000000",
			}
			if diff := diffParams(params, expected); diff != "" {
				t.Fatalf("unexpected params diff: %s", diff)
			}
			return json.RawMessage(`{"id":"0xabc"}`), nil, nil
		}
		defer func() { shopRPCCall = originalCall }()

		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}
		args := []string{
			"buy",
			"--buyer", "shop1example",
			"--payment", "100e18",
		}
		exitCode := runShopCommand(args, stdout, stderr)
		if exitCode != 0 {
			t.Fatalf("unexpected exit code: got %d, want 0", exitCode)
		}
		if stderr.Len() != 0 {
			t.Fatalf("expected empty stderr, got %q", stderr.String())
		}
		want := "{\"id\":\"0xabc\"}\n"
		if stdout.String() != want {
			t.Fatalf("unexpected stdout: got %q, want %q", stdout.String(), want)
		}
	})

	// Test the two-step handover initiation params.
	t.Run("transfer_initiate", func(t *testing.T) {
		originalCall := shopRPCCall
		shopRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
			if method != "shop_transferOwnership" {
				t.Fatalf("unexpected method: %s", method)
			}
			expected := map[string]interface{}{
				"caller":   "shop1owner",
				"newOwner": "shop1nominee",
			}
			if diff := diffParams(params, expected); diff != "" {
				t.Fatalf("unexpected params diff: %s", diff)
			}
			return json.RawMessage(`"ok"`), nil, nil
		}
		defer func() { shopRPCCall = originalCall }()

		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}
		args := []string{
			"transfer", "initiate",
			"--caller", "shop1owner",
			"--new-owner", "shop1nominee",
		}
		exitCode := runShopCommand(args, stdout, stderr)
		if exitCode != 0 {
			t.Fatalf("unexpected exit code: got %d, want 0", exitCode)
		}
		if stderr.Len() != 0 {
			t.Fatalf("expected empty stderr, got %q", stderr.String())
		}
		want := "\"ok\"\n"
		if stdout.String() != want {
			t.Fatalf("unexpected stdout: got %q, want %q", stdout.String(), want)
		}
	})
}

func TestNormalizePaymentAmount(t *testing.T) {
	cases := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "100", want: "100"},
		{input: "00100", want: "100"},
		{input: "100e18", want: "100000000000000000000"},
		{input: "0.5e18", want: "500000000000000000"},
		{input: "1.0", want: "1"},
		{input: "1.23e-1", wantErr: true},
		{input: "-10", wantErr: true},
		{input: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := normalizePaymentAmount(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for input %q", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("unexpected result: got %q, want %q", got, tc.want)
			}
		})
	}
}

func readGolden(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("testdata", name)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read golden file %s: %v", name, err)
	}
	return string(data)
}

func diffParams(actual interface{}, expected map[string]interface{}) string {
	actualMap, ok := actual.(map[string]interface{})
	if !ok {
		return "actual params are not an object"
	}
	for key, want := range expected {
		got, exists := actualMap[key]
		if !exists {
			return "missing key " + key
		}
		switch wantTyped := want.(type) {
		case string:
			gotStr, ok := got.(string)
			if !ok || gotStr != wantTyped {
				return "value mismatch for " + key
			}
		case uint64:
			switch g := got.(type) {
			case uint64:
				if g != wantTyped {
					return "value mismatch for " + key
				}
			case float64:
				if uint64(g) != wantTyped {
					return "value mismatch for " + key
				}
			default:
				return "value mismatch for " + key
			}
		case int64:
			switch g := got.(type) {
			case int64:
				if g != wantTyped {
					return "value mismatch for " + key
				}
			case float64:
				if int64(g) != wantTyped {
					return "value mismatch for " + key
				}
			default:
				return "value mismatch for " + key
			}
		default:
			return "unsupported expectation type for " + key
		}
	}
	return ""
}
