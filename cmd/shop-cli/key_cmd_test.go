package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestKeyGenerateAndInspect(t *testing.T) {
	t.Setenv(keystorePassEnv, "correct horse battery")
	out := filepath.Join(t.TempDir(), "wallet.json")

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	exitCode := runKeyCommand([]string{"generate", "--out", out}, stdout, stderr)
	if exitCode != 0 {
		t.Fatalf("unexpected exit code: got %d, want 0 (stderr %q)", exitCode, stderr.String())
	}
	if stderr.Len() != 0 {
		t.Fatalf("expected empty stderr, got %q", stderr.String())
	}
	lines := strings.Split(strings.TrimRight(stdout.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("unexpected output line count: got %d, want 3", len(lines))
	}
	const prefix = "Your public address is: "
	if !strings.HasPrefix(lines[1], prefix) {
		t.Fatalf("missing address line, got %q", lines[1])
	}
	addr := strings.TrimPrefix(lines[1], prefix)
	if !strings.HasPrefix(addr, "shop1") {
		t.Fatalf("unexpected address prefix: %q", addr)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("keystore not written: %v", err)
	}

	inspectOut := &bytes.Buffer{}
	exitCode = runKeyCommand([]string{"inspect", "--file", out}, inspectOut, stderr)
	if exitCode != 0 {
		t.Fatalf("unexpected inspect exit code: got %d, want 0 (stderr %q)", exitCode, stderr.String())
	}
	want := "Address: " + addr + "\n"
	if inspectOut.String() != want {
		t.Fatalf("unexpected inspect output: got %q, want %q", inspectOut.String(), want)
	}
}

func TestKeyGenerateRefusesOverwrite(t *testing.T) {
	t.Setenv(keystorePassEnv, "pw")
	out := filepath.Join(t.TempDir(), "wallet.json")
	if err := os.WriteFile(out, []byte("{}"), 0o600); err != nil {
		t.Fatalf("seed keystore: %v", err)
	}

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	exitCode := runKeyCommand([]string{"generate", "--out", out}, stdout, stderr)
	if exitCode != 1 {
		t.Fatalf("unexpected exit code: got %d, want 1", exitCode)
	}
	if stdout.Len() != 0 {
		t.Fatalf("expected empty stdout, got %q", stdout.String())
	}
	want := fmt.Sprintf("Error: %s already exists; refusing to overwrite\n", out)
	if stderr.String() != want {
		t.Fatalf("unexpected stderr: got %q, want %q", stderr.String(), want)
	}
}

func TestKeyCommandArgValidation(t *testing.T) {
	cases := []struct {
		name       string
		args       []string
		wantFile   string
		wantInline string
		wantExit   int
	}{
		{
			name:     "usage",
			args:     nil,
			wantFile: "key_usage.golden",
			wantExit: 1,
		},
		{
			name:     "unknown_subcommand",
			args:     []string{"unknown"},
			wantFile: "key_unknown.golden",
			wantExit: 1,
		},
		{
			name:       "inspect_missing_file",
			args:       []string{"inspect"},
			wantInline: "Error: --file is required\n",
			wantExit:   1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stdout := &bytes.Buffer{}
			stderr := &bytes.Buffer{}
			exitCode := runKeyCommand(tc.args, stdout, stderr)
			if exitCode != tc.wantExit {
				t.Fatalf("unexpected exit code: got %d, want %d", exitCode, tc.wantExit)
			}
			if stdout.Len() != 0 {
				t.Fatalf("expected empty stdout, got %q", stdout.String())
			}
			want := tc.wantInline
			if tc.wantFile != "" {
				want = readGolden(t, tc.wantFile)
			}
			if stderr.String() != want {
				t.Fatalf("stderr mismatch:\n--- got ---\n%q\n--- want ---\n%q", stderr.String(), want)
			}
		})
	}
}
