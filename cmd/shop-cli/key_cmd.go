package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"shopledger/cmd/internal/passphrase"
	"shopledger/crypto"
)

// keystorePassEnv is the default environment variable consulted for keystore
// passphrases; --passphrase-env points commands at a different one.
const keystorePassEnv = "SHOP_KEYSTORE_PASS"

func runKeyCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, keyUsage())
		return 1
	}

	switch args[0] {
	case "generate":
		return runKeyGenerate(args[1:], stdout, stderr)
	case "inspect":
		return runKeyInspect(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown key subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, keyUsage())
		return 1
	}
}

func runKeyGenerate(args []string, stdout, stderr io.Writer) int {
	fs := newShopFlagSet("key generate", stderr)
	var (
		out     string
		passEnv string
	)
	fs.StringVar(&out, "out", "wallet.json", "keystore output path")
	fs.StringVar(&passEnv, "passphrase-env", keystorePassEnv, "environment variable holding the keystore passphrase")
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
	if _, err := os.Stat(out); err == nil {
		return printShopError(stderr, fmt.Sprintf("%s already exists; refusing to overwrite", out))
	}

	pass, err := passphrase.NewSource(passEnv).Get()
	if err != nil {
		return printShopError(stderr, err.Error())
	}
	_, addr, err := crypto.GenerateToKeystore(out, pass)
	if err != nil {
		return printShopError(stderr, err.Error())
	}

	fmt.Fprintf(stdout, "Generated new key and saved to %s\n", out)
	fmt.Fprintf(stdout, "Your public address is: %s\n", addr.String())
	fmt.Fprintln(stdout, "Store this file securely. Mutating commands act on behalf of this address.")
	return 0
}

func runKeyInspect(args []string, stdout, stderr io.Writer) int {
	fs := newShopFlagSet("key inspect", stderr)
	var (
		file    string
		passEnv string
	)
	fs.StringVar(&file, "file", "", "keystore path")
	fs.StringVar(&passEnv, "passphrase-env", keystorePassEnv, "environment variable holding the keystore passphrase")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if file == "" {
		return printShopError(stderr, "--file is required")
	}

	pass, err := passphrase.NewSource(passEnv).Get()
	if err != nil {
		return printShopError(stderr, err.Error())
	}
	key, err := crypto.LoadFromKeystore(file, pass)
	if err != nil {
		return printShopError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "Address: %s\n", key.PubKey().Address().String())
	return 0
}

func keyUsage() string {
	return strings.TrimSpace(`Usage:
  shop-cli key <command> [flags]

Commands:
  generate  Create a new encrypted keystore
  inspect   Show the address sealed in a keystore
`)
}
