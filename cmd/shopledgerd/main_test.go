package main

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"shopledger/config"
	"shopledger/crypto"
)

func TestResolveGenesisPathPrecedence(t *testing.T) {
	lookup := func(key string) (string, bool) {
		if key != genesisPathEnv {
			t.Fatalf("unexpected lookup key: %s", key)
		}
		return "env-path", true
	}

	t.Run("cli flag takes precedence", func(t *testing.T) {
		path, err := resolveGenesisPath("cli-path", "cfg-path", true, lookup)
		if err != nil {
			t.Fatalf("resolveGenesisPath returned error: %v", err)
		}
		if path != "cli-path" {
			t.Fatalf("unexpected path: got %q want %q", path, "cli-path")
		}
	})

	t.Run("environment overrides config", func(t *testing.T) {
		path, err := resolveGenesisPath("", "cfg-path", true, lookup)
		if err != nil {
			t.Fatalf("resolveGenesisPath returned error: %v", err)
		}
		if path != "env-path" {
			t.Fatalf("unexpected path: got %q want %q", path, "env-path")
		}
	})

	t.Run("config used when no other sources", func(t *testing.T) {
		emptyLookup := func(string) (string, bool) { return "", false }
		path, err := resolveGenesisPath("", "cfg-path", true, emptyLookup)
		if err != nil {
			t.Fatalf("resolveGenesisPath returned error: %v", err)
		}
		if path != "cfg-path" {
			t.Fatalf("unexpected path: got %q want %q", path, "cfg-path")
		}
	})
}

func TestResolveGenesisPathErrorWhenRequired(t *testing.T) {
	emptyLookup := func(string) (string, bool) { return "", false }
	if _, err := resolveGenesisPath("", "", false, emptyLookup); err == nil {
		t.Fatalf("expected error when no genesis sources available and autogenesis disabled")
	}
}

func TestResolveAllowAutogenesis(t *testing.T) {
	t.Run("environment overrides config", func(t *testing.T) {
		lookup := func(string) (string, bool) { return "true", true }
		allow, err := resolveAllowAutogenesis(false, false, false, lookup)
		if err != nil {
			t.Fatalf("resolveAllowAutogenesis returned error: %v", err)
		}
		if !allow {
			t.Fatalf("environment value not applied")
		}
	})

	t.Run("cli flag overrides environment", func(t *testing.T) {
		lookup := func(string) (string, bool) { return "true", true }
		allow, err := resolveAllowAutogenesis(true, true, false, lookup)
		if err != nil {
			t.Fatalf("resolveAllowAutogenesis returned error: %v", err)
		}
		if allow {
			t.Fatalf("cli flag should win over env and config")
		}
	})

	t.Run("invalid environment value rejected", func(t *testing.T) {
		lookup := func(string) (string, bool) { return "nope", true }
		if _, err := resolveAllowAutogenesis(false, false, false, lookup); err == nil {
			t.Fatalf("expected error for unparseable env value")
		}
	})
}

func TestAutogenesisSpecPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	keystorePath := filepath.Join(dir, "owner.keystore")
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		t.Fatalf("save keystore: %v", err)
	}

	cfg := &config.Config{
		DataDir:           filepath.Join(dir, "data"),
		OwnerKeystorePath: keystorePath,
	}

	spec, err := autogenesisSpec(cfg, nil)
	if err != nil {
		t.Fatalf("autogenesisSpec: %v", err)
	}
	wantOwner := key.PubKey().Address().String()
	if spec.Owner != wantOwner {
		t.Fatalf("owner mismatch: got %s want %s", spec.Owner, wantOwner)
	}
	if _, err := os.Stat(filepath.Join(cfg.DataDir, autogenSpecName)); err != nil {
		t.Fatalf("autogenesis spec not persisted: %v", err)
	}

	// A second boot must reuse the persisted spec rather than regenerate.
	again, err := autogenesisSpec(cfg, nil)
	if err != nil {
		t.Fatalf("reload autogenesis spec: %v", err)
	}
	if again.Owner != spec.Owner {
		t.Fatalf("owner changed across boots: %s vs %s", again.Owner, spec.Owner)
	}
	if again.EconomicsValue().Fingerprint() != spec.EconomicsValue().Fingerprint() {
		t.Fatalf("economics changed across boots")
	}
}

func TestLoadOwnerKeyPrefersEnvMaterial(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	t.Setenv(ownerKeyEnv, "0x"+hex.EncodeToString(key.Bytes()))

	loaded, err := loadOwnerKey(&config.Config{}, nil)
	if err != nil {
		t.Fatalf("loadOwnerKey: %v", err)
	}
	if loaded.PubKey().Address().String() != key.PubKey().Address().String() {
		t.Fatalf("env key material not honoured")
	}
}
