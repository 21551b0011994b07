package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte{0xAB}, 20)
	addr, err := NewAddress(ShopPrefix, raw)
	if err != nil {
		t.Fatalf("new address: %v", err)
	}
	encoded := addr.String()
	if !strings.HasPrefix(encoded, "shop1") {
		t.Fatalf("expected shop1 prefix, got %s", encoded)
	}
	decoded, err := DecodeShopAddress(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != addr.Array() {
		t.Fatalf("round trip mismatch: %x != %x", decoded, addr.Array())
	}
}

func TestNewAddressRejectsWrongLength(t *testing.T) {
	if _, err := NewAddress(ShopPrefix, []byte{0x01, 0x02}); err == nil {
		t.Fatal("expected error for short address")
	}
}

func TestDecodeShopAddressRejectsForeignPrefix(t *testing.T) {
	raw := bytes.Repeat([]byte{0x11}, 20)
	foreign := MustNewAddress(AddressPrefix("other"), raw)
	if _, err := DecodeShopAddress(foreign.String()); err == nil {
		t.Fatal("expected prefix rejection")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/wallet.json"

	key, addr, err := GenerateToKeystore(path, "passphrase")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	loaded, err := LoadFromKeystore(path, "passphrase")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(loaded.Bytes(), key.Bytes()) {
		t.Fatal("loaded key differs from generated key")
	}
	if loaded.PubKey().Address().String() != addr.String() {
		t.Fatal("loaded key derives a different address")
	}

	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatal("expected decryption failure with wrong passphrase")
	}
}
