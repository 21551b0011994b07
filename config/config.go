package config

import (
	"fmt"
	"os"
	"path/filepath"

	"shopledger/crypto"

	"github.com/BurntSushi/toml"
)

type Config struct {
	RPCAddress         string `toml:"RPCAddress"`
	MetricsAddress     string `toml:"MetricsAddress"`
	DataDir            string `toml:"DataDir"`
	GenesisFile        string `toml:"GenesisFile"`
	AllowAutogenesis   bool   `toml:"AllowAutogenesis"`
	OwnerKeystorePath  string `toml:"OwnerKeystorePath"`
	LogLevel           string `toml:"LogLevel"`
	LogFile            string `toml:"LogFile"`
	OTLPEndpoint       string `toml:"OTLPEndpoint"`
	RPCRateLimitPerMin int    `toml:"RPCRateLimitPerMin"`
}

// Load loads the configuration from the given path, creating a default file
// (and an owner keystore next to it) on first run.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0].String())
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.RPCAddress == "" {
		cfg.RPCAddress = ":8080"
	}
	if cfg.MetricsAddress == "" {
		cfg.MetricsAddress = ":2112"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./shop-data"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RPCRateLimitPerMin == 0 {
		cfg.RPCRateLimitPerMin = 600
	}
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.OwnerKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.OwnerKeystorePath != keystorePath {
		cfg.OwnerKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	// The bootstrap config targets local development, so autogenesis is
	// enabled; operator-written configs leave it off unless requested.
	cfg := &Config{
		RPCAddress:         ":8080",
		MetricsAddress:     ":2112",
		DataDir:            "./shop-data",
		GenesisFile:        "",
		AllowAutogenesis:   true,
		LogLevel:           "info",
		RPCRateLimitPerMin: 600,
	}
	cfg.OwnerKeystorePath = keystorePath

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "owner.keystore")
}
