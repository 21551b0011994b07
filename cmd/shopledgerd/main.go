package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"shopledger/cmd/internal/passphrase"
	"shopledger/config"
	"shopledger/core"
	"shopledger/core/genesis"
	"shopledger/crypto"
	"shopledger/observability/logging"
	telemetry "shopledger/observability/otel"
	"shopledger/rpc"
	"shopledger/storage"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	serviceName = "shopledgerd"

	ownerPassEnv        = "SHOP_OWNER_PASS"
	ownerKeyEnv         = "SHOP_OWNER_KEY"
	genesisPathEnv      = "SHOP_GENESIS"
	allowAutogenesisEnv = "SHOP_ALLOW_AUTOGENESIS"

	autogenSpecName = "genesis.autogen.json"

	shutdownTimeout = 10 * time.Second
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis spec JSON file (overrides SHOP_GENESIS and config GenesisFile)")
	allowAutogenesisFlag := flag.Bool("allow-autogenesis", false, "DEV ONLY: allow automatic genesis creation when no spec is provided")
	memFlag := flag.Bool("memdb", false, "DEV ONLY: keep ledger state in memory instead of the data directory")
	flag.Parse()

	allowAutogenesisCLISet := flagWasProvided("allow-autogenesis")

	env := strings.TrimSpace(os.Getenv("SHOP_ENV"))

	passSource := passphrase.NewSource(ownerPassEnv)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.SetupWith(serviceName, env, logging.Options{
		Level: cfg.LogLevel,
		File:  cfg.LogFile,
	})

	allowAutogenesis, err := resolveAllowAutogenesis(cfg.AllowAutogenesis, allowAutogenesisCLISet, *allowAutogenesisFlag, os.LookupEnv)
	if err != nil {
		logger.Error("Failed to resolve autogenesis setting", slog.Any("error", err))
		os.Exit(1)
	}

	genesisPath, err := resolveGenesisPath(*genesisFlag, cfg.GenesisFile, allowAutogenesis, os.LookupEnv)
	if err != nil {
		logger.Error("Failed to resolve genesis path", slog.Any("error", err))
		os.Exit(1)
	}

	var db storage.Database
	if *memFlag {
		db = storage.NewMemDB()
	} else {
		ldb, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			panic(fmt.Sprintf("Failed to open database: %v", err))
		}
		db = ldb
	}
	defer db.Close()

	var spec *genesis.GenesisSpec
	if trimmed := strings.TrimSpace(genesisPath); trimmed != "" {
		spec, err = genesis.LoadGenesisSpec(trimmed)
		if err != nil {
			panic(fmt.Sprintf("Failed to load genesis spec: %v", err))
		}
	} else {
		spec, err = autogenesisSpec(cfg, passSource.Get)
		if err != nil {
			panic(fmt.Sprintf("Failed to build autogenesis spec: %v", err))
		}
	}

	node, err := core.NewNode(db, spec)
	if err != nil {
		panic(fmt.Sprintf("Failed to create node: %v", err))
	}

	telemetryCfg := telemetry.FromEnv(serviceName, env)
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		telemetryCfg.Endpoint = endpoint
		telemetryCfg.Metrics = true
		telemetryCfg.Traces = true
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryCfg)
	if err != nil {
		logger.Error("Failed to initialise telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	if strings.TrimSpace(os.Getenv(rpc.TokenEnv)) == "" {
		logger.Warn("mutating RPC methods disabled", slog.String("reason", rpc.TokenEnv+" not set"))
	}

	rpcServer := rpc.NewServer(node, rpc.ServerConfig{RateLimitPerMin: cfg.RPCRateLimitPerMin})

	// Read and write timeouts stay unset: /ws/events holds connections open
	// for as long as a subscriber listens.
	rpcSrv := &http.Server{
		Handler:           rpcServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	rpcListener, err := net.Listen("tcp", cfg.RPCAddress)
	if err != nil {
		logger.Error("Failed to bind RPC listener", slog.String("addr", cfg.RPCAddress), slog.Any("error", err))
		os.Exit(1)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsSrv := &http.Server{
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsListener, err := net.Listen("tcp", cfg.MetricsAddress)
	if err != nil {
		logger.Error("Failed to bind metrics listener", slog.String("addr", cfg.MetricsAddress), slog.Any("error", err))
		os.Exit(1)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := rpcSrv.Serve(rpcListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("rpc server: %w", err)
		}
	}()
	go func() {
		if err := metricsSrv.Serve(metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	logger.Info("shop ledger node initialised and running",
		slog.String("rpc", rpcListener.Addr().String()),
		slog.String("metrics", metricsListener.Addr().String()),
		slog.String("owner", spec.Owner),
		slog.Bool("genesis_applied", node.GenesisApplied()),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("server terminated", slog.Any("error", err))
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rpcSrv.Shutdown(ctx); err != nil {
		logger.Warn("RPC server shutdown failed", slog.Any("error", err))
	}
	if err := metricsSrv.Shutdown(ctx); err != nil {
		logger.Warn("metrics server shutdown failed", slog.Any("error", err))
	}
}

type envLookupFunc func(string) (string, bool)

// resolveGenesisPath picks the genesis spec source in CLI > environment >
// config order. An empty result is only legal when autogenesis is allowed.
func resolveGenesisPath(cliPath string, cfgPath string, allowAutogenesis bool, lookup envLookupFunc) (string, error) {
	trimmedCLI := strings.TrimSpace(cliPath)
	if trimmedCLI != "" {
		return trimmedCLI, nil
	}

	if lookup != nil {
		if value, ok := lookup(genesisPathEnv); ok {
			trimmedEnv := strings.TrimSpace(value)
			if trimmedEnv != "" {
				return trimmedEnv, nil
			}
		}
	}

	trimmedCfg := strings.TrimSpace(cfgPath)
	if trimmedCfg != "" {
		return trimmedCfg, nil
	}

	if allowAutogenesis {
		return "", nil
	}

	return "", fmt.Errorf("no genesis spec provided; supply one via --genesis, %s, or config, or explicitly enable autogenesis (--allow-autogenesis / %s / config)", genesisPathEnv, allowAutogenesisEnv)
}

func resolveAllowAutogenesis(cfgValue bool, cliSet bool, cliValue bool, lookup envLookupFunc) (bool, error) {
	allow := cfgValue

	if lookup != nil {
		if value, ok := lookup(allowAutogenesisEnv); ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				parsed, err := strconv.ParseBool(trimmed)
				if err != nil {
					return false, fmt.Errorf("invalid %s value %q: %w", allowAutogenesisEnv, trimmed, err)
				}
				allow = parsed
			}
		}
	}

	if cliSet {
		allow = cliValue
	}

	return allow, nil
}

func flagWasProvided(name string) bool {
	provided := false
	flag.CommandLine.Visit(func(f *flag.Flag) {
		if f.Name == name {
			provided = true
		}
	})
	return provided
}

// autogenesisSpec returns the dev genesis spec for this data directory,
// reusing a previously generated one so restarts pin the same owner and
// economics. A fresh spec seats the keystore owner over default dev pricing
// and is written to the data directory for inspection.
func autogenesisSpec(cfg *config.Config, resolvePass func() (string, error)) (*genesis.GenesisSpec, error) {
	path := filepath.Join(cfg.DataDir, autogenSpecName)
	if _, err := os.Stat(path); err == nil {
		return genesis.LoadGenesisSpec(path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key, err := loadOwnerKey(cfg, resolvePass)
	if err != nil {
		return nil, err
	}
	owner := key.PubKey().Address().String()

	spec := &genesis.GenesisSpec{
		Owner: owner,
		Pricing: genesis.PricingSpec{
			UnitPrice:           "100",
			TaxNumerator:        1,
			TaxDenominator:      10,
			RefundNumerator:     1,
			RefundDenominator:   2,
			RefundWindowSeconds: 86_400,
		},
		Alloc: map[string]string{owner: "1000000000"},
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare data directory: %w", err)
	}
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("persist autogenesis spec: %w", err)
	}
	return spec, nil
}

// loadOwnerKey resolves the shop owner's key for autogenesis: raw material
// from SHOP_OWNER_KEY when set, otherwise the configured keystore.
func loadOwnerKey(cfg *config.Config, resolvePass func() (string, error)) (*crypto.PrivateKey, error) {
	if material := strings.TrimSpace(os.Getenv(ownerKeyEnv)); material != "" {
		return parsePrivateKeyMaterial(material)
	}

	if strings.TrimSpace(cfg.OwnerKeystorePath) == "" {
		return nil, fmt.Errorf("owner keystore path not configured")
	}

	// Keystores generated by the config bootstrap are sealed with an empty
	// passphrase; try that before involving the operator.
	if key, err := crypto.LoadFromKeystore(cfg.OwnerKeystorePath, ""); err == nil {
		return key, nil
	}

	if resolvePass == nil {
		return nil, fmt.Errorf("owner keystore passphrase required; set %s or run interactively", ownerPassEnv)
	}
	pass, err := resolvePass()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain owner keystore passphrase: %w", err)
	}
	key, err := crypto.LoadFromKeystore(cfg.OwnerKeystorePath, pass)
	if err != nil {
		return nil, fmt.Errorf("unable to decrypt keystore %s: %w", cfg.OwnerKeystorePath, err)
	}
	return key, nil
}

func parsePrivateKeyMaterial(material string) (*crypto.PrivateKey, error) {
	trimmed := strings.TrimSpace(material)
	trimmed = strings.TrimPrefix(trimmed, "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("empty private key material")
	}
	bytes, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hex private key: %w", err)
	}
	return crypto.PrivateKeyFromBytes(bytes)
}
