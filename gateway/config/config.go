// Package config loads the shop gateway's YAML configuration. Secret material
// never lives in the file: API-key secrets and the owner JWT key are referenced
// by environment variable name and resolved at startup.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultNodeTokenEnv names the environment variable holding the bearer
	// token for node RPC calls when the config does not override it.
	DefaultNodeTokenEnv = "SHOP_RPC_TOKEN"
)

type NodeConfig struct {
	URL      string        `yaml:"url"`
	TokenEnv string        `yaml:"tokenEnv"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Token resolves the RPC bearer token from the configured environment
// variable. An empty value is allowed when the node runs without auth.
func (n NodeConfig) Token() string {
	env := strings.TrimSpace(n.TokenEnv)
	if env == "" {
		env = DefaultNodeTokenEnv
	}
	return strings.TrimSpace(os.Getenv(env))
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type NonceStoreConfig struct {
	Path string `yaml:"path"`
}

type APIKeyConfig struct {
	Key       string `yaml:"key"`
	SecretEnv string `yaml:"secretEnv"`
}

// Secret resolves the partner's HMAC secret from the environment.
func (k APIKeyConfig) Secret() (string, error) {
	env := strings.TrimSpace(k.SecretEnv)
	if env == "" {
		return "", fmt.Errorf("api key %q: secretEnv not set", k.Key)
	}
	secret := strings.TrimSpace(os.Getenv(env))
	if secret == "" {
		return "", fmt.Errorf("api key %q: environment variable %s is empty", k.Key, env)
	}
	return secret, nil
}

type AuthConfig struct {
	TimestampSkew time.Duration  `yaml:"timestampSkew"`
	NonceTTL      time.Duration  `yaml:"nonceTTL"`
	NonceCapacity int            `yaml:"nonceCapacity"`
	APIKeys       []APIKeyConfig `yaml:"apiKeys"`
}

// ResolveAPIKeys returns the api-key to secret map used by the HMAC verifier,
// resolving each secret from its environment variable.
func (a AuthConfig) ResolveAPIKeys() (map[string]string, error) {
	keys := make(map[string]string, len(a.APIKeys))
	for _, entry := range a.APIKeys {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		secret, err := entry.Secret()
		if err != nil {
			return nil, err
		}
		keys[key] = secret
	}
	return keys, nil
}

type OwnerConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	SecretEnv  string        `yaml:"secretEnv"`
	ScopeClaim string        `yaml:"scopeClaim"`
	ClockSkew  time.Duration `yaml:"clockSkew"`
}

// Secret resolves the owner JWT signing key from the environment.
func (o OwnerConfig) Secret() (string, error) {
	env := strings.TrimSpace(o.SecretEnv)
	if env == "" {
		return "", fmt.Errorf("owner.secretEnv not set")
	}
	secret := strings.TrimSpace(os.Getenv(env))
	if secret == "" {
		return "", fmt.Errorf("owner JWT secret: environment variable %s is empty", env)
	}
	return secret, nil
}

type RateLimitConfig struct {
	RatePerSecond     float64        `yaml:"ratePerSecond"`
	RequestsPerMinute float64        `yaml:"requestsPerMinute"`
	Burst             int            `yaml:"burst"`
	DefaultTokens     int            `yaml:"defaultTokens"`
	Tokens            map[string]int `yaml:"tokens"`
}

type ObservabilityConfig struct {
	ServiceName string `yaml:"serviceName"`
	Enabled     bool   `yaml:"enabled"`
	LogRequests bool   `yaml:"logRequests"`
}

type WebhookConfig struct {
	QueueCapacity int           `yaml:"queueCapacity"`
	HistorySize   int           `yaml:"historySize"`
	QueueTTL      time.Duration `yaml:"queueTTL"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

type Config struct {
	ListenAddress string                     `yaml:"listen"`
	Environment   string                     `yaml:"environment"`
	LogLevel      string                     `yaml:"logLevel"`
	ReadTimeout   time.Duration              `yaml:"readTimeout"`
	WriteTimeout  time.Duration              `yaml:"writeTimeout"`
	IdleTimeout   time.Duration              `yaml:"idleTimeout"`
	Node          NodeConfig                 `yaml:"node"`
	Database      DatabaseConfig             `yaml:"database"`
	NonceStore    NonceStoreConfig           `yaml:"nonceStore"`
	Auth          AuthConfig                 `yaml:"auth"`
	Owner         OwnerConfig                `yaml:"owner"`
	RateLimits    map[string]RateLimitConfig `yaml:"rateLimits"`
	Observability ObservabilityConfig        `yaml:"observability"`
	Webhooks      WebhookConfig              `yaml:"webhooks"`
	CORS          CORSConfig                 `yaml:"cors"`
}

func defaults() Config {
	return Config{
		ListenAddress: ":8081",
		Environment:   "dev",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   120 * time.Second,
		Node: NodeConfig{
			URL:      "http://127.0.0.1:8545",
			TokenEnv: DefaultNodeTokenEnv,
			Timeout:  10 * time.Second,
		},
		Database:   DatabaseConfig{Path: "shop-gateway.db"},
		NonceStore: NonceStoreConfig{Path: "shop-gateway-nonces"},
		Auth: AuthConfig{
			TimestampSkew: 2 * time.Minute,
			NonceTTL:      10 * time.Minute,
			NonceCapacity: 4096,
		},
		Owner: OwnerConfig{
			Enabled:    true,
			ScopeClaim: "scope",
			ClockSkew:  2 * time.Minute,
		},
		Observability: ObservabilityConfig{
			ServiceName: "shop-gateway",
			Enabled:     true,
			LogRequests: true,
		},
		Webhooks: WebhookConfig{
			QueueCapacity: 256,
			HistorySize:   128,
			QueueTTL:      time.Hour,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	base := defaults()
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = base.ListenAddress
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = base.Environment
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = base.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = base.WriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = base.IdleTimeout
	}
	if strings.TrimSpace(cfg.Node.URL) == "" {
		cfg.Node.URL = base.Node.URL
	}
	if strings.TrimSpace(cfg.Node.TokenEnv) == "" {
		cfg.Node.TokenEnv = base.Node.TokenEnv
	}
	if cfg.Node.Timeout <= 0 {
		cfg.Node.Timeout = base.Node.Timeout
	}
	if strings.TrimSpace(cfg.Database.Path) == "" {
		cfg.Database.Path = base.Database.Path
	}
	if strings.TrimSpace(cfg.NonceStore.Path) == "" {
		cfg.NonceStore.Path = base.NonceStore.Path
	}
	if cfg.Auth.TimestampSkew <= 0 {
		cfg.Auth.TimestampSkew = base.Auth.TimestampSkew
	}
	if cfg.Auth.NonceTTL <= 0 {
		cfg.Auth.NonceTTL = base.Auth.NonceTTL
	}
	if cfg.Auth.NonceCapacity <= 0 {
		cfg.Auth.NonceCapacity = base.Auth.NonceCapacity
	}
	if strings.TrimSpace(cfg.Owner.ScopeClaim) == "" {
		cfg.Owner.ScopeClaim = base.Owner.ScopeClaim
	}
	if cfg.Owner.ClockSkew <= 0 {
		cfg.Owner.ClockSkew = base.Owner.ClockSkew
	}
	if strings.TrimSpace(cfg.Observability.ServiceName) == "" {
		cfg.Observability.ServiceName = base.Observability.ServiceName
	}
	if cfg.Webhooks.QueueCapacity <= 0 {
		cfg.Webhooks.QueueCapacity = base.Webhooks.QueueCapacity
	}
	if cfg.Webhooks.HistorySize <= 0 {
		cfg.Webhooks.HistorySize = base.Webhooks.HistorySize
	}
	if cfg.Webhooks.QueueTTL <= 0 {
		cfg.Webhooks.QueueTTL = base.Webhooks.QueueTTL
	}
}

func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := cfg.NodeURL(); err != nil {
		return err
	}
	for i, entry := range cfg.Auth.APIKeys {
		if strings.TrimSpace(entry.Key) == "" {
			return fmt.Errorf("auth.apiKeys[%d].key cannot be empty", i)
		}
		if strings.TrimSpace(entry.SecretEnv) == "" {
			return fmt.Errorf("auth.apiKeys[%d].secretEnv cannot be empty", i)
		}
	}
	if cfg.Owner.Enabled {
		if strings.TrimSpace(cfg.Owner.SecretEnv) == "" {
			return fmt.Errorf("owner.secretEnv is required when owner routes are enabled")
		}
	}
	return nil
}

// NodeURL parses the configured node endpoint.
func (cfg *Config) NodeURL() (*url.URL, error) {
	raw := strings.TrimSpace(cfg.Node.URL)
	if raw == "" {
		return nil, fmt.Errorf("node.url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse node.url: %w", err)
	}
	return parsed, nil
}

// EnforceSecureScheme ensures the supplied URL uses HTTPS outside of the dev
// environment. When autoUpgrade is set, plain HTTP URLs are transparently
// upgraded. The returned boolean reports whether an upgrade happened.
func EnforceSecureScheme(env string, target *url.URL, autoUpgrade bool) (*url.URL, bool, error) {
	if target == nil {
		return nil, false, fmt.Errorf("target URL is nil")
	}
	scheme := strings.ToLower(strings.TrimSpace(target.Scheme))
	switch scheme {
	case "https":
		return target, false, nil
	case "http":
		if isDevEnv(env) {
			return target, false, nil
		}
		if autoUpgrade {
			upgraded := *target
			upgraded.Scheme = "https"
			return &upgraded, true, nil
		}
		if strings.TrimSpace(env) == "" {
			env = "(unset)"
		}
		return nil, false, fmt.Errorf("plaintext HTTP endpoints are not permitted for environment %s", env)
	case "":
		return nil, false, fmt.Errorf("URL scheme is required")
	default:
		return nil, false, fmt.Errorf("unsupported URL scheme %q", target.Scheme)
	}
}

func isDevEnv(env string) bool {
	return strings.EqualFold(strings.TrimSpace(env), "dev")
}
