package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gateway's YAML configuration.
type Config struct {
	ListenAddress string              `yaml:"listen_address"`
	Environment   string              `yaml:"environment"`
	Node          NodeConfig          `yaml:"node"`
	Auth          AuthConfig          `yaml:"auth"`
	RateLimits    map[string]RateLimitConfig `yaml:"rate_limits"`
	CORS          CORSConfig          `yaml:"cors"`
	Observability ObservabilityConfig `yaml:"observability"`
	Security      SecurityConfig      `yaml:"security"`
}

// NodeConfig points the gateway at the lending node's JSON-RPC endpoint.
type NodeConfig struct {
	RPCURL         string        `yaml:"rpc_url"`
	RPCTokenEnv    string        `yaml:"rpc_token_env"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// AuthConfig mirrors the middleware authenticator settings.
type AuthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	HMACSecretEnv string        `yaml:"hmac_secret_env"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	ScopeClaim    string        `yaml:"scope_claim"`
	ClockSkew     time.Duration `yaml:"clock_skew"`
}

// RateLimitConfig caps a route group's request rate per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// CORSConfig controls cross-origin responses.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

// ObservabilityConfig controls gateway metrics, tracing and request logs.
type ObservabilityConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ServiceName   string `yaml:"service_name"`
	MetricsPrefix string `yaml:"metrics_prefix"`
	LogRequests   bool   `yaml:"log_requests"`
}

// SecurityConfig gates deployment-hardening checks.
type SecurityConfig struct {
	EnforceSecureScheme bool `yaml:"enforce_secure_scheme"`
}

// Load reads and validates a gateway configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gateway config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse gateway config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		ListenAddress: ":8090",
		Environment:   "development",
		Node: NodeConfig{
			RPCURL:         "http://127.0.0.1:8080",
			RPCTokenEnv:    "TAOLEND_RPC_TOKEN",
			RequestTimeout: 15 * time.Second,
		},
		Auth: AuthConfig{
			Enabled:       true,
			HMACSecretEnv: "GATEWAY_JWT_SECRET",
			ScopeClaim:    "scope",
			ClockSkew:     2 * time.Minute,
		},
		RateLimits: map[string]RateLimitConfig{
			"lend":       {RequestsPerMinute: 600, Burst: 20},
			"lend-admin": {RequestsPerMinute: 60, Burst: 5},
		},
		Observability: ObservabilityConfig{
			Enabled:       true,
			ServiceName:   "lend-gateway",
			MetricsPrefix: "gateway",
			LogRequests:   true,
		},
	}
}

// Validate rejects configurations that would start a broken gateway.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("gateway config: listen_address required")
	}
	url := strings.TrimSpace(c.Node.RPCURL)
	if url == "" {
		return fmt.Errorf("gateway config: node.rpc_url required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("gateway config: node.rpc_url must be an http(s) URL")
	}
	if c.Security.EnforceSecureScheme && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("gateway config: node.rpc_url must use https when enforce_secure_scheme is set")
	}
	if c.Node.RequestTimeout <= 0 {
		c.Node.RequestTimeout = 15 * time.Second
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.HMACSecretEnv) == "" {
		return fmt.Errorf("gateway config: auth.hmac_secret_env required when auth is enabled")
	}
	for name, limit := range c.RateLimits {
		if limit.RequestsPerMinute <= 0 {
			return fmt.Errorf("gateway config: rate limit %q requests_per_minute must be positive", name)
		}
	}
	return nil
}

// NodeToken resolves the node's bearer token from the configured env var.
func (c *Config) NodeToken() string {
	if strings.TrimSpace(c.Node.RPCTokenEnv) == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.Node.RPCTokenEnv))
}

// AuthSecret resolves the JWT HMAC secret from the configured env var.
func (c *Config) AuthSecret() string {
	if strings.TrimSpace(c.Auth.HMACSecretEnv) == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.Auth.HMACSecretEnv))
}
