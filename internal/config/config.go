// Package config loads server configuration from defaults, an optional YAML
// file, an optional .env file and the process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/sessionpay/internal/chain"
	"github.com/R3E-Network/sessionpay/pkg/logger"
)

// MaxRefundDelay mirrors the engine's upper bound.
const MaxRefundDelay = 7 * 24 * time.Hour

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Engine       EngineConfig       `yaml:"engine"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Attestation  AttestationConfig  `yaml:"attestation"`
	Inference    InferenceConfig    `yaml:"inference"`
	PriceFeed    PriceFeedConfig    `yaml:"price_feed"`
	Auth         AuthConfig         `yaml:"auth"`
	CORS         CORSConfig         `yaml:"cors"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Audit        AuditConfig        `yaml:"audit"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"SERVER_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// Logger converts the section into logger settings.
func (c LoggingConfig) Logger() logger.LoggingConfig {
	return logger.LoggingConfig{Level: c.Level, Format: c.Format, Output: c.Output, FilePrefix: c.FilePrefix}
}

// DatabaseConfig selects PostgreSQL persistence when DSN is set.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool          `yaml:"migrate_on_start" env:"DATABASE_MIGRATE"`
}

// RedisConfig selects the Redis job cache when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// EngineConfig configures the escrow engine and its mock token.
type EngineConfig struct {
	Address      string        `yaml:"address" env:"ENGINE_ADDRESS"`
	Owner        string        `yaml:"owner" env:"ENGINE_OWNER"`
	RefundDelay  time.Duration `yaml:"refund_delay" env:"ENGINE_REFUND_DELAY"`
	TokenAddress string        `yaml:"token_address" env:"TOKEN_ADDRESS"`
	// TokenOwner may mint the mock token; defaults to Owner.
	TokenOwner string `yaml:"token_owner" env:"TOKEN_OWNER"`
}

type OrchestratorConfig struct {
	Provider          string        `yaml:"provider" env:"PROVIDER_ADDRESS"`
	OutputBase        string        `yaml:"output_base" env:"OUTPUT_BASE_URL"`
	SchemaUID         string        `yaml:"schema_uid" env:"ATTESTATION_SCHEMA_UID"`
	ChainID           uint64        `yaml:"chain_id" env:"CHAIN_ID"`
	RetryAttempts     int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay" env:"RETRY_INITIAL_DELAY"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	PollInterval      time.Duration `yaml:"poll_interval" env:"SETTLEMENT_POLL_INTERVAL"`
	PendingTTL        time.Duration `yaml:"pending_ttl" env:"JOB_PENDING_TTL"`
	CompletedTTL      time.Duration `yaml:"completed_ttl" env:"JOB_COMPLETED_TTL"`
}

// AttestationConfig points at a remote attestation service. When Endpoint
// is empty attestations are recorded in the local store.
type AttestationConfig struct {
	Endpoint string `yaml:"endpoint" env:"ATTESTATION_URL"`
	APIKey   string `yaml:"api_key" env:"ATTESTATION_API_KEY"`
	Attester string `yaml:"attester" env:"ATTESTER_ADDRESS"`
}

// InferenceConfig points at an OpenAI-compatible API. When Endpoint is empty
// a static generator is used.
type InferenceConfig struct {
	Endpoint string        `yaml:"endpoint" env:"INFERENCE_URL"`
	APIKey   string        `yaml:"api_key" env:"INFERENCE_API_KEY"`
	Timeout  time.Duration `yaml:"timeout" env:"INFERENCE_TIMEOUT"`
}

// PriceFeedConfig configures the price refresher. Lists in the environment
// are separated by semicolons.
type PriceFeedConfig struct {
	FetchURL  string   `yaml:"fetch_url" env:"PRICEFEED_FETCH_URL"`
	FetchKey  string   `yaml:"fetch_key" env:"PRICEFEED_FETCH_KEY"`
	PricePath string   `yaml:"price_path" env:"PRICEFEED_PRICE_PATH"`
	Schedule  string   `yaml:"schedule" env:"PRICEFEED_SCHEDULE"`
	Pairs     []string `yaml:"pairs" env:"PRICEFEED_PAIRS"`
}

// AuthConfig controls bearer token verification. Mutating routes require a
// token whenever JWTSecret is set.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer    string        `yaml:"issuer" env:"JWT_ISSUER"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"JWT_TTL"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second" env:"RATE_LIMIT_RPS"`
	Burst             int `yaml:"burst" env:"RATE_LIMIT_BURST"`
}

type AuditConfig struct {
	Path string `yaml:"path" env:"AUDIT_LOG_PATH"`
	Max  int    `yaml:"max" env:"AUDIT_MAX_ENTRIES"`
}

// Default returns settings for a local single-process run.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			MigrateOnStart:  true,
		},
		Engine: EngineConfig{
			Address:      "0x00000000000000000000000000000000000e5c40",
			Owner:        "0x00000000000000000000000000000000000000f0",
			RefundDelay:  15 * time.Minute,
			TokenAddress: "0x0000000000000000000000000000000000005dc0",
		},
		Orchestrator: OrchestratorConfig{
			Provider:          "0x00000000000000000000000000000000000000b2",
			OutputBase:        "https://outputs.sessionpay.local",
			ChainID:           84532,
			RetryAttempts:     3,
			RetryInitialDelay: 500 * time.Millisecond,
			RetryMaxDelay:     10 * time.Second,
			PollInterval:      15 * time.Second,
			PendingTTL:        time.Hour,
			CompletedTTL:      24 * time.Hour,
		},
		Inference: InferenceConfig{Timeout: 60 * time.Second},
		PriceFeed: PriceFeedConfig{
			PricePath: "$.price",
			Schedule:  "@every 1m",
			Pairs:     []string{"USDC/USD"},
		},
		Auth:      AuthConfig{Issuer: "sessionpay", TokenTTL: 24 * time.Hour},
		CORS:      CORSConfig{AllowedOrigins: []string{"*"}},
		RateLimit: RateLimitConfig{RequestsPerSecond: 20, Burst: 40},
		Audit:     AuditConfig{Max: 200},
	}
}

// Load reads .env (if present), then the YAML file named by CONFIG_FILE, then
// the environment. Later sources override earlier ones.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile applies the YAML file at path (skipped when empty) and the
// environment on top of the defaults, then validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	if c.Engine.TokenOwner == "" {
		c.Engine.TokenOwner = c.Engine.Owner
	}
	if c.Attestation.Attester == "" {
		c.Attestation.Attester = c.Orchestrator.Provider
	}
	c.PriceFeed.Pairs = trimAll(c.PriceFeed.Pairs)
	c.CORS.AllowedOrigins = trimAll(c.CORS.AllowedOrigins)
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Server.Addr) == "" {
		problems = append(problems, "server.addr is required")
	}
	for name, addr := range map[string]string{
		"engine.address":        c.Engine.Address,
		"engine.owner":          c.Engine.Owner,
		"engine.token_address":  c.Engine.TokenAddress,
		"engine.token_owner":    c.Engine.TokenOwner,
		"orchestrator.provider": c.Orchestrator.Provider,
		"attestation.attester":  c.Attestation.Attester,
	} {
		if _, err := chain.ParseAddress(addr); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if c.Engine.RefundDelay < 0 || c.Engine.RefundDelay > MaxRefundDelay {
		problems = append(problems, "engine.refund_delay must be between 0 and 168h")
	}
	if c.Orchestrator.SchemaUID != "" {
		if _, err := chain.ParseHash(c.Orchestrator.SchemaUID); err != nil {
			problems = append(problems, fmt.Sprintf("orchestrator.schema_uid: %v", err))
		}
	}
	if c.Orchestrator.RetryAttempts < 0 {
		problems = append(problems, "orchestrator.retry_attempts must not be negative")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		problems = append(problems, "rate_limit values must not be negative")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 16 {
		problems = append(problems, "auth.jwt_secret must be at least 16 characters")
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
