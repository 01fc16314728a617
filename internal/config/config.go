// Package config loads and validates application configuration from
// environment variables, optional .env files and an optional YAML overlay.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment names accepted in ENVIRONMENT.
const (
	EnvDevelopment = "development"
	EnvTesting     = "testing"
	EnvProduction  = "production"
)

// Transports the MCP server can listen on.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Audit store backends.
const (
	AuditStoreNone     = "none"
	AuditStoreSQLite   = "sqlite"
	AuditStorePostgres = "postgres"
)

// Config holds all application configuration. It is built once at startup
// and passed by value; nothing re-reads it mid-operation.
type Config struct {
	Environment string `yaml:"environment"`

	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	PDP    PDPConfig    `yaml:"pdp"`
	Auth   AuthConfig   `yaml:"auth"`
	Audit  AuditConfig  `yaml:"audit"`
	OTEL   OTELConfig   `yaml:"otel"`
}

// ServerConfig describes the MCP server and its transport.
type ServerConfig struct {
	Name         string        `yaml:"name"`
	Version      string        `yaml:"version"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Transport    string        `yaml:"transport"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"` // 0 leaves streaming responses unbounded.
	// RateLimitRPS throttles /mcp per client IP; 0 disables it.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
	// CORSOrigins enables CORS on the HTTP transport for browser clients.
	CORSOrigins []string `yaml:"cors_origins"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// LogConfig controls the slog handlers.
type LogConfig struct {
	Level          string `yaml:"level"`
	Format         string `yaml:"format"` // "json" or "text"
	FileEnabled    bool   `yaml:"file_enabled"`
	FilePath       string `yaml:"file_path"`
	ConsoleEnabled bool   `yaml:"console_enabled"`
}

// PDPConfig locates the external policy decision point.
type PDPConfig struct {
	URL             string        `yaml:"url"`
	Timeout         time.Duration `yaml:"timeout"`
	Enabled         bool          `yaml:"enabled"`
	ListConcurrency int           `yaml:"list_concurrency"`
}

// AuthConfig configures the identity sources.
type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	JWTPublicKeyPath string `yaml:"jwt_public_key"` // Ed25519 public key PEM.
	JWTIssuer        string `yaml:"jwt_issuer"`
	JWTAudience      string `yaml:"jwt_audience"`
	APIKeysFile      string `yaml:"api_keys_file"`
	UnverifiedRole   string `yaml:"unverified_role"` // empty leaves unverified callers as guest
	StdioToken       string `yaml:"stdio_token"`
}

// AuditConfig selects the durable audit store.
type AuditConfig struct {
	Store         string        `yaml:"store"`
	DSN           string        `yaml:"dsn"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// OTELConfig configures the OpenTelemetry exporters.
type OTELConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// IsDevelopment reports whether ENVIRONMENT is development.
func (c Config) IsDevelopment() bool { return c.Environment == EnvDevelopment }

// IsTesting reports whether ENVIRONMENT is testing.
func (c Config) IsTesting() bool { return c.Environment == EnvTesting }

// IsProduction reports whether ENVIRONMENT is production.
func (c Config) IsProduction() bool { return c.Environment == EnvProduction }

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Environment: EnvDevelopment,
		Server: ServerConfig{
			Name:        "mcpgate",
			Version:     "0.1.0",
			Host:        "localhost",
			Port:        3000,
			Transport:   TransportStdio,
			ReadTimeout: 30 * time.Second,

			RateLimitBurst: 20,
		},
		Log: LogConfig{
			Level:          "info",
			Format:         "json",
			FileEnabled:    true,
			FilePath:       "logs/mcpgate.log",
			ConsoleEnabled: true,
		},
		PDP: PDPConfig{
			URL:             "http://localhost:8000",
			Timeout:         30 * time.Second,
			Enabled:         true,
			ListConcurrency: 8,
		},
		Audit: AuditConfig{
			Store:         AuditStoreNone,
			BufferSize:    500,
			FlushInterval: time.Second,
		},
		OTEL: OTELConfig{
			ServiceName: "mcpgate",
		},
	}
}

// Load reads .env files, the optional YAML file named by MCPGATE_CONFIG_FILE,
// and environment variables, in increasing order of precedence. All invalid
// values are reported together.
func Load() (Config, error) {
	if err := loadDotEnv(os.Getenv("ENVIRONMENT")); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if path := os.Getenv("MCPGATE_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// dotEnvFile maps ENVIRONMENT to its dotenv file.
func dotEnvFile(env string) string {
	switch strings.ToLower(env) {
	case EnvTesting, "test":
		return ".env.test"
	case EnvProduction, "prod":
		return ".env.prod"
	default:
		return ".env.dev"
	}
}

// loadDotEnv loads the environment-specific file and then .env. godotenv
// never overrides variables that are already set, so the real environment
// always wins. Missing files are ignored.
func loadDotEnv(env string) error {
	for _, name := range []string{dotEnvFile(env), ".env"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			return fmt.Errorf("config: load %s: %w", name, err)
		}
	}
	return nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	var err error

	c.Environment = strings.ToLower(envStr("ENVIRONMENT", c.Environment))

	c.Server.Name = envStr("MCPGATE_NAME", c.Server.Name)
	c.Server.Version = envStr("MCPGATE_VERSION", c.Server.Version)
	c.Server.Host = envStr("MCPGATE_HOST", c.Server.Host)
	c.Server.Port, err = envInt("MCPGATE_PORT", c.Server.Port)
	collect(err)
	c.Server.Transport = strings.ToLower(envStr("MCPGATE_TRANSPORT", c.Server.Transport))
	c.Server.ReadTimeout, err = envDuration("MCPGATE_READ_TIMEOUT", c.Server.ReadTimeout)
	collect(err)
	c.Server.WriteTimeout, err = envDuration("MCPGATE_WRITE_TIMEOUT", c.Server.WriteTimeout)
	collect(err)
	c.Server.RateLimitRPS, err = envFloat("MCPGATE_RATE_LIMIT_RPS", c.Server.RateLimitRPS)
	collect(err)
	c.Server.RateLimitBurst, err = envInt("MCPGATE_RATE_LIMIT_BURST", c.Server.RateLimitBurst)
	collect(err)
	c.Server.CORSOrigins = envList("MCPGATE_CORS_ORIGINS", c.Server.CORSOrigins)

	c.Log.Level = strings.ToLower(envStr("MCPGATE_LOG_LEVEL", c.Log.Level))
	c.Log.Format = strings.ToLower(envStr("MCPGATE_LOG_FORMAT", c.Log.Format))
	c.Log.FileEnabled, err = envBool("MCPGATE_LOG_FILE_ENABLED", c.Log.FileEnabled)
	collect(err)
	c.Log.FilePath = envStr("MCPGATE_LOG_FILE_PATH", c.Log.FilePath)
	c.Log.ConsoleEnabled, err = envBool("MCPGATE_LOG_CONSOLE_ENABLED", c.Log.ConsoleEnabled)
	collect(err)

	c.PDP.URL = envStr("MCPGATE_PDP_URL", c.PDP.URL)
	c.PDP.Timeout, err = envSeconds("MCPGATE_PDP_TIMEOUT", c.PDP.Timeout)
	collect(err)
	c.PDP.Enabled, err = envBool("MCPGATE_PDP_ENABLED", c.PDP.Enabled)
	collect(err)
	c.PDP.ListConcurrency, err = envInt("MCPGATE_PDP_LIST_CONCURRENCY", c.PDP.ListConcurrency)
	collect(err)

	c.Auth.JWTSecret = envStr("MCPGATE_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.JWTPublicKeyPath = envStr("MCPGATE_JWT_PUBLIC_KEY", c.Auth.JWTPublicKeyPath)
	c.Auth.JWTIssuer = envStr("MCPGATE_JWT_ISSUER", c.Auth.JWTIssuer)
	c.Auth.JWTAudience = envStr("MCPGATE_JWT_AUDIENCE", c.Auth.JWTAudience)
	c.Auth.APIKeysFile = envStr("MCPGATE_API_KEYS_FILE", c.Auth.APIKeysFile)
	c.Auth.UnverifiedRole = envStr("MCPGATE_UNVERIFIED_ROLE", c.Auth.UnverifiedRole)
	c.Auth.StdioToken = envStr("MCPGATE_STDIO_TOKEN", c.Auth.StdioToken)

	c.Audit.Store = strings.ToLower(envStr("MCPGATE_AUDIT_STORE", c.Audit.Store))
	c.Audit.DSN = envStr("MCPGATE_AUDIT_DSN", c.Audit.DSN)
	c.Audit.BufferSize, err = envInt("MCPGATE_AUDIT_BUFFER_SIZE", c.Audit.BufferSize)
	collect(err)
	c.Audit.FlushInterval, err = envDuration("MCPGATE_AUDIT_FLUSH_INTERVAL", c.Audit.FlushInterval)
	collect(err)

	c.OTEL.Endpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTEL.Endpoint)
	c.OTEL.ServiceName = envStr("OTEL_SERVICE_NAME", c.OTEL.ServiceName)
	c.OTEL.Insecure, err = envBool("MCPGATE_OTEL_INSECURE", c.OTEL.Insecure)
	collect(err)

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	var errs []error
	switch c.Environment {
	case EnvDevelopment, EnvTesting, EnvProduction:
	default:
		errs = append(errs, fmt.Errorf("ENVIRONMENT must be development, testing or production, got %q", c.Environment))
	}
	switch c.Server.Transport {
	case TransportStdio, TransportHTTP:
	default:
		errs = append(errs, fmt.Errorf("MCPGATE_TRANSPORT must be stdio or http, got %q", c.Server.Transport))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("MCPGATE_PORT must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("MCPGATE_RATE_LIMIT_RPS must not be negative, got %g", c.Server.RateLimitRPS))
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst < 1 {
		errs = append(errs, errors.New("MCPGATE_RATE_LIMIT_BURST must be at least 1 when rate limiting is enabled"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("MCPGATE_LOG_LEVEL must be debug, info, warn or error, got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("MCPGATE_LOG_FORMAT must be json or text, got %q", c.Log.Format))
	}
	if c.Log.FileEnabled && c.Log.FilePath == "" {
		errs = append(errs, errors.New("MCPGATE_LOG_FILE_PATH is required when file logging is enabled"))
	}
	if c.PDP.Enabled {
		if c.PDP.URL == "" {
			errs = append(errs, errors.New("MCPGATE_PDP_URL is required when authorization is enabled"))
		} else if u, err := url.Parse(c.PDP.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("MCPGATE_PDP_URL must be an absolute http(s) URL, got %q", c.PDP.URL))
		}
	}
	if c.PDP.Timeout <= 0 {
		errs = append(errs, errors.New("MCPGATE_PDP_TIMEOUT must be positive"))
	}
	if c.PDP.ListConcurrency <= 0 {
		errs = append(errs, errors.New("MCPGATE_PDP_LIST_CONCURRENCY must be positive"))
	}
	switch c.Audit.Store {
	case AuditStoreNone:
	case AuditStoreSQLite, AuditStorePostgres:
		if c.Audit.DSN == "" {
			errs = append(errs, fmt.Errorf("MCPGATE_AUDIT_DSN is required for the %s audit store", c.Audit.Store))
		}
	default:
		errs = append(errs, fmt.Errorf("MCPGATE_AUDIT_STORE must be none, sqlite or postgres, got %q", c.Audit.Store))
	}
	if c.Audit.BufferSize <= 0 {
		errs = append(errs, errors.New("MCPGATE_AUDIT_BUFFER_SIZE must be positive"))
	}
	if c.Audit.FlushInterval <= 0 {
		errs = append(errs, errors.New("MCPGATE_AUDIT_FLUSH_INTERVAL must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

// envSeconds accepts a Go duration ("2500ms") or a bare number of seconds ("30", "1.5").
func envSeconds(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
