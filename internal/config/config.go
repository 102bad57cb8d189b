// Package config provides configuration management for metalpool.
//
// This package handles loading configuration from multiple sources:
//   - YAML configuration files
//   - Environment variables (with MP_ prefix)
//   - .env files
//   - Default values
//
// # Configuration Sources Priority
//
// Configuration is loaded in the following order (later sources override earlier ones):
//  1. Default values (hardcoded)
//  2. Configuration files (./config.yaml, ./configs/config.yaml, ~/.metalpool/config.yaml, /etc/metalpool/config.yaml)
//  3. .env files
//  4. Environment variables (MP_ prefix)
//
// # Usage Example
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Server: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
//
// # Environment Variables
//
// Use the MP_ prefix and underscores for nested keys:
//   - MP_SERVER_PORT=5240
//   - MP_STORAGE_PATH=/var/lib/metalpool
//   - MP_LIFECYCLE_ENABLE_DISK_ERASING_ON_RELEASE=true
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Lock backends for the allocation lock.
const (
	LockBackendLocal = "local"
	LockBackendNATS  = "nats"
)

// Config is the root configuration structure for metalpool.
type Config struct {
	// Server contains HTTP API server configuration
	Server ServerConfig `mapstructure:"server"`

	// Storage contains the machine registry settings
	Storage StorageConfig `mapstructure:"storage"`

	// NATS contains event bus and distributed lock settings
	NATS NATSConfig `mapstructure:"nats"`

	// Allocation contains allocation engine settings
	Allocation AllocationConfig `mapstructure:"allocation"`

	// Power contains power orchestrator settings
	Power PowerConfig `mapstructure:"power"`

	// Lifecycle contains node state machine settings
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`

	// Rack contains statically known rack controllers
	Rack RackConfig `mapstructure:"rack"`

	// Agent contains rack-controller agent configuration
	Agent AgentConfig `mapstructure:"agent"`

	// Logging contains logging settings
	Logging LoggingConfig `mapstructure:"logging"`

	// Tracing contains OpenTelemetry settings
	Tracing TracingConfig `mapstructure:"tracing"`

	// Security contains authentication and rate limiting settings
	Security SecurityConfig `mapstructure:"security"`

	// Inventory is an optional YAML file loaded into the registry at start
	Inventory InventoryConfig `mapstructure:"inventory"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host"`

	// Port is the server listen port (default: 5240)
	Port int `mapstructure:"port"`

	// ReadTimeout is the maximum duration for reading requests
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration for writing responses
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Debug enables debug logging and additional endpoints
	Debug bool `mapstructure:"debug"`

	// TLSEnabled enables HTTPS
	TLSEnabled bool `mapstructure:"tls_enabled"`

	// TLSCert is the path to the TLS certificate file
	TLSCert string `mapstructure:"tls_cert"`

	// TLSKey is the path to the TLS private key file
	TLSKey string `mapstructure:"tls_key"`
}

// StorageConfig contains badger settings for the machine registry.
type StorageConfig struct {
	// Path is the badger data directory
	Path string `mapstructure:"path"`

	// InMemory keeps the registry in memory only (tests, demos)
	InMemory bool `mapstructure:"in_memory"`
}

// NATSConfig contains NATS connection settings.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`

	// SubjectPrefix is prepended to every event subject
	SubjectPrefix string `mapstructure:"subject_prefix"`

	// LockBucket is the JetStream key-value bucket holding the allocation lock
	LockBucket string `mapstructure:"lock_bucket"`
}

// AllocationConfig contains allocation engine settings.
type AllocationConfig struct {
	// LockBackend is "local" (single process) or "nats" (replicated allocators)
	LockBackend string `mapstructure:"lock_backend"`

	// LockTTL bounds how long a crashed holder can keep the distributed lock
	LockTTL time.Duration `mapstructure:"lock_ttl"`

	// LockRetry is the poll interval while waiting for the distributed lock
	LockRetry time.Duration `mapstructure:"lock_retry"`

	// Architectures lists the usable architectures, "arch/subarch"
	Architectures []string `mapstructure:"architectures"`
}

// PowerConfig contains power orchestrator settings.
type PowerConfig struct {
	// RPCTimeout bounds every power RPC to a rack controller
	RPCTimeout time.Duration `mapstructure:"rpc_timeout"`

	// PollInterval is the period of the background power-state poller, 0 disables it
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// PollWorkers bounds concurrent queries issued by the poller
	PollWorkers int `mapstructure:"poll_workers"`

	// QueueSize is the capacity of the background persistence queue
	QueueSize int `mapstructure:"queue_size"`
}

// LifecycleConfig contains node state machine settings.
type LifecycleConfig struct {
	// EnableDiskErasingOnRelease sends released machines through DISK_ERASING
	EnableDiskErasingOnRelease bool `mapstructure:"enable_disk_erasing_on_release"`

	// MaxCommissioningResults is how many commissioning script sets to keep per machine
	MaxCommissioningResults int `mapstructure:"max_commissioning_results"`

	// MaxInstallationResults is how many installation script sets to keep per machine
	MaxInstallationResults int `mapstructure:"max_installation_results"`

	// EraseTimeout bounds a single disk erasure
	EraseTimeout time.Duration `mapstructure:"erase_timeout"`
}

// RackConfig contains rack controller registration settings.
type RackConfig struct {
	// Controllers maps rack controller ids to their agent URLs
	Controllers map[string]string `mapstructure:"controllers"`

	// Token is the bearer token presented to statically configured controllers
	Token string `mapstructure:"token"`

	// SecretHash is the bcrypt hash of the shared registration secret
	SecretHash string `mapstructure:"secret_hash"`

	// HealthInterval is the period between rack controller health checks, 0 disables them
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// AgentConfig contains rack-controller agent configuration.
type AgentConfig struct {
	// ID is the rack controller id this agent registers as
	ID string `mapstructure:"id"`

	// Listen is the agent RPC listen address
	Listen string `mapstructure:"listen"`

	// AdvertiseURL is the URL the region uses to reach this agent
	AdvertiseURL string `mapstructure:"advertise_url"`

	// RegionURL is the URL of the metalpool API server
	RegionURL string `mapstructure:"region_url"`

	// Secret is the shared registration secret
	Secret string `mapstructure:"secret"`

	// AgentToken is the JWT token for agent authentication
	AgentToken string `mapstructure:"agent_token"`

	// RPCToken is the bearer token the region must present; random when empty
	RPCToken string `mapstructure:"rpc_token"`

	// EraseDuration is how long the simulated disk erasure takes
	EraseDuration time.Duration `mapstructure:"erase_duration"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, console)
	Format string `mapstructure:"format"`

	// Output is stdout, stderr or a file path
	Output string `mapstructure:"output"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// SecurityConfig contains security and rate limiting settings.
type SecurityConfig struct {
	// RateLimit is the maximum requests per second per client
	RateLimit int `mapstructure:"rate_limit"`

	// AllowedOrigins are the CORS allowed origins
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// AuthEnabled enables JWT authentication
	AuthEnabled bool `mapstructure:"auth_enabled"`

	// AnonymousUser is the identity used when authentication is disabled
	AnonymousUser string `mapstructure:"anonymous_user"`

	// JWTSecret is the secret key for signing JWT tokens
	JWTSecret string `mapstructure:"jwt_secret"`

	// JWTExpiration is the JWT token expiration duration (default: 24h)
	JWTExpiration time.Duration `mapstructure:"jwt_expiration"`

	// AgentTokenSecret is the secret key for rack agent tokens
	AgentTokenSecret string `mapstructure:"agent_token_secret"`
}

// InventoryConfig names a YAML inventory file.
type InventoryConfig struct {
	File string `mapstructure:"file"`
}

var cfg *Config

// Load reads configuration from a file and environment variables.
// If cfgFile is empty, it searches for config.yaml in standard locations.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (MP_ prefix)
//  2. .env file
//  3. Configuration file
//  4. Default values
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.metalpool")
		v.AddConfigPath("/etc/metalpool")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			// An explicit but missing file falls back to defaults
			if !isFileNotFoundError(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.MergeInConfig() // Ignore error if .env file doesn't exist

	v.SetEnvPrefix("MP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg = &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5240)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.debug", false)
	v.SetDefault("server.tls_enabled", false)

	v.SetDefault("storage.path", "./data")
	v.SetDefault("storage.in_memory", false)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject_prefix", "metalpool")
	v.SetDefault("nats.lock_bucket", "metalpool_locks")

	v.SetDefault("allocation.lock_backend", LockBackendLocal)
	v.SetDefault("allocation.lock_ttl", "30s")
	v.SetDefault("allocation.lock_retry", "50ms")
	v.SetDefault("allocation.architectures", []string{"amd64/generic", "arm64/generic", "i386/generic"})

	v.SetDefault("power.rpc_timeout", "15s")
	v.SetDefault("power.poll_interval", "5m")
	v.SetDefault("power.poll_workers", 8)
	v.SetDefault("power.queue_size", 1024)

	v.SetDefault("lifecycle.enable_disk_erasing_on_release", false)
	v.SetDefault("lifecycle.max_commissioning_results", 10)
	v.SetDefault("lifecycle.max_installation_results", 10)
	v.SetDefault("lifecycle.erase_timeout", "30m")

	v.SetDefault("rack.health_interval", "30s")

	v.SetDefault("agent.id", "rack-01")
	v.SetDefault("agent.listen", "0.0.0.0:5248")
	v.SetDefault("agent.advertise_url", "http://localhost:5248")
	v.SetDefault("agent.region_url", "http://localhost:5240")
	v.SetDefault("agent.erase_duration", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "metalpool")

	v.SetDefault("security.rate_limit", 100)
	v.SetDefault("security.allowed_origins", []string{"*"})
	v.SetDefault("security.auth_enabled", false)
	v.SetDefault("security.anonymous_user", "admin")
	v.SetDefault("security.jwt_secret", "change-me-in-production")
	v.SetDefault("security.jwt_expiration", "24h")
	v.SetDefault("security.agent_token_secret", "change-me-in-production")
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	if !cfg.Storage.InMemory && cfg.Storage.Path == "" {
		return fmt.Errorf("storage path is required unless storage.in_memory is set")
	}

	switch cfg.Allocation.LockBackend {
	case LockBackendLocal:
	case LockBackendNATS:
		if !cfg.NATS.Enabled {
			return fmt.Errorf("allocation lock backend %q requires nats.enabled", LockBackendNATS)
		}
	default:
		return fmt.Errorf("unknown allocation lock backend: %q", cfg.Allocation.LockBackend)
	}

	if cfg.Power.RPCTimeout <= 0 {
		return fmt.Errorf("power rpc_timeout must be positive")
	}
	if cfg.Power.PollWorkers < 1 {
		return fmt.Errorf("power poll_workers must be at least 1")
	}
	if cfg.Power.QueueSize < 1 {
		return fmt.Errorf("power queue_size must be at least 1")
	}

	if cfg.Lifecycle.MaxCommissioningResults < 1 || cfg.Lifecycle.MaxInstallationResults < 1 {
		return fmt.Errorf("lifecycle result limits must be at least 1")
	}

	if cfg.Security.AuthEnabled && len(cfg.Security.JWTSecret) < 16 {
		return fmt.Errorf("security jwt_secret must be at least 16 characters when auth is enabled")
	}

	return nil
}

// Get returns the configuration most recently loaded by Load.
func Get() *Config {
	return cfg
}

// Address returns the host:port the API server listens on.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
