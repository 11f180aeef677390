package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/modelvault/authcore/pkg/sso"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage StorageConfig

	// Auth configuration
	Auth AuthConfig

	// SSO tenant configuration
	SSO SSOConfig

	// Maintenance configuration
	Maintenance MaintenanceConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// StorageConfig holds database and cache configuration. An empty PostgresURL
// selects the in-memory database, for local runs and tests only.
type StorageConfig struct {
	PostgresURL   string
	RedisURL      string
	RedisPassword string
	RedisDB       int
}

// AuthConfig holds credentials and peers of the auth engine itself.
type AuthConfig struct {
	// InternalCallSecret gates the service-to-service endpoints.
	InternalCallSecret string

	// ResourceServiceURL is the peer that owns the globally shared
	// resource list.
	ResourceServiceURL string

	// SuperAdminEmails receive all-paths rights on federated login.
	SuperAdminEmails []string
}

// SSOConfig holds the OIDC tenant set, keyed by tenant name.
type SSOConfig struct {
	Tenants map[string]sso.OIDCConfig
}

// MaintenanceConfig holds the cleanup sweep schedule.
type MaintenanceConfig struct {
	SweepEnabled  bool
	SweepSchedule string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel  string
	LogFormat string

	// Metrics
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Auth:          loadAuthConfig(),
		SSO:           loadSSOConfig(),
		Maintenance:   loadMaintenanceConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("AUTHCORE_HOST", "0.0.0.0"),
		Port:            getEnv("AUTHCORE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("AUTHCORE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("AUTHCORE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("AUTHCORE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("AUTHCORE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("AUTHCORE_HEALTH_PORT", "9090"),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() StorageConfig {
	return StorageConfig{
		PostgresURL:   getEnv("AUTHCORE_POSTGRES_URL", ""),
		RedisURL:      getEnv("AUTHCORE_REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("AUTHCORE_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("AUTHCORE_REDIS_DB", 0),
	}
}

// loadAuthConfig loads auth engine configuration from environment
func loadAuthConfig() AuthConfig {
	return AuthConfig{
		InternalCallSecret: getEnv("AUTHCORE_INTERNAL_CALL_SECRET", ""),
		ResourceServiceURL: getEnv("AUTHCORE_RESOURCE_SERVICE_URL", ""),
		SuperAdminEmails:   getEnvList("AUTHCORE_SUPER_ADMIN_EMAILS"),
	}
}

// loadSSOConfig loads the OIDC tenant set from environment. Tenant names
// come from AUTHCORE_SSO_TENANTS (comma separated); each tenant T reads its
// settings from AUTHCORE_SSO_<T>_ISSUER_URL, _CLIENT_ID, _CLIENT_SECRET and
// _REDIRECT_URL with T upper-cased.
func loadSSOConfig() SSOConfig {
	tenants := make(map[string]sso.OIDCConfig)
	for _, tenant := range getEnvList("AUTHCORE_SSO_TENANTS") {
		prefix := "AUTHCORE_SSO_" + strings.ToUpper(tenant) + "_"
		tenants[tenant] = sso.OIDCConfig{
			IssuerURL:    getEnv(prefix+"ISSUER_URL", ""),
			ClientID:     getEnv(prefix+"CLIENT_ID", ""),
			ClientSecret: getEnv(prefix+"CLIENT_SECRET", ""),
			RedirectURL:  getEnv(prefix+"REDIRECT_URL", ""),
			Scopes:       sso.DefaultScopes(),
		}
	}
	return SSOConfig{Tenants: tenants}
}

// loadMaintenanceConfig loads the cleanup sweep configuration from environment
func loadMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		SweepEnabled:  getEnvBool("AUTHCORE_SWEEP_ENABLED", true),
		SweepSchedule: getEnv("AUTHCORE_SWEEP_SCHEDULE", "@every 1h"),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       getEnv("AUTHCORE_LOG_LEVEL", "info"),
		LogFormat:      getEnv("AUTHCORE_LOG_FORMAT", "json"),
		MetricsEnabled: getEnvBool("AUTHCORE_METRICS_ENABLED", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Storage.RedisURL == "" {
		return fmt.Errorf("redis URL is required")
	}

	if c.Auth.InternalCallSecret == "" {
		return fmt.Errorf("internal call secret is required")
	}

	for tenant, oidc := range c.SSO.Tenants {
		if oidc.IssuerURL == "" {
			return fmt.Errorf("issuer URL is required for sso tenant %q", tenant)
		}
		if oidc.ClientID == "" || oidc.ClientSecret == "" {
			return fmt.Errorf("client credentials are required for sso tenant %q", tenant)
		}
		if oidc.RedirectURL == "" {
			return fmt.Errorf("redirect URL is required for sso tenant %q", tenant)
		}
	}

	if c.Maintenance.SweepEnabled && c.Maintenance.SweepSchedule == "" {
		return fmt.Errorf("sweep schedule is required when the sweep is enabled")
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma-separated environment variable as a slice,
// trimmed, with empty elements dropped.
func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}
