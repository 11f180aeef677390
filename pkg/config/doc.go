// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	AUTHCORE_HOST="0.0.0.0"
//	AUTHCORE_PORT="8080"
//	AUTHCORE_HEALTH_PORT="9090"
//	AUTHCORE_READ_TIMEOUT="15s"
//	AUTHCORE_WRITE_TIMEOUT="15s"
//
// Storage settings:
//
//	AUTHCORE_POSTGRES_URL="postgres://localhost/authcore"  # empty selects the in-memory database
//	AUTHCORE_REDIS_URL="localhost:6379"
//	AUTHCORE_REDIS_PASSWORD=""
//	AUTHCORE_REDIS_DB="0"
//
// Auth settings:
//
//	AUTHCORE_INTERNAL_CALL_SECRET="..."
//	AUTHCORE_RESOURCE_SERVICE_URL="http://resource-service:8080"
//	AUTHCORE_SUPER_ADMIN_EMAILS="admin@example.com,ops@example.com"
//
// SSO settings (one block per tenant named in AUTHCORE_SSO_TENANTS):
//
//	AUTHCORE_SSO_TENANTS="contoso"
//	AUTHCORE_SSO_CONTOSO_ISSUER_URL="https://login.microsoftonline.com/<tenant>/v2.0"
//	AUTHCORE_SSO_CONTOSO_CLIENT_ID="..."
//	AUTHCORE_SSO_CONTOSO_CLIENT_SECRET="..."
//	AUTHCORE_SSO_CONTOSO_REDIRECT_URL="https://auth.example.com/auth/sso/callback"
//
// Maintenance settings:
//
//	AUTHCORE_SWEEP_ENABLED="true"
//	AUTHCORE_SWEEP_SCHEDULE="@every 1h"
//
// Observability settings:
//
//	AUTHCORE_LOG_LEVEL="info"  # debug, info, warn, error
//	AUTHCORE_LOG_FORMAT="json" # json, text
//	AUTHCORE_METRICS_ENABLED="true"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//	fmt.Printf("Log level: %s\n", cfg.Observability.LogLevel)
//
// # Related Packages
//
//   - pkg/store: Uses storage configuration
//   - pkg/sso: Uses the OIDC tenant configuration
//   - pkg/observability: Uses observability configuration
package config
