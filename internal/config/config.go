// Package config defines the global configuration structure for the platform.
// Configuration is loaded once at process initialization and is immutable
// thereafter. It follows 12-Factor App principles by strictly separating code
// from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes startup to fail
// immediately.
package config

import (
	"time"

	"drawclub/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"drawclub-payments"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server   ServerConfig
	Database DatabaseConfig
	AWS      AWSConfig
	Gateway  GatewayConfig
	Pipeline PipelineConfig
	Admin    AdminConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"20s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	NotificationQueue string `envconfig:"SQS_NOTIFICATIONS" validate:"required,url"`

	// MetricsEnabled disables CloudWatch emission when false (local dev).
	MetricsEnabled bool `envconfig:"METRICS_ENABLED" default:"true"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// GatewayConfig holds payment gateway credentials and webhook verification
// secrets.
type GatewayConfig struct {
	SecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	WebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	// BaseURL overrides the gateway API endpoint for tests and local stubs.
	BaseURL string        `envconfig:"STRIPE_API_BASE"`
	Timeout time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"20s"`
}

// PipelineConfig tunes the event-processing pipeline.
type PipelineConfig struct {
	// CancellationRecencyWindow suppresses deletion events arriving just
	// after an upgrade replaced the subscription.
	CancellationRecencyWindow time.Duration `envconfig:"CANCELLATION_RECENCY_WINDOW" default:"60s"`

	// ReconcileAfter is how old an unapplied ledger row must be before the
	// reconciler re-applies it.
	ReconcileAfter time.Duration `envconfig:"RECONCILE_AFTER" default:"5m"`
	// ReconcileBatchSize caps rows claimed per reconciler run.
	ReconcileBatchSize int `envconfig:"RECONCILE_BATCH_SIZE" default:"100"`
	// ReconcileWorkers is the fan-out width of the reconciler.
	ReconcileWorkers int `envconfig:"RECONCILE_WORKERS" default:"4"`
}

// AdminConfig holds the operator API credentials.
type AdminConfig struct {
	// APIKeyHash is the bcrypt hash of the X-Admin-Key header value.
	APIKeyHash SecretString `envconfig:"ADMIN_API_KEY_HASH" validate:"required"`
}
