package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
)

const (
	DriverSQLite    = "sqlite"
	DriverPostgREST = "postgrest"
	DriverMemory    = "memory"
)

type Config struct {
	Port string `envconfig:"PORT" default:"8080"`

	// ProviderSecret is the webhook signing secret shared with Stripe.
	ProviderSecret string `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	StripeSecret   string `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeAPIURL   string `envconfig:"STRIPE_API_URL" validate:"omitempty,url"`

	StoreDriver string `envconfig:"STORE_DRIVER" default:"sqlite" validate:"oneof=sqlite postgrest memory"`
	// StoreEndpoint is a database path for sqlite or a base URL for postgrest.
	StoreEndpoint   string `envconfig:"STORE_ENDPOINT" default:"licensing.db"`
	StoreCredential string `envconfig:"STORE_CREDENTIAL" validate:"required_if=StoreDriver postgrest"`

	SignatureTolerance time.Duration `envconfig:"SIGNATURE_TOLERANCE" default:"300s" validate:"gt=0"`
	HandlerTimeout     time.Duration `envconfig:"HANDLER_TIMEOUT" default:"10s" validate:"gt=0"`
	StoreTimeout       time.Duration `envconfig:"STORE_TIMEOUT" default:"10s" validate:"gt=0"`
	GatewayTimeout     time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"10s" validate:"gt=0"`

	RepairSchedule string   `envconfig:"REPAIR_SCHEDULE" default:"@every 15m"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`

	SignatureFailureLimit  int           `envconfig:"SIGNATURE_FAILURE_LIMIT" default:"20" validate:"gt=0"`
	SignatureFailureWindow time.Duration `envconfig:"SIGNATURE_FAILURE_WINDOW" default:"10m" validate:"gt=0"`

	// AppVersion is the desktop release line licenses are validated against.
	AppVersion string `envconfig:"APP_VERSION" default:"1.0.0" validate:"semver"`

	SentryDSN string `envconfig:"SENTRY_DSN"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"INFO"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate returns every violated field at once.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	var result *multierror.Error
	for _, fe := range verrs {
		result = multierror.Append(result, fmt.Errorf("%s: failed %q check", envName(fe.StructField()), fe.Tag()))
	}
	return result.ErrorOrNil()
}

var envNames = map[string]string{
	"ProviderSecret":         "STRIPE_WEBHOOK_SECRET",
	"StripeSecret":           "STRIPE_SECRET_KEY",
	"StripeAPIURL":           "STRIPE_API_URL",
	"StoreDriver":            "STORE_DRIVER",
	"StoreCredential":        "STORE_CREDENTIAL",
	"SignatureTolerance":     "SIGNATURE_TOLERANCE",
	"HandlerTimeout":         "HANDLER_TIMEOUT",
	"StoreTimeout":           "STORE_TIMEOUT",
	"GatewayTimeout":         "GATEWAY_TIMEOUT",
	"SignatureFailureLimit":  "SIGNATURE_FAILURE_LIMIT",
	"SignatureFailureWindow": "SIGNATURE_FAILURE_WINDOW",
	"AppVersion":             "APP_VERSION",
}

func envName(field string) string {
	if name, ok := envNames[field]; ok {
		return name
	}
	return strings.ToUpper(field)
}
