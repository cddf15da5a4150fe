// Package config loads gateway configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// CAPGATE_* environment variables. The result is validated before use.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "CAPGATE_"

// Authentication modes.
const (
	AuthJWT    = "jwt"
	AuthStatic = "static"
)

// Config is the complete gateway configuration.
type Config struct {
	Listen     string `yaml:"listen"      env:"LISTEN"      validate:"required"`
	AppName    string `yaml:"app_name"    env:"APP_NAME"    validate:"required"`
	AppVersion string `yaml:"app_version" env:"APP_VERSION" validate:"required,semver"`
	// Catalog is a directory of .cue capability files. Empty serves the
	// built-in demo capabilities.
	Catalog string `yaml:"catalog" env:"CATALOG"`
	// Database enables the SQLite job journal and delivery log.
	Database string `yaml:"database" env:"DATABASE"`

	Auth          AuthConfig          `yaml:"auth"          envPrefix:"AUTH_"`
	Jobs          JobsConfig          `yaml:"jobs"          envPrefix:"JOBS_"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions" envPrefix:"SUBSCRIPTIONS_"`
	Webhook       WebhookConfig       `yaml:"webhook"       envPrefix:"WEBHOOK_"`
	Batch         BatchConfig         `yaml:"batch"         envPrefix:"BATCH_"`
	Schema        SchemaConfig        `yaml:"schema"        envPrefix:"SCHEMA_"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"     envPrefix:"TELEMETRY_"`

	// Permissions maps principal ids to granted permissions.
	Permissions map[string][]string `yaml:"permissions" validate:"dive,keys,required,endkeys,dive,required"`
}

// AuthConfig selects how bearer credentials are verified.
type AuthConfig struct {
	Mode   string `yaml:"mode"   env:"MODE"   validate:"oneof=jwt static"`
	Secret string `yaml:"secret" env:"SECRET" validate:"required_if=Mode jwt"`
	Issuer string `yaml:"issuer" env:"ISSUER"`
	// Tokens maps opaque tokens to principal ids in static mode.
	Tokens map[string]string `yaml:"tokens" validate:"required_if=Mode static"`
}

// JobsConfig tunes the async job lifecycle.
type JobsConfig struct {
	Timeout        time.Duration `yaml:"timeout"         env:"TIMEOUT"         validate:"gte=0"`
	Retention      time.Duration `yaml:"retention"       env:"RETENTION"       validate:"gte=0"`
	SweepInterval  time.Duration `yaml:"sweep_interval"  env:"SWEEP_INTERVAL"  validate:"gt=0"`
	StatusLocation string        `yaml:"status_location" env:"STATUS_LOCATION" validate:"required"`
}

// SubscriptionsConfig tunes subscription lifetimes and delivery workers.
type SubscriptionsConfig struct {
	DefaultDuration time.Duration `yaml:"default_duration" env:"DEFAULT_DURATION" validate:"gt=0"`
	MaxDuration     time.Duration `yaml:"max_duration"     env:"MAX_DURATION"     validate:"gtefield=DefaultDuration"`
	Workers         int           `yaml:"workers"          env:"WORKERS"          validate:"min=1"`
}

// WebhookConfig tunes delivery retries.
type WebhookConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"    env:"MAX_ATTEMPTS"    validate:"min=1"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF" validate:"gt=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff"     env:"MAX_BACKOFF"     validate:"gtefield=InitialBackoff"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT" validate:"gt=0"`
}

// BatchConfig limits batch requests.
type BatchConfig struct {
	MaxOperations int `yaml:"max_operations" env:"MAX_OPERATIONS" validate:"min=1"`
	Parallelism   int `yaml:"parallelism"    env:"PARALLELISM"    validate:"min=1"`
}

// SchemaConfig tunes parameter validation.
type SchemaConfig struct {
	Strict bool `yaml:"strict" env:"STRICT"`
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string `yaml:"endpoint"     env:"ENDPOINT"     validate:"omitempty,url"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Listen:     ":8080",
		AppName:    "capgate",
		AppVersion: "1.0.0",
		Auth: AuthConfig{
			Mode: AuthJWT,
		},
		Jobs: JobsConfig{
			Timeout:        5 * time.Minute,
			Retention:      time.Hour,
			SweepInterval:  time.Minute,
			StatusLocation: "/v1/jobs/",
		},
		Subscriptions: SubscriptionsConfig{
			DefaultDuration: 3600 * time.Second,
			MaxDuration:     7 * 24 * time.Hour,
			Workers:         4,
		},
		Webhook: WebhookConfig{
			MaxAttempts:    5,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			RequestTimeout: 10 * time.Second,
		},
		Batch: BatchConfig{
			MaxOperations: 100,
			Parallelism:   4,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "capgate",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Override adjusts a configuration after every layer was applied and
// before it is validated.
type Override func(*Config)

// Load builds a configuration from defaults, the YAML file at path (if
// path is non-empty) and the process environment.
func Load(path string, overrides ...Override) (Config, error) {
	return load(path, nil, overrides...)
}

// load is Load with an explicit environment for tests. A nil environ
// reads the process environment.
func load(path string, environ map[string]string, overrides ...Override) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := Decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}

	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	for _, o := range overrides {
		o(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode overlays YAML data onto cfg. Unknown keys are rejected.
func Decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		// An empty document leaves the defaults untouched.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
