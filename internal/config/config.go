package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	FHIRBaseURL string `mapstructure:"FHIR_BASE_URL"`
	FHIRToken   string `mapstructure:"FHIR_TOKEN"`

	WithingsClientID     string `mapstructure:"WITHINGS_CLIENT_ID"`
	WithingsClientSecret string `mapstructure:"WITHINGS_CLIENT_SECRET"`
	FitbitClientID       string `mapstructure:"FITBIT_CLIENT_ID"`
	FitbitClientSecret   string `mapstructure:"FITBIT_CLIENT_SECRET"`

	WebhookCallbackBase   string `mapstructure:"WEBHOOK_CALLBACK_BASE"`
	WithingsWebhookSecret string `mapstructure:"WITHINGS_WEBHOOK_SECRET"`
	FitbitVerifyCode      string `mapstructure:"FITBIT_VERIFY_CODE"`
	AllowUnsignedWebhooks bool   `mapstructure:"ALLOW_UNSIGNED_WEBHOOKS"`

	QueueWorkers int `mapstructure:"QUEUE_WORKERS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("FHIR_BASE_URL", "http://localhost:8080/fhir")
	v.SetDefault("QUEUE_WORKERS", 4)
	v.SetDefault("ALLOW_UNSIGNED_WEBHOOKS", false)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("FHIR_BASE_URL")
	v.BindEnv("FHIR_TOKEN")
	v.BindEnv("WITHINGS_CLIENT_ID")
	v.BindEnv("WITHINGS_CLIENT_SECRET")
	v.BindEnv("FITBIT_CLIENT_ID")
	v.BindEnv("FITBIT_CLIENT_SECRET")
	v.BindEnv("WEBHOOK_CALLBACK_BASE")
	v.BindEnv("WITHINGS_WEBHOOK_SECRET")
	v.BindEnv("FITBIT_VERIFY_CODE")
	v.BindEnv("ALLOW_UNSIGNED_WEBHOOKS")
	v.BindEnv("QUEUE_WORKERS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Unsigned webhooks
// are a development convenience and refused in production, as is running
// without webhook secrets while callbacks are configured.
func (c *Config) Validate() error {
	if c.FHIRBaseURL == "" {
		return fmt.Errorf("FHIR_BASE_URL is required")
	}
	if c.IsProduction() {
		if c.AllowUnsignedWebhooks {
			return fmt.Errorf("ALLOW_UNSIGNED_WEBHOOKS must not be set in production")
		}
		if c.WebhookCallbackBase != "" && c.WithingsWebhookSecret == "" && c.FitbitClientSecret == "" {
			return fmt.Errorf("webhook callbacks are configured but no signing secrets are set")
		}
	}
	if c.QueueWorkers < 1 {
		return fmt.Errorf("QUEUE_WORKERS must be at least 1, got %d", c.QueueWorkers)
	}
	return nil
}
