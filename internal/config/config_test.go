package config

import (
	"os"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("DATABASE_URL")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8000" {
		t.Errorf("expected default port 8000, got %s", cfg.Port)
	}
	if cfg.QueueWorkers != 4 {
		t.Errorf("expected default queue workers 4, got %d", cfg.QueueWorkers)
	}
	if cfg.DBMaxConns != 20 {
		t.Errorf("expected default max conns 20, got %d", cfg.DBMaxConns)
	}
	if cfg.AllowUnsignedWebhooks {
		t.Error("unsigned webhooks must be off by default")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	os.Setenv("FHIR_BASE_URL", "https://fhir.example.com/r4")
	os.Setenv("WITHINGS_CLIENT_ID", "cid-1")
	defer os.Unsetenv("FHIR_BASE_URL")
	defer os.Unsetenv("WITHINGS_CLIENT_ID")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.FHIRBaseURL != "https://fhir.example.com/r4" {
		t.Errorf("expected FHIR_BASE_URL override, got %s", cfg.FHIRBaseURL)
	}
	if cfg.WithingsClientID != "cid-1" {
		t.Errorf("expected WITHINGS_CLIENT_ID override, got %s", cfg.WithingsClientID)
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}

func TestValidate_RejectsUnsignedWebhooksInProduction(t *testing.T) {
	c := &Config{
		Env:                   "production",
		FHIRBaseURL:           "https://fhir.example.com/r4",
		AllowUnsignedWebhooks: true,
		QueueWorkers:          4,
	}
	if err := c.Validate(); err == nil {
		t.Error("expected error for unsigned webhooks in production")
	}
}

func TestValidate_RequiresFHIRBaseURL(t *testing.T) {
	c := &Config{QueueWorkers: 4}
	if err := c.Validate(); err == nil {
		t.Error("expected error when FHIR_BASE_URL is missing")
	}
}

func TestValidate_RequiresWorkers(t *testing.T) {
	c := &Config{FHIRBaseURL: "https://fhir.example.com/r4", QueueWorkers: 0}
	if err := c.Validate(); err == nil {
		t.Error("expected error for zero queue workers")
	}
}
