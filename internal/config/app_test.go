package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_RequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("LoadConfig() error = nil, want error without JWT_SECRET")
	}

	t.Setenv("JWT_SECRET", "short")
	_, err := LoadConfig()
	if err == nil || !strings.Contains(err.Error(), "at least 32 characters") {
		t.Errorf("LoadConfig() error = %v, want length error", err)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", strings.Repeat("s", 32))
	t.Setenv("STORE_BACKEND", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	o := cfg.Orchestration
	if o.HarmonizationWindow != 3*time.Second {
		t.Errorf("HarmonizationWindow = %v, want 3s", o.HarmonizationWindow)
	}
	if o.MaxBufferDepth != 10 {
		t.Errorf("MaxBufferDepth = %d, want 10", o.MaxBufferDepth)
	}
	if o.ReferenceTTL != 5*time.Minute || o.ContextTTL != 30*time.Minute {
		t.Errorf("TTLs = %v/%v, want 5m/30m", o.ReferenceTTL, o.ContextTTL)
	}
	if o.RAGThreshold != 0.7 {
		t.Errorf("RAGThreshold = %f, want 0.7", o.RAGThreshold)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("Store.Backend = %s, want memory", cfg.Store.Backend)
	}
	if cfg.Health.Floor != 0.8 || cfg.Health.MinSamples != 5 {
		t.Errorf("Health = %+v", cfg.Health)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", strings.Repeat("s", 32))
	t.Setenv("HARMONIZATION_WINDOW", "5s")
	t.Setenv("HARMONIZATION_MAX_BUFFER", "not-a-number")
	t.Setenv("BUDGET_DEFAULT_MONTHLY_CAP", "10")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Orchestration.HarmonizationWindow != 5*time.Second {
		t.Errorf("HarmonizationWindow = %v, want 5s", cfg.Orchestration.HarmonizationWindow)
	}
	if cfg.Orchestration.MaxBufferDepth != 10 {
		t.Errorf("MaxBufferDepth = %d, want default 10 for invalid value", cfg.Orchestration.MaxBufferDepth)
	}
	if cfg.Budget.DefaultMonthlyCap != 10 {
		t.Errorf("DefaultMonthlyCap = %f, want 10", cfg.Budget.DefaultMonthlyCap)
	}
}

func TestLoadConfig_RejectsUnknownStore(t *testing.T) {
	t.Setenv("JWT_SECRET", strings.Repeat("s", 32))
	t.Setenv("STORE_BACKEND", "mongo")

	if _, err := LoadConfig(); err == nil {
		t.Error("LoadConfig() error = nil, want error for unknown backend")
	}
}

func TestDatabaseConfig_GetDSN(t *testing.T) {
	c := DatabaseConfig{Host: "h", Port: "1", User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	want := "host=h port=1 user=u password=p dbname=n sslmode=disable"
	if got := c.GetDSN(); got != want {
		t.Errorf("GetDSN() = %s, want %s", got, want)
	}
}
