package config

import (
	"os"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("ENV")
	os.Unsetenv("HASH_TOKEN_SECRET")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8000" {
		t.Errorf("expected default port 8000, got %s", cfg.Port)
	}

	if cfg.DBMaxConns != 20 {
		t.Errorf("expected default max conns 20, got %d", cfg.DBMaxConns)
	}

	if cfg.ToolLoopMaxIterations != 12 {
		t.Errorf("expected default tool loop bound 12, got %d", cfg.ToolLoopMaxIterations)
	}

	if cfg.CorrectionMaxAttempts != 3 {
		t.Errorf("expected default correction attempts 3, got %d", cfg.CorrectionMaxAttempts)
	}

	if cfg.DryRunSampleSize != 10 {
		t.Errorf("expected default dry-run sample size 10, got %d", cfg.DryRunSampleSize)
	}

	if cfg.HashTokenSecret == "" {
		t.Error("expected dev fallback HASH_TOKEN_SECRET to be set")
	}
}

func TestLoad_RequiresHashSecretOutsideDev(t *testing.T) {
	os.Setenv("ENV", "production")
	os.Unsetenv("HASH_TOKEN_SECRET")
	defer os.Unsetenv("ENV")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when HASH_TOKEN_SECRET is missing in production")
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

func TestConfig_ResolvedAuthMode(t *testing.T) {
	c := &Config{Env: "development"}
	if got := c.ResolvedAuthMode(); got != "development" {
		t.Errorf("expected development mode, got %q", got)
	}

	c.Env = "production"
	if got := c.ResolvedAuthMode(); got != "token" {
		t.Errorf("expected token mode in production, got %q", got)
	}

	c.AuthMode = "development"
	if got := c.ResolvedAuthMode(); got != "development" {
		t.Errorf("expected explicit AUTH_MODE to win, got %q", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	c := &Config{
		Env:                   "production",
		AuthTokenSecret:       "0123456789abcdef0123456789abcdef",
		HashTokenSecret:       "0123456789abcdef0123456789abcdef",
		ToolLoopMaxIterations: 12,
		CorrectionMaxAttempts: 3,
		DryRunSampleSize:      10,
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	missing := *c
	missing.AuthTokenSecret = ""
	if err := missing.Validate(); err == nil {
		t.Error("expected error for token mode without AUTH_TOKEN_SECRET")
	}

	shortSecret := *c
	shortSecret.HashTokenSecret = "short"
	if err := shortSecret.Validate(); err == nil {
		t.Error("expected error for short HASH_TOKEN_SECRET in production")
	}

	badMode := *c
	badMode.AuthMode = "oauth"
	if err := badMode.Validate(); err == nil {
		t.Error("expected error for unknown AUTH_MODE")
	}

	badLoop := *c
	badLoop.ToolLoopMaxIterations = 0
	if err := badLoop.Validate(); err == nil {
		t.Error("expected error for zero TOOL_LOOP_MAX_ITERATIONS")
	}
}
