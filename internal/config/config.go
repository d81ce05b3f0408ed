package config

import (
	"fmt"
	"log"

	"github.com/spf13/viper"
)

type Config struct {
	Port                  string `mapstructure:"PORT"`
	Env                   string `mapstructure:"ENV"`
	LogLevel              string `mapstructure:"LOG_LEVEL"`
	AuthMode              string `mapstructure:"AUTH_MODE"`
	AuthTokenSecret       string `mapstructure:"AUTH_TOKEN_SECRET"`
	DatabaseURL           string `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32  `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir         string `mapstructure:"MIGRATIONS_DIR"`
	CacheDir              string `mapstructure:"CACHE_DIR"`
	ArtifactDir           string `mapstructure:"ARTIFACT_DIR"`
	HashTokenSecret       string `mapstructure:"HASH_TOKEN_SECRET"`
	AIAPIKey              string `mapstructure:"AI_API_KEY"`
	AIBaseURL             string `mapstructure:"AI_BASE_URL"`
	AIModel               string `mapstructure:"AI_MODEL"`
	AIMaxTokens           int    `mapstructure:"AI_MAX_TOKENS"`
	OpenAIAPIKey          string `mapstructure:"OPENAI_API_KEY"`
	OpenAIModel           string `mapstructure:"OPENAI_MODEL"`
	DestinationBaseURL    string `mapstructure:"DESTINATION_BASE_URL"`
	DestinationAPIKey     string `mapstructure:"DESTINATION_API_KEY"`
	SourceGraphQLEndpoint string `mapstructure:"SOURCE_GRAPHQL_ENDPOINT"`
	SourceGraphQLAuthHdr  string `mapstructure:"SOURCE_GRAPHQL_AUTH_HEADER"`
	SourceGraphQLAuthVal  string `mapstructure:"SOURCE_GRAPHQL_AUTH_VALUE"`
	ToolLoopMaxIterations int    `mapstructure:"TOOL_LOOP_MAX_ITERATIONS"`
	CorrectionMaxAttempts int    `mapstructure:"CORRECTION_MAX_ATTEMPTS"`
	DryRunSampleSize      int    `mapstructure:"DRY_RUN_SAMPLE_SIZE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("CACHE_DIR", ".ehr-migrate/cache")
	v.SetDefault("ARTIFACT_DIR", ".ehr-migrate/artifacts")
	v.SetDefault("HASH_TOKEN_SECRET", "") // dev fallback applied below
	v.SetDefault("AI_MODEL", "claude-sonnet-4-20250514")
	v.SetDefault("AI_MAX_TOKENS", 4096)
	v.SetDefault("TOOL_LOOP_MAX_ITERATIONS", 12)
	v.SetDefault("CORRECTION_MAX_ATTEMPTS", 3)
	v.SetDefault("DRY_RUN_SAMPLE_SIZE", 10)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("AUTH_MODE")
	v.BindEnv("AUTH_TOKEN_SECRET")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("MIGRATIONS_DIR")
	v.BindEnv("CACHE_DIR")
	v.BindEnv("ARTIFACT_DIR")
	v.BindEnv("HASH_TOKEN_SECRET")
	v.BindEnv("AI_API_KEY")
	v.BindEnv("AI_BASE_URL")
	v.BindEnv("AI_MODEL")
	v.BindEnv("AI_MAX_TOKENS")
	v.BindEnv("OPENAI_API_KEY")
	v.BindEnv("OPENAI_MODEL")
	v.BindEnv("DESTINATION_BASE_URL")
	v.BindEnv("DESTINATION_API_KEY")
	v.BindEnv("SOURCE_GRAPHQL_ENDPOINT")
	v.BindEnv("SOURCE_GRAPHQL_AUTH_HEADER")
	v.BindEnv("SOURCE_GRAPHQL_AUTH_VALUE")
	v.BindEnv("TOOL_LOOP_MAX_ITERATIONS")
	v.BindEnv("CORRECTION_MAX_ATTEMPTS")
	v.BindEnv("DRY_RUN_SAMPLE_SIZE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Canonical IDs must stay stable across runs for the same deployment, so
	// production requires an explicit secret. Development gets a fixed one so
	// local re-runs reconcile against earlier ledgers.
	if cfg.HashTokenSecret == "" {
		if !cfg.IsDev() {
			return nil, fmt.Errorf("HASH_TOKEN_SECRET is required when ENV is not development")
		}
		cfg.HashTokenSecret = "dev-hash-token-secret"
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: The ops API accepts unauthenticated requests as operator.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: Set ENV=production and configure AUTH_TOKEN_SECRET.")
		log.Println("WARNING: ============================================================")
	}
	if cfg.AIAPIKey == "" && cfg.OpenAIAPIKey == "" {
		log.Println("WARNING: No AI backend configured (AI_API_KEY / OPENAI_API_KEY unset).")
		log.Println("WARNING: Mapping proposals fall back to the field-name heuristic.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise, the mode is inferred:
//   - ENV=development → "development" (no auth, all requests get operator access)
//   - Otherwise       → "token" (HMAC-signed service tokens)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "token"
}

// Validate checks that the configuration is safe to run. In non-development
// modes AUTH_TOKEN_SECRET must be set so that real token authentication is
// enforced, and the pipeline loop bounds must be sane.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "token" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"token\", got %q", mode)
	}
	if mode == "token" && c.AuthTokenSecret == "" {
		return fmt.Errorf(
			"AUTH_TOKEN_SECRET must be set when AUTH_MODE is \"token\" (current ENV=%q). "+
				"Refusing to start without authentication configuration", c.Env)
	}

	if c.IsProduction() && len(c.HashTokenSecret) < 32 {
		return fmt.Errorf("HASH_TOKEN_SECRET must be at least 32 characters in production, got %d", len(c.HashTokenSecret))
	}

	if c.ToolLoopMaxIterations < 1 {
		return fmt.Errorf("TOOL_LOOP_MAX_ITERATIONS must be at least 1, got %d", c.ToolLoopMaxIterations)
	}
	if c.CorrectionMaxAttempts < 0 {
		return fmt.Errorf("CORRECTION_MAX_ATTEMPTS must not be negative, got %d", c.CorrectionMaxAttempts)
	}
	if c.DryRunSampleSize < 0 {
		return fmt.Errorf("DRY_RUN_SAMPLE_SIZE must not be negative, got %d", c.DryRunSampleSize)
	}

	return nil
}
