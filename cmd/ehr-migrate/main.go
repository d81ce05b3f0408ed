// Command ehr-migrate runs the clinical records migration service: an ops
// HTTP API for managing migration runs, plus terminal entry points for
// one-off runs, schema discovery, and database migrations.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/migrate/internal/config"
	"github.com/ehr/migrate/internal/domain/ledger"
	"github.com/ehr/migrate/internal/domain/run"
	"github.com/ehr/migrate/internal/platform/ai"
	"github.com/ehr/migrate/internal/platform/artifact"
	"github.com/ehr/migrate/internal/platform/auth"
	"github.com/ehr/migrate/internal/platform/db"
	"github.com/ehr/migrate/internal/platform/destination"
	"github.com/ehr/migrate/internal/platform/discovery"
	"github.com/ehr/migrate/internal/platform/memory"
	"github.com/ehr/migrate/internal/platform/middleware"
	"github.com/ehr/migrate/internal/platform/source"
	"github.com/ehr/migrate/internal/platform/telemetry"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "ehr-migrate",
		Short:   "Clinical records migration service",
		Version: version,
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(discoverCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Shared wiring
// ---------------------------------------------------------------------------

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	if cfg.IsDev() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger
}

func newProposerChain(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Provider) *ai.ProposerChain {
	direct := ai.NewDirectClient(ai.DirectConfig{
		APIKey:    cfg.AIAPIKey,
		BaseURL:   cfg.AIBaseURL,
		Model:     cfg.AIModel,
		MaxTokens: cfg.AIMaxTokens,
	}, logger)
	return ai.NewProposerChain(logger,
		ai.NewDirectProposer(direct),
		ai.NewOpenAIProposer(ai.OpenAIConfig{APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIModel}, logger),
		ai.NewHeuristicProposer(),
	).WithMetrics(metrics)
}

func newDestination(cfg *config.Config, logger zerolog.Logger) destination.Client {
	if cfg.DestinationBaseURL == "" {
		logger.Warn().Msg("DESTINATION_BASE_URL unset; promoting to the in-memory fake destination")
		return destination.NewFake()
	}
	return destination.NewHTTPClient(destination.HTTPConfig{
		BaseURL: cfg.DestinationBaseURL,
		Token:   cfg.DestinationAPIKey,
	}, logger)
}

// buildDeps wires the run orchestrator's collaborators. A nil pool selects
// the in-memory repositories, which is only acceptable for terminal one-off
// runs.
func buildDeps(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool, metrics *telemetry.Provider) (run.Deps, error) {
	store, err := artifact.NewFSStore(cfg.ArtifactDir)
	if err != nil {
		return run.Deps{}, fmt.Errorf("opening artifact store: %w", err)
	}
	docs, err := memory.NewFileDocumentStore(cfg.CacheDir)
	if err != nil {
		return run.Deps{}, fmt.Errorf("opening cache store: %w", err)
	}
	stores := memory.NewStores(docs)

	var executor source.QueryExecutor
	if cfg.SourceGraphQLEndpoint != "" {
		executor = source.NewHTTPExecutor(cfg.SourceGraphQLEndpoint, cfg.SourceGraphQLAuthHdr, cfg.SourceGraphQLAuthVal)
	}

	deps := run.Deps{
		Artifacts:   store,
		Sources:     source.NewRegistry(store, executor, stores.Schema, []byte(cfg.HashTokenSecret)),
		Proposer:    newProposerChain(cfg, logger, metrics),
		Memory:      stores,
		Destination: newDestination(cfg, logger),
		Metrics:     metrics,
	}
	if pool != nil {
		deps.Runs = run.NewRepo(pool)
		deps.Ledger = ledger.NewRepo(pool)
	} else {
		deps.Runs = run.NewMemRepo()
		deps.Ledger = ledger.NewMemRepo()
	}
	return deps, nil
}

// splitGoals turns the --entities flag value into goal entity types,
// dropping empty segments so trailing commas are harmless.
func splitGoals(entities string) []string {
	var goals []string
	for _, g := range strings.Split(entities, ",") {
		if g = strings.TrimSpace(g); g != "" {
			goals = append(goals, g)
		}
	}
	return goals
}

func runConfig(cfg *config.Config) run.Config {
	return run.Config{
		DryRunSampleSize:      cfg.DryRunSampleSize,
		CorrectionMaxAttempts: cfg.CorrectionMaxAttempts,
	}
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the migration ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required for serve")
			}
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return fmt.Errorf("connecting to database: %w", err)
			}
			defer pool.Close()
			logger.Info().Msg("connected to database")

			metrics := telemetry.NewProvider("ehr-migrate")
			deps, err := buildDeps(cfg, logger, pool, metrics)
			if err != nil {
				return err
			}
			svc, err := run.NewService(deps, runConfig(cfg), logger)
			if err != nil {
				return err
			}

			e := echo.New()
			e.HideBanner = true
			e.HidePort = true
			e.Use(middleware.Recovery(logger))
			e.Use(middleware.RequestID())
			e.Use(middleware.Logger(logger))
			e.Use(middleware.RequestTimeout(60 * time.Second))
			e.Use(metrics.Middleware())

			e.GET("/healthz", func(c echo.Context) error {
				return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
			})
			e.GET("/readyz", db.ReadyHandler(pool))
			e.GET("/metrics", metrics.Handler())

			api := e.Group("/api/v1")
			api.Use(db.ConnMiddleware(pool))
			api.Use(auth.Middleware(auth.Config{
				Mode:   cfg.ResolvedAuthMode(),
				Secret: []byte(cfg.AuthTokenSecret),
			}))
			run.NewHandler(svc).RegisterRoutes(api)

			// Pool gauges refresh in the background; /metrics reads them.
			go func() {
				ticker := time.NewTicker(15 * time.Second)
				defer ticker.Stop()
				for range ticker.C {
					stats := db.GetPoolStats(pool)
					metrics.SetDBPool(int64(stats.AcquiredConns), int64(stats.IdleConns))
				}
			}()

			errCh := make(chan error, 1)
			go func() {
				errCh <- e.Start(":" + cfg.Port)
			}()
			logger.Info().Str("port", cfg.Port).Msg("ops API listening")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case sig := <-quit:
				logger.Info().Str("signal", sig.String()).Msg("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := e.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("shutdown: %w", err)
				}
			}
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// migrate
// ---------------------------------------------------------------------------

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default: MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("migration status: %w", err)
			}
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default: MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

// ---------------------------------------------------------------------------
// run
// ---------------------------------------------------------------------------

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [source files...]",
		Short: "Execute one migration run from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			vendor, _ := cmd.Flags().GetString("vendor")
			kind, _ := cmd.Flags().GetString("kind")
			approve, _ := cmd.Flags().GetBool("approve")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			var pool *pgxpool.Pool
			if cfg.DatabaseURL != "" {
				if pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns); err != nil {
					return fmt.Errorf("connecting to database: %w", err)
				}
				defer pool.Close()
			} else {
				logger.Warn().Msg("DATABASE_URL unset; run state is held in memory and lost on exit")
			}

			deps, err := buildDeps(cfg, logger, pool, telemetry.NewProvider("ehr-migrate"))
			if err != nil {
				return err
			}
			svc, err := run.NewService(deps, runConfig(cfg), logger)
			if err != nil {
				return err
			}

			rn, err := svc.CreateRun(ctx, vendor, source.Kind(kind))
			if err != nil {
				return err
			}
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("reading %s: %w", path, err)
				}
				if _, err := svc.UploadArtifact(ctx, rn.ID, filepath.Base(path), data); err != nil {
					return fmt.Errorf("uploading %s: %w", path, err)
				}
			}

			rn, err = svc.Execute(ctx, rn.ID)
			if err != nil {
				return err
			}
			if rn.Status == run.StatusAwaitingApproval {
				if !approve {
					fmt.Printf("Run %s is awaiting mapping approval. Re-run with --approve or approve via the ops API.\n", rn.ID)
					return nil
				}
				if _, err := svc.ApproveMapping(ctx, rn.ID); err != nil {
					return err
				}
				if rn, err = svc.Execute(ctx, rn.ID); err != nil {
					return err
				}
			}

			out, err := json.MarshalIndent(rn, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().String("vendor", "", "Vendor key for the run (required)")
	cmd.Flags().String("kind", string(source.KindFlatFile), "Source kind: flatfile or graphql")
	cmd.Flags().Bool("approve", false, "Approve the drafted mapping spec without review")
	cmd.MarkFlagRequired("vendor")
	return cmd
}

// ---------------------------------------------------------------------------
// discover
// ---------------------------------------------------------------------------

func discoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Run schema discovery against a vendor GraphQL endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			vendor, _ := cmd.Flags().GetString("vendor")
			endpoint, _ := cmd.Flags().GetString("endpoint")
			authHeader, _ := cmd.Flags().GetString("auth-header")
			authValue, _ := cmd.Flags().GetString("auth-value")
			entities, _ := cmd.Flags().GetString("entities")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			if endpoint == "" {
				endpoint = cfg.SourceGraphQLEndpoint
				authHeader = cfg.SourceGraphQLAuthHdr
				authValue = cfg.SourceGraphQLAuthVal
			}
			if endpoint == "" {
				return errors.New("--endpoint or SOURCE_GRAPHQL_ENDPOINT is required")
			}

			docs, err := memory.NewFileDocumentStore(cfg.CacheDir)
			if err != nil {
				return fmt.Errorf("opening cache store: %w", err)
			}
			client := ai.NewDirectClient(ai.DirectConfig{
				APIKey:    cfg.AIAPIKey,
				BaseURL:   cfg.AIBaseURL,
				Model:     cfg.AIModel,
				MaxTokens: cfg.AIMaxTokens,
			}, logger)

			agent := discovery.NewAgent(
				client,
				source.NewHTTPExecutor(endpoint, authHeader, authValue),
				memory.NewStores(docs),
				cfg.ToolLoopMaxIterations,
				logger,
			)

			result, err := agent.Discover(context.Background(), vendor, splitGoals(entities))
			if err != nil {
				return err
			}

			fmt.Printf("Discovery for %s: %d verified quer(ies), from_cache=%t, tool_calls=%d, iterations=%d, tokens=%d\n",
				vendor, len(result.Cache.Queries), result.FromCache, result.ToolCalls, result.Iterations, result.TokensUsed)
			for name := range result.Cache.Queries {
				fmt.Printf("  verified: %s\n", name)
			}
			if result.LimitReached {
				fmt.Println("  note: iteration ceiling reached before all goals were verified")
			}
			return nil
		},
	}
	cmd.Flags().String("vendor", "", "Vendor key (required)")
	cmd.Flags().String("endpoint", "", "GraphQL endpoint URL (default: SOURCE_GRAPHQL_ENDPOINT)")
	cmd.Flags().String("auth-header", "", "Credential header name")
	cmd.Flags().String("auth-value", "", "Credential header value")
	cmd.Flags().String("entities", "", "Comma-separated entity goals, e.g. patients,appointments")
	cmd.MarkFlagRequired("vendor")
	return cmd
}
