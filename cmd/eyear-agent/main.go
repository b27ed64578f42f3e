package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/skids/eyear/internal/config"
	"github.com/skids/eyear/internal/domain/identity"
	"github.com/skids/eyear/internal/domain/screening"
	"github.com/skids/eyear/internal/platform/auth"
	"github.com/skids/eyear/internal/platform/db"
	"github.com/skids/eyear/internal/platform/offlinecache"
	"github.com/skids/eyear/internal/platform/syncengine"
	"github.com/skids/eyear/internal/platform/syncqueue"
	"github.com/skids/eyear/internal/platform/telemetry"
)

const version = "0.3.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "eyear-agent",
		Short: "On-device screening agent for the SKIDS EYEAR program",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(exportCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger emits JSON in deployment and a console format for local
// development.
func newLogger(dev bool) zerolog.Logger {
	if dev {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return db.Open(cfg.DatabasePath())
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent: local API, offline cache, and background sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the local database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			conn, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer conn.Close()

			count, err := db.Migrate(context.Background(), conn)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) to %s.\n", count, cfg.DatabasePath())
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a single sync cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.IsDev())
			conn, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			if _, err := db.Migrate(cmd.Context(), conn); err != nil {
				return err
			}

			_, _, engine, _ := buildSyncStack(conn, cfg, logger, nil)
			stats, err := engine.RunSyncCycle(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Sync cycle: %d synced, %d retried, %d rejected, unreachable=%v\n",
				stats.Synced, stats.Retried, stats.Rejected, stats.Unreachable)
			return nil
		},
	}
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <result-id>",
		Short: "Print a screening result as a FHIR bundle or HL7 ORU message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid result id %q", args[0])
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			conn, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			if _, err := db.Migrate(cmd.Context(), conn); err != nil {
				return err
			}

			svc, _, _, _ := buildSyncStack(conn, cfg, zerolog.Nop(), nil)
			var doc []byte
			switch format {
			case "fhir":
				doc, err = svc.ExportFHIR(cmd.Context(), id)
			case "hl7":
				doc, err = svc.ExportHL7(cmd.Context(), id)
			default:
				return fmt.Errorf("unknown format %q, want fhir or hl7", format)
			}
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(append(doc, '\n'))
			return err
		},
	}
	cmd.Flags().String("format", "fhir", "Export format: fhir or hl7")
	return cmd
}

// buildSyncStack wires stores, service, and engine over one database handle.
func buildSyncStack(conn *sql.DB, cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Metrics) (*screening.Service, *syncqueue.SQLiteStore, *syncengine.Engine, *syncengine.Coordinator) {
	queue := syncqueue.NewSQLiteStore(conn, syncqueue.Options{
		MaxAttempts: cfg.MaxSyncAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
		ClaimTTL:    cfg.ClaimTTL,
	})
	results := screening.NewSQLiteRepository(conn)
	profiles := identity.NewSQLiteRepository(conn)
	svc := screening.NewService(conn, results, profiles, queue, logger)

	client := syncengine.NewClient(syncengine.ClientConfig{
		BaseURL:  cfg.RemoteAPIURL,
		DeviceID: cfg.DeviceID,
		Secret:   []byte(cfg.DeviceSecret),
		Timeout:  cfg.RequestTimeout,
	})
	engine := syncengine.New(queue, client, svc, metrics, logger, syncengine.Options{
		SyncedRetention: cfg.SyncedRetention,
	})
	coord := syncengine.NewCoordinator(engine, logger, syncengine.CoordinatorOptions{})
	svc.SetNotify(func() { coord.Notify(syncengine.EventItemEnqueued) })
	return svc, queue, engine, coord
}

func runAgent() error {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := newLogger(false)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg.IsDev())

	conn, err := openDatabase(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open local database")
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	applied, err := db.Migrate(ctx, conn)
	if err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}
	if applied > 0 {
		logger.Info().Int("applied", applied).Msg("schema migrations applied")
	}

	metrics := telemetry.New()
	svc, _, _, coord := buildSyncStack(conn, cfg, logger, metrics)

	cache := offlinecache.NewStore(conn, cfg.CacheGeneration)
	purged, err := cache.Activate(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("cache activation failed")
	}
	logger.Info().Str("generation", cfg.CacheGeneration).Int("purged", purged).Msg("offline cache activated")

	proxy := offlinecache.NewProxy(cache, cfg.RemoteAPIURL, cfg.RequestTimeout, metrics, logger)
	proxy.SetNotify(func() { coord.Notify(syncengine.EventConnectivityRestored) })

	coord.Start(ctx)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/metrics", metrics.Handler())

	policy := auth.NewDefaultPolicy()
	jwtMW := auth.JWTMiddleware(auth.JWTConfig{Issuer: "eyear", SigningKey: []byte(cfg.DeviceSecret)})

	apiV1 := e.Group("/api/v1", jwtMW)
	screening.NewHandler(svc, policy).RegisterRoutes(apiV1)

	apiV1.POST("/sync/run", func(c echo.Context) error {
		coord.Notify(syncengine.EventManualTrigger)
		return c.NoContent(http.StatusAccepted)
	}, auth.RequireWrite(policy, auth.ResourceSyncQueue))

	apiV1.GET("/remote/*", proxy.Handler(), auth.RequireRead(policy, auth.ResourceChildProfile))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("agent listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	coord.Wait()
	return nil
}
