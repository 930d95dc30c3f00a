package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medshare/medshare/internal/config"
	"github.com/medshare/medshare/internal/domain/access"
	"github.com/medshare/medshare/internal/domain/appointment"
	"github.com/medshare/medshare/internal/domain/sharing"
	"github.com/medshare/medshare/internal/domain/workflow"
	"github.com/medshare/medshare/internal/platform/blobstore"
	"github.com/medshare/medshare/internal/platform/db"
	"github.com/medshare/medshare/internal/platform/metrics"
	"github.com/medshare/medshare/internal/platform/notification"
	"github.com/medshare/medshare/internal/platform/recordstore"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "medshare-server",
		Short: "Medical record access-request and sharing API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator, schema string) error) error {
		schema, _ := cmd.Flags().GetString("schema")
		dir, _ := cmd.Flags().GetString("dir")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if schema == "" {
			schema = cfg.DBSchema
		}

		ctx := context.Background()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, "", cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()

		return fn(ctx, db.NewMigrator(pool, dir), schema)
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				fmt.Printf("Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				fmt.Printf("Migration status for schema: %s\n", schema)
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					state, at := "pending", "-"
					if s.Applied {
						state = "applied"
						at = s.AppliedAt.Format(time.RFC3339)
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, state, at)
				}
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "", "Target schema for migrations (defaults to DB_SCHEMA)")
		c.Flags().String("dir", "./migrations", "Path to migrations directory")
		cmd.AddCommand(c)
	}
	return cmd
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	m := metrics.New()
	m.RegisterGaugeFunc("medshare_db_pool_acquired_conns", "Connections currently acquired from the pool.",
		func() float64 { return float64(pool.Stat().AcquiredConns()) })
	m.RegisterGaugeFunc("medshare_db_pool_total_conns", "Connections currently open in the pool.",
		func() float64 { return float64(pool.Stat().TotalConns()) })

	blobs, err := blobstore.NewOSStore(cfg.BlobDir, cfg.MaxUploadBytes)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.BlobDir).Msg("failed to open blob store")
	}

	tx := db.NewTransactor(pool)
	notifier := notification.NewNotifier(notification.NewTemplateEngine(), notification.NewPGOutbox(pool), m,
		logger.With().Str("component", "notification").Logger())

	limiter := access.NewEmergencyLimiter(cfg.EmergencyPerHour)
	go limiter.Run(ctx, 10*time.Minute)

	ledger := access.NewLedger(access.NewRequestRepoPG(pool), access.NewGrantRepoPG(pool), tx,
		access.WithNotifier(notifier),
		access.WithMetrics(m),
		access.WithLogger(logger.With().Str("component", "access").Logger()),
		access.WithEmergencyTTL(cfg.EmergencyGrantTTL),
		access.WithEmergencyLimiter(limiter),
		access.WithPageSize(cfg.PageSize),
	)
	sharingLog := sharing.NewLog(sharing.NewTransactionRepoPG(pool), sharing.NewRecordRequestRepoPG(pool), blobs, tx,
		sharing.WithNotifier(notifier),
		sharing.WithMetrics(m),
		sharing.WithLogger(logger.With().Str("component", "sharing").Logger()),
		sharing.WithPageSize(cfg.PageSize),
	)
	records := recordstore.New(cfg.RecordStoreURL, cfg.RecordStoreTimeout)

	workflowSvc := workflow.NewService(ledger, access.NewEvaluator(ledger), sharingLog, records,
		logger.With().Str("component", "workflow").Logger())
	appointmentSvc := appointment.NewService(appointment.NewRepoPG(pool),
		logger.With().Str("component", "appointment").Logger())

	e, err := newServer(serverDeps{
		cfg:           cfg,
		logger:        logger,
		metrics:       m,
		workflow:      workflow.NewHandler(workflowSvc, blobs),
		appointments:  appointment.NewHandler(appointmentSvc),
		notifications: notification.NewHandler(notifier),
		dbHealth:      db.HealthHandler(pool),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", cfg.AuthMode()).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
