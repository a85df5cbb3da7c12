// Command jobq runs the Postgres-backed job queue.
//
// Subcommands:
//
//	worker   — start the worker pool (pickup loop, maintenance, scheduler)
//	migrate  — run pending database migrations and exit
//	enqueue  — enqueue one job request from the command line
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/scarson/jobq/internal/config"
	"github.com/scarson/jobq/internal/job"
	"github.com/scarson/jobq/internal/queue"
	"github.com/scarson/jobq/internal/store"
	"github.com/scarson/jobq/internal/worker"
	"github.com/scarson/jobq/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "jobq",
		Short: "jobq — Postgres-backed job queue and worker pool",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		workerCmd(),
		migrateCmd(),
		enqueueCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// registry builds the process-wide job registry. Applications embedding
// jobq register their own classes here; the binary ships a no-op class so
// a fresh deployment has something to smoke-test with.
func registry() *job.Registry {
	reg := job.NewRegistry()
	reg.MustRegister(&job.Definition{
		Name: "noop",
		Handler: func(_ context.Context, _ json.RawMessage) error {
			return nil
		},
	})
	return reg
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the worker pool",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	w, err := worker.New(store.New(db), registry(), worker.Config{
		Queues:              cfg.Queues,
		MaxConcurrent:       cfg.MaxConcurrent,
		PollInterval:        cfg.PollInterval,
		StatsInterval:       cfg.StatsInterval,
		MaintenanceInterval: cfg.MaintenanceInterval,
		RescueAfter:         cfg.RescueAfter,
		RescueRetry:         cfg.RescueRetry,
		RejectCooldown:      cfg.RejectCooldown,
	})
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	// Ops listener: /healthz + /metrics. Optional; the worker runs fine
	// without it.
	var srv *http.Server
	if cfg.OpsListenAddr != "" {
		r := chi.NewRouter()
		r.Use(chimw.Recoverer)
		r.Get("/healthz", func(rw http.ResponseWriter, req *http.Request) {
			if err := db.Ping(req.Context()); err != nil {
				http.Error(rw, "database unreachable", http.StatusServiceUnavailable)
				return
			}
			rw.WriteHeader(http.StatusOK)
			_, _ = rw.Write([]byte("ok"))
		})
		r.Handle("/metrics", promhttp.Handler())

		srv = &http.Server{ //nolint:exhaustruct
			Addr:              cfg.OpsListenAddr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		go func() {
			slog.Info("ops listener started", "addr", cfg.OpsListenAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				slog.Error("ops listener failed", "error", err)
			}
		}()
	}

	slog.Info("worker starting", "queues", cfg.Queues)
	w.Start(ctx) // blocks until ctx cancelled, then drains in-flight jobs

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
		)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("ops listener shutdown: %w", err)
		}
	}
	return nil
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the
	// same driver is used project-wide. No pooling needed here — this is a
	// one-shot migration run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var (
		queueName string
		priority  int16
		key       string
		retries   int32
		delay     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "enqueue <job_class> [json-args]",
		Short: "Enqueue one job request",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			slog.SetDefault(newLogger(cfg))

			db, err := newPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			var payload any
			if len(args) == 2 {
				payload = json.RawMessage(args[1])
			}

			var opts []queue.Option
			if cmd.Flags().Changed("queue") {
				opts = append(opts, queue.WithQueue(queueName))
			}
			if cmd.Flags().Changed("priority") {
				opts = append(opts, queue.WithPriority(priority))
			}
			if key != "" {
				opts = append(opts, queue.WithConcurrencyKey(key))
			}
			if cmd.Flags().Changed("retries") {
				opts = append(opts, queue.WithRetries(retries))
			}
			if delay > 0 {
				opts = append(opts, queue.WithStartAt(time.Now().Add(delay)))
			}

			client := queue.NewClient(store.New(db), registry(), slog.Default())
			req, err := client.Enqueue(cmd.Context(), args[0], payload, opts...)
			if err != nil {
				return err
			}
			if req == nil {
				slog.Info("enqueue vetoed", "job_class", args[0])
				return nil
			}
			slog.Info("enqueued", "request_id", req.ID, "queue", req.Queue)
			return nil
		},
	}

	cmd.Flags().StringVar(&queueName, "queue", "", "queue name (default: class default)")
	cmd.Flags().Int16Var(&priority, "priority", 0, "priority; higher runs first")
	cmd.Flags().StringVar(&key, "concurrency-key", "", "concurrency grouping key")
	cmd.Flags().Int32Var(&retries, "retries", 0, "retries remaining")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay before the job becomes runnable")
	return cmd
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newPool creates and validates a pgxpool with statement timeout and pool
// sizing applied.
//
// Retries up to 10 times with linear backoff to handle container startup
// races where Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Global per-query statement timeout prevents runaway queries from
	// holding connections indefinitely.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}
	return db, nil
}

// newLogger creates a slog.Logger based on the configured log level and
// format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
