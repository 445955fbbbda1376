// Package main is the pharmacy service entry point: the HTTP API plus, when
// a broker is configured, the dispense command consumer.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcore/internal/api"
	"github.com/drfirst/go-rxcore/internal/config"
	"github.com/drfirst/go-rxcore/internal/dispatch"
	"github.com/drfirst/go-rxcore/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxcore/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxcore/internal/infrastructure/sqlite"
	"github.com/drfirst/go-rxcore/internal/lifecycle"
	"github.com/drfirst/go-rxcore/internal/observability/logging"
	"github.com/drfirst/go-rxcore/internal/observability/metrics"
	"github.com/drfirst/go-rxcore/internal/observability/tracing"
	"github.com/drfirst/go-rxcore/pkg/circuitbreaker"
	"github.com/drfirst/go-rxcore/pkg/idempotency"
)

const serviceName = "pharmacy-api"

func main() {
	rootCmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Prescription lifecycle service",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(serveCmd(), migrateCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the dispense consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the journal, outbox and inbox tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			pool, err := postgres.Connect(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: serviceName})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// closers run in reverse order on shutdown.
type closers []func(context.Context)

func (c *closers) add(fn func(context.Context)) { *c = append(*c, fn) }

func (c closers) run(ctx context.Context) {
	for i := len(c) - 1; i >= 0; i-- {
		c[i](ctx)
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	var cleanup closers
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		cleanup.run(shutdownCtx)
	}()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.Environment = cfg.Env
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	cleanup.add(func(ctx context.Context) { _ = tp.Shutdown(ctx) })

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	breakers := circuitbreaker.NewManager(logger.Named("breaker"))

	deps := lifecycle.Deps{Metrics: m}
	var inboxStore idempotency.Store = idempotency.NewMemoryStore(nil)
	var journal *postgres.Journal

	if cfg.DatabaseURL != "" {
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		cleanup.add(func(context.Context) { pool.Close() })
		if err := postgres.Migrate(ctx, pool); err != nil {
			return err
		}
		journal, err = wireJournal(&deps, pool, breakers, logger)
		if err != nil {
			return err
		}
		inboxStore = idempotency.NewPostgresStore(pool)
		logger.Info("durable journal enabled")
	}

	ecfg := lifecycle.DefaultConfig()
	ecfg.StoreTimeout = cfg.StoreTimeout
	ecfg.LowStockThreshold = cfg.LowStockThreshold
	engine := lifecycle.New(ecfg, deps, logger.Named("lifecycle"))

	if cfg.SnapshotPath != "" {
		store, err := sqlite.Open(ctx, cfg.SnapshotPath)
		if err != nil {
			return err
		}
		cleanup.add(func(context.Context) { _ = store.Close() })
		if err := engine.Hydrate(ctx, store); err != nil {
			return err
		}
		if journal != nil {
			if err := engine.CatchUp(ctx, journal); err != nil {
				return err
			}
		}
		checkpointer := lifecycle.NewCheckpointer(engine, store, lifecycle.CheckpointerConfig{
			Interval: cfg.SnapshotInterval,
			Timeout:  10 * time.Second,
		}, logger.Named("checkpoint"))
		checkpointer.Start(ctx)
		cleanup.add(func(ctx context.Context) {
			if err := checkpointer.Stop(ctx); err != nil {
				logger.Error("final checkpoint failed", zap.Error(err))
			}
		})
		logger.Info("snapshots enabled", zap.String("path", store.Path()))
	}

	inbox := idempotency.NewInbox(inboxStore, idempotency.DefaultConfig(), logger.Named("inbox"))
	inbox.StartCleanup()
	cleanup.add(func(context.Context) { inbox.Stop() })

	if brokers := cfg.Brokers(); len(brokers) > 0 {
		if err := startConsumer(ctx, cfg, brokers, engine, inbox, m, logger, &cleanup); err != nil {
			return err
		}
	}

	keys, err := cfg.APIKeyMap()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		logger.Warn("API_KEYS is empty, the API is unauthenticated")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(api.RouterConfig{APIKeys: keys}, engine, breakers, m, logger.Named("http")),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting pharmacy API", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	return nil
}

func wireJournal(deps *lifecycle.Deps, pool *pgxpool.Pool, breakers *circuitbreaker.Manager, logger *zap.Logger) (*postgres.Journal, error) {
	journal := postgres.NewJournal(pool, postgres.JournalConfig{
		AuditTopic:    redpanda.TopicPrescriptionAudit,
		MovementTopic: redpanda.TopicStockMovements,
	}, logger.Named("journal"))

	auditCB, err := breakers.GetOrCreate("audit-journal", circuitbreaker.DefaultConfig("audit-journal"))
	if err != nil {
		return nil, err
	}
	stockCB, err := breakers.GetOrCreate("stock-journal", circuitbreaker.DefaultConfig("stock-journal"))
	if err != nil {
		return nil, err
	}
	deps.AuditSink = lifecycle.GuardAudit(journal, auditCB)
	deps.StockJournal = lifecycle.GuardStock(journal, stockCB)
	return journal, nil
}

func startConsumer(ctx context.Context, cfg *config.Config, brokers []string, engine *lifecycle.Engine,
	inbox *idempotency.Inbox, m *metrics.Metrics, logger *zap.Logger, cleanup *closers) error {
	admin, err := redpanda.NewAdmin(brokers, logger.Named("admin"))
	if err != nil {
		return err
	}
	err = admin.EnsureTopics(ctx)
	admin.Close()
	if err != nil {
		return fmt.Errorf("ensure topics: %w", err)
	}

	producer, err := redpanda.NewProducer(redpanda.DefaultProducerConfig(brokers), m, logger.Named("producer"))
	if err != nil {
		return err
	}
	cleanup.add(func(ctx context.Context) {
		_ = producer.Flush(ctx)
		producer.Close()
	})

	dcfg := dispatch.DefaultConfig()
	dcfg.Pool.Workers = cfg.Workers
	dispatcher, err := dispatch.New(dcfg, engine, inbox, producer, logger.Named("dispatch"))
	if err != nil {
		return err
	}
	dispatcher.Start()
	cleanup.add(func(context.Context) {
		if err := dispatcher.Stop(); err != nil {
			logger.Error("dispatcher stop", zap.Error(err))
		}
	})

	consumer, err := redpanda.NewConsumer(redpanda.DefaultConsumerConfig(brokers, cfg.ConsumerGroup),
		dispatcher.Handle, m, logger.Named("consumer"))
	if err != nil {
		return err
	}
	consumer.Start()
	cleanup.add(func(context.Context) { consumer.Stop() })

	logger.Info("dispense consumer started",
		zap.Strings("brokers", brokers),
		zap.String("group", cfg.ConsumerGroup))
	return nil
}
