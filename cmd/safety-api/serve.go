package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/actor"
	"github.com/drfirst/go-medsafe/internal/api/handlers"
	"github.com/drfirst/go-medsafe/internal/clock"
	"github.com/drfirst/go-medsafe/internal/config"
	"github.com/drfirst/go-medsafe/internal/domain/prescription"
	"github.com/drfirst/go-medsafe/internal/domain/safety"
	"github.com/drfirst/go-medsafe/internal/events"
	"github.com/drfirst/go-medsafe/internal/infrastructure/postgres"
	"github.com/drfirst/go-medsafe/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medsafe/internal/observability/metrics"
	"github.com/drfirst/go-medsafe/internal/observability/tracing"
	"github.com/drfirst/go-medsafe/pkg/circuitbreaker"
	"github.com/drfirst/go-medsafe/pkg/idempotency"
)

func serveCmd() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if migrate && cfg.StorageBackend == config.StoragePostgres {
				if err := migrateUp(cfg.DatabaseURL, logger); err != nil {
					return err
				}
			}
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply database migrations before serving (postgres backend)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	tp, err := tracing.Init(ctx, tracing.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	readiness := map[string]handlers.Pinger{"storage": st.ping}

	var emitter events.Emitter = events.Logger{L: logger}
	if cfg.EventsEnabled {
		producerCfg := redpanda.DefaultProducerConfig()
		producerCfg.Brokers = cfg.KafkaBrokers
		producer, err := redpanda.NewProducer(producerCfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			stats := producer.Stats()
			logger.Info("producer closing",
				zap.Int64("messages_sent", stats.MessagesSent),
				zap.Int64("bytes_sent", stats.BytesSent),
				zap.Int64("errors", stats.ErrorCount))
			_ = producer.Close()
		}()
		logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

		dispatcher, err := events.NewDispatcher(producer, dispatcherConfig(cfg, m), logger)
		if err != nil {
			return err
		}
		// Deferred after the producer so queued events drain before it closes.
		defer dispatcher.Close()

		emitter = dispatcher
		readiness["broker"] = producer
		readiness["dispatcher"] = dispatcher
	}

	clk := clock.New()
	verifier := actor.ContextVerifier{}
	router := handlers.NewRouter(handlers.RouterConfig{
		ServiceName:   serviceName,
		Version:       version,
		Safety:        safety.NewService(st.store, verifier, clk, emitter, m, logger),
		Prescriptions: prescription.NewService(st.store, verifier, clk, emitter, m, logger),
		Inbox:         idempotency.NewInbox(st.store, idempotency.DefaultConfig(), clk, logger),
		Verifier:      actor.NewTokenVerifier(jwtSecret(cfg, logger), cfg.JWTIssuer),
		Metrics:       m,
		Gatherer:      reg,
		Readiness:     readiness,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting safety API",
			zap.String("addr", server.Addr),
			zap.String("storage", cfg.StorageBackend),
			zap.Bool("events", cfg.EventsEnabled))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
	return nil
}

func dispatcherConfig(cfg *config.Config, m *metrics.Metrics) events.DispatcherConfig {
	dc := events.DefaultDispatcherConfig()
	dc.Pool.Workers = cfg.DispatchWorkers
	dc.Pool.QueueSize = cfg.DispatchQueueSize
	dc.Breaker.OnStateChange = func(name string, _, to circuitbreaker.State) {
		m.BreakerState(name, string(to))
	}
	dc.OnDrop = func(events.Event, error) {
		m.EventDropped()
	}
	return dc
}

func migrateUp(databaseURL string, logger *zap.Logger) error {
	migrator, err := postgres.NewMigrator(databaseURL, logger)
	if err != nil {
		return err
	}
	defer func() { _ = migrator.Close() }()
	return migrator.Up()
}
