// Package main provides the audit relay entry point.
// Consumes medsafe event topics and writes one structured audit line per event.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/config"
	"github.com/drfirst/go-medsafe/internal/infrastructure/redpanda"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		zap.NewExample().Fatal("logger setup failed", zap.Error(err))
	}
	logger = logger.With(zap.String("service", "audit-relay"))
	defer func() { _ = logger.Sync() }()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	if group := os.Getenv("AUDIT_GROUP_ID"); group != "" {
		consumerCfg.GroupID = group
	}

	audit := logger.Named("audit")
	consumer, err := redpanda.NewConsumer(consumerCfg, auditHandler(audit), logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()
	logger.Info("audit relay started",
		zap.Strings("brokers", consumerCfg.Brokers),
		zap.Strings("topics", consumerCfg.Topics),
		zap.String("group", consumerCfg.GroupID))

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		logger.Warn("consumer stop failed", zap.Error(err))
	}
	stats := consumer.Stats()
	logger.Info("audit relay stopped",
		zap.Int64("messages_read", stats.MessagesRead),
		zap.Int64("errors", stats.ErrorCount))
}

// auditHandler logs each consumed event.
func auditHandler(audit *zap.Logger) redpanda.EventHandler {
	return func(ctx context.Context, msg *redpanda.ConsumedEvent) error {
		e := msg.Event
		audit.Info("event",
			zap.String("event_id", e.ID),
			zap.String("type", string(e.Type)),
			zap.String("aggregate_id", e.AggregateID),
			zap.String("actor", e.Actor),
			zap.Time("occurred_at", e.Timestamp),
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Any("payload", e.Payload),
		)
		return nil
	}
}
