// Package postgres provides the PostgreSQL storage backend.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/storage/kv"
)

// updateLockID is the advisory lock every read-write transaction takes.
// Holding it for the whole transaction serializes all updates.
const updateLockID int64 = 0x6d65647361666500

// KVStore implements kv.Store on a single kv_entries table.
type KVStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// Connect opens a connection pool and verifies it.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewKVStore creates a store on pool.
func NewKVStore(pool *pgxpool.Pool, logger *zap.Logger) *KVStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KVStore{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("medsafe.postgres"),
	}
}

// Update implements kv.Store.
func (s *KVStore) Update(ctx context.Context, fn func(tx kv.Tx) error) error {
	return s.run(ctx, "kv.update", pgx.TxOptions{}, false, fn)
}

// View implements kv.Store.
func (s *KVStore) View(ctx context.Context, fn func(tx kv.Tx) error) error {
	return s.run(ctx, "kv.view", pgx.TxOptions{AccessMode: pgx.ReadOnly}, true, fn)
}

func (s *KVStore) run(ctx context.Context, name string, opts pgx.TxOptions, readOnly bool, fn func(tx kv.Tx) error) (err error) {
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if !readOnly {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", updateLockID); err != nil {
			return fmt.Errorf("acquire update lock: %w", err)
		}
	}

	if err := fn(&pgTx{ctx: ctx, tx: tx, readOnly: readOnly}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *KVStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type pgTx struct {
	ctx      context.Context
	tx       pgx.Tx
	readOnly bool
}

func (t *pgTx) Get(key kv.Key, dst any) (bool, error) {
	var data []byte
	err := t.tx.QueryRow(t.ctx, `SELECT value FROM kv_entries WHERE key = $1`, key.String()).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := kv.Decode(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (t *pgTx) Set(key kv.Key, value any) error {
	if t.readOnly {
		return kv.ErrReadOnly
	}
	data, err := kv.Encode(value)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO kv_entries (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`
	if _, err := t.tx.Exec(t.ctx, query, key.String(), data); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (t *pgTx) Has(key kv.Key) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(t.ctx, `SELECT EXISTS (SELECT 1 FROM kv_entries WHERE key = $1)`, key.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has %s: %w", key, err)
	}
	return exists, nil
}

func (t *pgTx) Remove(key kv.Key) error {
	if t.readOnly {
		return kv.ErrReadOnly
	}
	if _, err := t.tx.Exec(t.ctx, `DELETE FROM kv_entries WHERE key = $1`, key.String()); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}
