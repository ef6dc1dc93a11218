// Package idempotency provides the Inbox pattern for replaying the first
// result of a request retried under the same idempotency key.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/clock"
	"github.com/drfirst/go-medsafe/internal/domain"
	"github.com/drfirst/go-medsafe/internal/storage/kv"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
)

// Entry is the stored record for one idempotency key.
type Entry struct {
	Key         string          `json:"key"`
	HandlerName string          `json:"handler_name"`
	Status      Status          `json:"status"`
	PayloadHash string          `json:"payload_hash"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Config holds configuration for the inbox
type Config struct {
	// TTL is how long a finished entry is replayed.
	TTL time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned.
	RecoveryTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TTL:             24 * time.Hour,
		RecoveryTimeout: time.Minute,
	}
}

var (
	// ErrInProgress indicates the key is being processed by another request.
	ErrInProgress = errors.New("request with this idempotency key is in progress")
	// ErrKeyReused indicates the key was first used with a different payload.
	ErrKeyReused = errors.New("idempotency key reused with a different payload")
)

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	Replayed     bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// Inbox records idempotency keys in the KV store.
type Inbox struct {
	store  kv.Store
	config Config
	clock  clock.Clock
	logger *zap.Logger
	tracer trace.Tracer
}

// NewInbox creates a new inbox over store.
func NewInbox(store kv.Store, cfg Config, clk clock.Clock, logger *zap.Logger) *Inbox {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	return &Inbox{
		store:  store,
		config: cfg,
		clock:  clk,
		logger: logger,
		tracer: otel.Tracer("inbox"),
	}
}

func entryKey(key string) kv.Key {
	return kv.NewKey("idempotency", key)
}

// Process runs fn at most once per key while the entry is live. A finished
// key replays its stored result. Domain failures release the key so that a
// retry re-evaluates the request; other failures leave it recoverable.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	hash := payloadHash(payload)

	var (
		replay    *Entry
		recovered bool
	)
	err := i.store.Update(ctx, func(tx kv.Tx) error {
		now := i.clock.Now()

		var entry Entry
		found, err := tx.Get(entryKey(key), &entry)
		if err != nil {
			return err
		}
		if found && now.After(entry.ExpiresAt) {
			found = false
		}

		if found {
			if entry.PayloadHash != hash {
				return ErrKeyReused
			}
			switch entry.Status {
			case StatusFinished:
				replay = &entry
				return nil
			case StatusStarted:
				if now.Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
					return ErrInProgress
				}
				recovered = true
			case StatusRecoverable:
				recovered = true
			}
		}

		created := now
		if found {
			created = entry.CreatedAt
		}
		return tx.Set(entryKey(key), Entry{
			Key:         key,
			HandlerName: handlerName,
			Status:      StatusStarted,
			PayloadHash: hash,
			CreatedAt:   created,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(i.config.TTL),
		})
	})
	if err != nil {
		if !errors.Is(err, ErrInProgress) && !errors.Is(err, ErrKeyReused) {
			err = fmt.Errorf("failed to check inbox: %w", err)
		}
		span.RecordError(err)
		return nil, err
	}

	if replay != nil {
		span.SetAttributes(attribute.Bool("duplicate", true))
		return &ProcessResult{Replayed: true, Result: replay.Result}, nil
	}
	span.SetAttributes(attribute.Bool("recovered", recovered))

	result, handlerErr := fn(ctx)
	if handlerErr != nil {
		span.RecordError(handlerErr)
		if err := i.fail(ctx, key, handlerErr); err != nil {
			i.logger.Error("failed to mark error status", zap.String("idempotency_key", key), zap.Error(err))
		}
		return nil, handlerErr
	}

	if err := i.finish(ctx, key, result); err != nil {
		// The handler succeeded; a retry will run it again once the entry goes stale.
		i.logger.Error("failed to mark finished", zap.String("idempotency_key", key), zap.Error(err))
	}

	return &ProcessResult{WasRecovered: recovered, Result: result}, nil
}

// Get returns the live entry for key.
func (i *Inbox) Get(ctx context.Context, key string) (*Entry, bool, error) {
	var entry Entry
	var found bool
	err := i.store.View(ctx, func(tx kv.Tx) error {
		var err error
		found, err = tx.Get(entryKey(key), &entry)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if !found || i.clock.Now().After(entry.ExpiresAt) {
		return nil, false, nil
	}
	return &entry, true, nil
}

func (i *Inbox) finish(ctx context.Context, key string, result json.RawMessage) error {
	return i.update(ctx, key, func(e *Entry) {
		e.Status = StatusFinished
		e.Result = result
	})
}

func (i *Inbox) fail(ctx context.Context, key string, handlerErr error) error {
	if isTerminalError(handlerErr) {
		return i.store.Update(ctx, func(tx kv.Tx) error {
			return tx.Remove(entryKey(key))
		})
	}
	return i.update(ctx, key, func(e *Entry) {
		e.Status = StatusRecoverable
		e.Error = handlerErr.Error()
	})
}

func (i *Inbox) update(ctx context.Context, key string, fn func(e *Entry)) error {
	return i.store.Update(ctx, func(tx kv.Tx) error {
		var entry Entry
		found, err := tx.Get(entryKey(key), &entry)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		fn(&entry)
		entry.UpdatedAt = i.clock.Now()
		return tx.Set(entryKey(key), entry)
	})
}

// isTerminalError reports whether err is a domain rejection that a retry
// of the same request would reproduce.
func isTerminalError(err error) bool {
	return domain.Code(err) != ""
}

// GenerateKey creates a deterministic idempotency key from request components.
// Each part is length-prefixed so distinct splits never hash alike.
func GenerateKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%d:%s", len(p), p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func payloadHash(payload json.RawMessage) string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		compact.Reset()
		compact.Write(payload)
	}
	hash := sha256.Sum256(compact.Bytes())
	return hex.EncodeToString(hash[:])
}
