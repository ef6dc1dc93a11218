// Package redis provides the Redis storage backend.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/storage/kv"
)

// ErrLockTimeout is returned when the update lock cannot be taken before
// the context ends.
var ErrLockTimeout = errors.New("redis: update lock not acquired")

// Config holds store configuration
type Config struct {
	// Prefix namespaces every key the store writes
	Prefix string
	// LockTTL bounds how long a crashed writer can hold the update lock
	LockTTL time.Duration
	// LockRetry is the delay between lock attempts
	LockRetry time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Prefix:    "medsafe:",
		LockTTL:   10 * time.Second,
		LockRetry: 5 * time.Millisecond,
	}
}

// releaseScript deletes the lock only if this writer still owns it.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// KVStore implements kv.Store on Redis. Updates are serialized by a
// single lock key; writes are buffered and committed in one MULTI/EXEC.
type KVStore struct {
	client goredis.UniversalClient
	config Config
	logger *zap.Logger
}

// Connect parses a redis:// URL and verifies the connection.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewKVStore creates a store on client.
func NewKVStore(client goredis.UniversalClient, cfg Config, logger *zap.Logger) *KVStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.LockRetry <= 0 {
		cfg.LockRetry = def.LockRetry
	}
	return &KVStore{client: client, config: cfg, logger: logger}
}

func (s *KVStore) redisKey(key kv.Key) string {
	return s.config.Prefix + key.String()
}

func (s *KVStore) lockKey() string {
	return s.config.Prefix + "lock"
}

// Update implements kv.Store.
func (s *KVStore) Update(ctx context.Context, fn func(tx kv.Tx) error) error {
	token, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer s.unlock(token)

	tx := newBufferedTx(ctx, s, false)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// View implements kv.Store. Reads are not isolated from a concurrent
// commit.
func (s *KVStore) View(ctx context.Context, fn func(tx kv.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(newBufferedTx(ctx, s, true))
}

// Ping checks connectivity.
func (s *KVStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *KVStore) lock(ctx context.Context) (string, error) {
	token := uuid.New().String()
	for {
		ok, err := s.client.SetNX(ctx, s.lockKey(), token, s.config.LockTTL).Result()
		if err != nil {
			return "", fmt.Errorf("acquire update lock: %w", err)
		}
		if ok {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %w", ErrLockTimeout, ctx.Err())
		case <-time.After(s.config.LockRetry):
		}
	}
}

func (s *KVStore) unlock(token string) {
	// the request context may already be done; the lock must still go
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, s.client, []string{s.lockKey()}, token).Err(); err != nil {
		s.logger.Warn("failed to release update lock", zap.Error(err))
	}
}

// bufferedTx reads through to Redis and holds writes until commit.
type bufferedTx struct {
	ctx      context.Context
	store    *KVStore
	readOnly bool
	writes   map[string][]byte
	deletes  map[string]struct{}
	order    []string
}

func newBufferedTx(ctx context.Context, s *KVStore, readOnly bool) *bufferedTx {
	return &bufferedTx{
		ctx:      ctx,
		store:    s,
		readOnly: readOnly,
		writes:   make(map[string][]byte),
		deletes:  make(map[string]struct{}),
	}
}

func (t *bufferedTx) read(key kv.Key) ([]byte, bool, error) {
	k := t.store.redisKey(key)
	if data, ok := t.writes[k]; ok {
		return data, true, nil
	}
	if _, ok := t.deletes[k]; ok {
		return nil, false, nil
	}
	data, err := t.store.client.Get(t.ctx, k).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return data, true, nil
}

func (t *bufferedTx) Get(key kv.Key, dst any) (bool, error) {
	data, found, err := t.read(key)
	if err != nil || !found {
		return false, err
	}
	if err := kv.Decode(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (t *bufferedTx) Set(key kv.Key, value any) error {
	if t.readOnly {
		return kv.ErrReadOnly
	}
	data, err := kv.Encode(value)
	if err != nil {
		return err
	}
	k := t.store.redisKey(key)
	delete(t.deletes, k)
	if _, ok := t.writes[k]; !ok {
		t.order = append(t.order, k)
	}
	t.writes[k] = data
	return nil
}

func (t *bufferedTx) Has(key kv.Key) (bool, error) {
	_, found, err := t.read(key)
	return found, err
}

func (t *bufferedTx) Remove(key kv.Key) error {
	if t.readOnly {
		return kv.ErrReadOnly
	}
	k := t.store.redisKey(key)
	delete(t.writes, k)
	t.deletes[k] = struct{}{}
	return nil
}

func (t *bufferedTx) commit() error {
	if len(t.writes) == 0 && len(t.deletes) == 0 {
		return nil
	}
	_, err := t.store.client.TxPipelined(t.ctx, func(pipe goredis.Pipeliner) error {
		for _, k := range t.order {
			if data, ok := t.writes[k]; ok {
				pipe.Set(t.ctx, k, data, 0)
			}
		}
		for k := range t.deletes {
			pipe.Del(t.ctx, k)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
