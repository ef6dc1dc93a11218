package redis

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medsafe/internal/storage/kv"
)

func TestKeyNamespacing(t *testing.T) {
	s := NewKVStore(nil, Config{Prefix: "test:"}, nil)
	assert.Equal(t, "test:interaction/pair/a%2Fb/c", s.redisKey(kv.NewKey("interaction", "pair", "a/b", "c")))
	assert.Equal(t, "test:lock", s.lockKey())
	assert.Equal(t, DefaultConfig().LockTTL, s.config.LockTTL)
}

func TestBufferedWritesShadowReads(t *testing.T) {
	s := NewKVStore(nil, Config{Prefix: "test:"}, nil)
	tx := newBufferedTx(context.Background(), s, false)
	key := kv.NewKey("medication", "00056-0172")

	require.NoError(t, tx.Set(key, map[string]string{"code": "00056-0172"}))
	var got map[string]string
	found, err := tx.Get(key, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "00056-0172", got["code"])

	require.NoError(t, tx.Remove(key))
	found, err = tx.Has(key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReadOnlyTx(t *testing.T) {
	s := NewKVStore(nil, Config{}, nil)
	tx := newBufferedTx(context.Background(), s, true)
	assert.ErrorIs(t, tx.Set(kv.NewKey("a"), 1), kv.ErrReadOnly)
	assert.ErrorIs(t, tx.Remove(kv.NewKey("a")), kv.ErrReadOnly)
}

// TestKVStore runs against a live server when TEST_REDIS_URL is set.
func TestKVStore(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()

	client, err := Connect(ctx, url)
	require.NoError(t, err)
	defer client.Close()

	prefix := "medsafe-test-" + time.Now().Format("150405.000") + ":"
	store := NewKVStore(client, Config{Prefix: prefix}, nil)
	key := kv.NewKey("counter")

	for want := uint64(0); want < 3; want++ {
		var got uint64
		require.NoError(t, store.Update(ctx, func(tx kv.Tx) error {
			var err error
			got, err = kv.Increment(tx, key)
			return err
		}))
		assert.Equal(t, want, got)
	}

	err = store.Update(ctx, func(tx kv.Tx) error {
		require.NoError(t, tx.Set(kv.NewKey("discarded"), "x"))
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	_, err = client.Get(ctx, prefix+"discarded").Result()
	assert.ErrorIs(t, err, goredis.Nil)

	_, err = client.Get(ctx, prefix+"lock").Result()
	assert.ErrorIs(t, err, goredis.Nil, "lock released")
}
