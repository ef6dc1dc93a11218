package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medsafe/internal/clock"
	"github.com/drfirst/go-medsafe/internal/domain"
	"github.com/drfirst/go-medsafe/internal/storage/kv"
)

func newTestInbox() (*Inbox, *clock.Managed) {
	clk := clock.NewManaged(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewInbox(kv.NewMemoryStore(), Config{TTL: time.Hour, RecoveryTimeout: time.Minute}, clk, nil), clk
}

func counting(calls *int, result string) ProcessFunc {
	return func(ctx context.Context) (json.RawMessage, error) {
		*calls++
		return json.RawMessage(result), nil
	}
}

func TestProcessReplaysFinishedResult(t *testing.T) {
	inbox, _ := newTestInbox()
	ctx := context.Background()
	calls := 0

	first, err := inbox.Process(ctx, "k1", "issue", json.RawMessage(`{"a":1}`), counting(&calls, `{"id":0}`))
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.JSONEq(t, `{"id":0}`, string(first.Result))

	second, err := inbox.Process(ctx, "k1", "issue", json.RawMessage(`{ "a": 1 }`), counting(&calls, `{"id":1}`))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.JSONEq(t, `{"id":0}`, string(second.Result))
	assert.Equal(t, 1, calls)
}

func TestProcessRejectsReusedKey(t *testing.T) {
	inbox, _ := newTestInbox()
	ctx := context.Background()
	calls := 0

	_, err := inbox.Process(ctx, "k1", "issue", json.RawMessage(`{"a":1}`), counting(&calls, `{}`))
	require.NoError(t, err)

	_, err = inbox.Process(ctx, "k1", "issue", json.RawMessage(`{"a":2}`), counting(&calls, `{}`))
	assert.ErrorIs(t, err, ErrKeyReused)
	assert.Equal(t, 1, calls)
}

func TestProcessExpiredEntryRunsAgain(t *testing.T) {
	inbox, clk := newTestInbox()
	ctx := context.Background()
	calls := 0

	_, err := inbox.Process(ctx, "k1", "issue", nil, counting(&calls, `{}`))
	require.NoError(t, err)

	clk.WarpForward(2 * time.Hour)
	res, err := inbox.Process(ctx, "k1", "issue", nil, counting(&calls, `{}`))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, 2, calls)
}

func TestProcessInProgress(t *testing.T) {
	inbox, clk := newTestInbox()
	ctx := context.Background()

	blocked := func(ctx context.Context) (json.RawMessage, error) {
		_, err := inbox.Process(ctx, "k1", "issue", nil, counting(new(int), `{}`))
		assert.ErrorIs(t, err, ErrInProgress)

		clk.WarpForward(2 * time.Minute)
		res, err := inbox.Process(ctx, "k1", "issue", nil, counting(new(int), `{"stale":true}`))
		require.NoError(t, err)
		assert.True(t, res.WasRecovered)
		return json.RawMessage(`{}`), nil
	}

	_, err := inbox.Process(ctx, "k1", "issue", nil, blocked)
	require.NoError(t, err)
}

func TestProcessFailures(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantEntry   bool
		wantRecover bool
	}{
		{
			name:      "domain rejection releases the key",
			err:       fmt.Errorf("issue: %w", domain.ErrInvalidPrescription),
			wantEntry: false,
		},
		{
			name:        "infrastructure failure is recoverable",
			err:         errors.New("connection reset"),
			wantEntry:   true,
			wantRecover: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inbox, _ := newTestInbox()
			ctx := context.Background()

			_, err := inbox.Process(ctx, "k1", "issue", nil, func(context.Context) (json.RawMessage, error) {
				return nil, tt.err
			})
			require.ErrorIs(t, err, tt.err)

			entry, found, err := inbox.Get(ctx, "k1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantEntry, found)
			if tt.wantEntry {
				assert.Equal(t, StatusRecoverable, entry.Status)
			}

			calls := 0
			res, err := inbox.Process(ctx, "k1", "issue", nil, counting(&calls, `{}`))
			require.NoError(t, err)
			assert.Equal(t, 1, calls)
			assert.Equal(t, tt.wantRecover, res.WasRecovered)
		})
	}
}

func TestGenerateKey(t *testing.T) {
	a := GenerateKey("dr-1", "rx-7")
	assert.Len(t, a, 64)
	assert.Equal(t, a, GenerateKey("dr-1", "rx-7"))
	assert.NotEqual(t, a, GenerateKey("dr-1", "rx-8"))
	assert.NotEqual(t, a, GenerateKey("dr-1rx-7"))

	// separators inside a part cannot shift the boundary between parts
	assert.NotEqual(t, GenerateKey("a|b", "c"), GenerateKey("a", "b|c"))
	assert.NotEqual(t, GenerateKey("1:a", "b"), GenerateKey("1", "a1:b"))
}
