package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/actor"
	"github.com/drfirst/go-medsafe/internal/config"
	"github.com/drfirst/go-medsafe/internal/events"
	"github.com/drfirst/go-medsafe/internal/observability/metrics"
	"github.com/drfirst/go-medsafe/pkg/circuitbreaker"
)

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("ENV", "development")
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("JWT_ISSUER", "medsafe")
}

func TestTokenCommand(t *testing.T) {
	isolateEnv(t)
	t.Setenv("JWT_SECRET", "cli-secret")

	var out bytes.Buffer
	root := rootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--subject", "dr-1", "--ttl", "5m"})
	require.NoError(t, root.Execute())

	subject, err := actor.NewTokenVerifier("cli-secret", "medsafe").Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "dr-1", subject)
}

func TestTokenCommandRequiresSubject(t *testing.T) {
	isolateEnv(t)

	root := rootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"token"})
	assert.Error(t, root.Execute())
}

func TestJWTSecretFallsBackInDevelopment(t *testing.T) {
	assert.Equal(t, devSecret, jwtSecret(&config.Config{}, zap.NewNop()))
	assert.Equal(t, "s", jwtSecret(&config.Config{JWTSecret: "s"}, zap.NewNop()))
}

func TestOpenMemoryStorage(t *testing.T) {
	st, err := openStorage(context.Background(), &config.Config{StorageBackend: config.StorageMemory}, zap.NewNop())
	require.NoError(t, err)
	defer st.close()

	assert.NoError(t, st.ping.Ping(context.Background()))
	assert.NotNil(t, st.store)

	_, err = openStorage(context.Background(), &config.Config{StorageBackend: "etcd"}, zap.NewNop())
	assert.Error(t, err)
}

func TestDispatcherConfigReportsToMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	dc := dispatcherConfig(&config.Config{DispatchWorkers: 2, DispatchQueueSize: 8}, m)

	assert.Equal(t, 2, dc.Pool.Workers)
	assert.Equal(t, 8, dc.Pool.QueueSize)

	dc.Breaker.OnStateChange(events.TopicCatalog, circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	dc.OnDrop(events.Event{}, errors.New("broker down"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues(events.TopicCatalog)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped))
}

func TestCommandTree(t *testing.T) {
	root := rootCmd()
	for _, path := range [][]string{
		{"serve"},
		{"migrate", "up"},
		{"migrate", "down"},
		{"migrate", "version"},
		{"topics", "ensure"},
		{"topics", "list"},
		{"topics", "lag"},
		{"token"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
