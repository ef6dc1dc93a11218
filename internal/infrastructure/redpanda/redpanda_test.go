package redpanda

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drfirst/go-medsafe/internal/events"
)

func TestTraceHeadersRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{Topic: events.TopicOverrides}
	injectTraceHeaders(ctx, record)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", recordCarrier{record}.Get("traceparent"))

	got := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	assert.Equal(t, traceID, got.TraceID())
	assert.Equal(t, spanID, got.SpanID())
	assert.True(t, got.IsRemote())
}

func TestRecordCarrierSetReplaces(t *testing.T) {
	record := &kgo.Record{}
	c := recordCarrier{record}
	c.Set("traceparent", "a")
	c.Set("traceparent", "b")
	assert.Equal(t, []string{"traceparent"}, c.Keys())
	assert.Equal(t, "b", c.Get("traceparent"))
	assert.Empty(t, c.Get("missing"))
}

func TestDecodeEvent(t *testing.T) {
	e := events.New(events.PrescriptionDispensed, "3", "pharm-a", map[string]string{"pharmacy": "pharm-a"}, time.Now())
	value, err := json.Marshal(e)
	require.NoError(t, err)

	got, err := DecodeEvent(value)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, events.PrescriptionDispensed, got.Type)

	_, err = DecodeEvent([]byte(`{"type":"x"}`))
	assert.Error(t, err)
	_, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestDefaultTopicConfigsCoverEveryTopic(t *testing.T) {
	var names []string
	for _, cfg := range DefaultTopicConfigs() {
		names = append(names, cfg.Name)
		require.NotNil(t, cfg.Configs["retention.ms"])
		assert.NotEmpty(t, *cfg.Configs["retention.ms"])
		assert.Positive(t, cfg.Partitions)
	}
	assert.ElementsMatch(t, events.AllTopics(), names)
}

func TestProducerConfigOptions(t *testing.T) {
	cfg := DefaultProducerConfig()
	assert.NotEmpty(t, cfg.options())

	cfg.RequiredAcks = 1
	cfg.Compression = "none"
	assert.Len(t, cfg.options(), 5)
}
