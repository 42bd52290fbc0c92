package redpanda

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceContextRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "produce")
	defer span.End()

	record := &kgo.Record{Topic: TopicPatientEvents, Value: []byte("{}")}
	injectTraceHeaders(ctx, record)
	require.NotEmpty(t, headerCarrier{record: record}.Get("traceparent"))

	msg := toMessage(context.Background(), record)
	got := trace.SpanContextFromContext(msg.Context)
	assert.Equal(t, span.SpanContext().TraceID(), got.TraceID())
	assert.True(t, got.IsRemote())
	assert.Contains(t, msg.Headers, "traceparent")
}

func TestHeaderCarrierSetReplaces(t *testing.T) {
	record := &kgo.Record{}
	c := headerCarrier{record: record}
	c.Set("a", "1")
	c.Set("a", "2")
	c.Set("b", "3")

	assert.Equal(t, "2", c.Get("a"))
	assert.Equal(t, []string{"a", "b"}, c.Keys())
	assert.Empty(t, c.Get("missing"))
}

func TestDefaultTopicConfigs(t *testing.T) {
	names := map[string]bool{}
	for _, cfg := range DefaultTopicConfigs() {
		names[cfg.Name] = true
		assert.Positive(t, cfg.Partitions)
	}
	assert.True(t, names["patient.events"])
	assert.True(t, names["dead.letter"])
}

func TestNewConsumerRequiresHandler(t *testing.T) {
	_, err := NewConsumer(DefaultConsumerConfig(), nil, nil)
	assert.Error(t, err)
}
