package telemetry

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func Test_KafkaHeaderCarrier(t *testing.T) {
	assert := assert.New(t)

	original := []kafka.Header{{Key: "source", Value: []byte("ring")}}
	carrier := NewKafkaHeaderCarrier(original)

	assert.Equal("ring", carrier.Get("source"))
	assert.Empty(carrier.Get("missing"))

	carrier.Set("source", "pipe")
	carrier.Set("other", "value")

	assert.Equal("pipe", carrier.Get("source"))
	assert.Equal([]string{"source", "other"}, carrier.Keys())
	assert.Len(carrier.Headers(), 2)

	// The caller headers are untouched
	assert.Equal([]byte("ring"), original[0].Value)
}

func Test_KafkaHeaderCarrierPropagation(t *testing.T) {
	assert := assert.New(t)

	traceID, err := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	assert.NoError(err)
	spanID, err := trace.SpanIDFromHex("0102030405060708")
	assert.NoError(err)

	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	prop := propagation.TraceContext{}

	carrier := NewKafkaHeaderCarrier(nil)
	prop.Inject(ctx, carrier)

	assert.Equal("00-0102030405060708090a0b0c0d0e0f10-0102030405060708-01", carrier.Get("traceparent"))

	extracted := trace.SpanContextFromContext(prop.Extract(context.Background(), NewKafkaHeaderCarrier(carrier.Headers())))
	assert.Equal(traceID, extracted.TraceID())
	assert.Equal(spanID, extracted.SpanID())
}
