package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	apperrors "sfusignal/pkg/errors"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func attr(attrs []attribute.KeyValue, key attribute.Key) (string, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value.Emit(), true
		}
	}
	return "", false
}

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNoProvider_NoPanic(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "noop")
	AddSpanAttributes(ctx, attribute.String("k", "v"))
	RecordError(ctx, errors.New("boom"))
	RecordError(ctx, nil)
	span.End()
}

func TestTraceSignalRequest_Recorded(t *testing.T) {
	rec := withRecorder(t)

	ctx, span := TraceSignalRequest(context.Background(), "consume", "sess-1")
	assert.NotEmpty(t, TraceID(ctx))
	RecordError(ctx, apperrors.New(apperrors.ErrCodeCannotConsume, "Cannot Consume"))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "signal.consume", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)

	sid, ok := attr(ended[0].Attributes(), SessionIDKey)
	assert.True(t, ok)
	assert.Equal(t, "sess-1", sid)
	code, ok := attr(ended[0].Attributes(), ErrorCodeKey)
	assert.True(t, ok)
	assert.Equal(t, "CANNOT_CONSUME", code)
}

func TestRecordError_ForeignErrorIsInternal(t *testing.T) {
	rec := withRecorder(t)

	ctx, span := TraceEngineCall(context.Background(), "transport.create", TransportIDKey.String("t1"))
	RecordError(ctx, errors.New("socket closed"))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "engine.transport.create", ended[0].Name())
	code, _ := attr(ended[0].Attributes(), ErrorCodeKey)
	assert.Equal(t, "INTERNAL_ERROR", code)
	op, _ := attr(ended[0].Attributes(), "engine.operation")
	assert.Equal(t, "transport.create", op)
}

func TestTraceID_NoSpan(t *testing.T) {
	assert.Empty(t, TraceID(context.Background()))
}
