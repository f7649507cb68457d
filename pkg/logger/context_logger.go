package logger

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type fieldsKey struct{}

// requestFields are the correlation ids carried through a signaling request.
type requestFields struct {
	sessionID string
	requestID string
	traceID   string
}

func fieldsFrom(ctx context.Context) requestFields {
	f, _ := ctx.Value(fieldsKey{}).(requestFields)
	return f
}

func withFields(ctx context.Context, update func(*requestFields)) context.Context {
	f := fieldsFrom(ctx)
	update(&f)
	return context.WithValue(ctx, fieldsKey{}, f)
}

func WithSessionID(ctx context.Context, id string) context.Context {
	return withFields(ctx, func(f *requestFields) { f.sessionID = id })
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return withFields(ctx, func(f *requestFields) { f.requestID = id })
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return withFields(ctx, func(f *requestFields) { f.traceID = id })
}

func SessionIDFromContext(ctx context.Context) string {
	return fieldsFrom(ctx).sessionID
}

// ContextLogger adds the correlation ids found in a context to every entry.
type ContextLogger struct {
	logger *zap.Logger
}

func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

func (cl *ContextLogger) For(ctx context.Context) *zap.Logger {
	f := fieldsFrom(ctx)
	fields := make([]zap.Field, 0, 3)
	if f.sessionID != "" {
		fields = append(fields, zap.String("session_id", f.sessionID))
	}
	if f.requestID != "" {
		fields = append(fields, zap.String("request_id", f.requestID))
	}
	if f.traceID != "" {
		fields = append(fields, zap.String("trace_id", f.traceID))
	}
	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

func (cl *ContextLogger) Sugar(ctx context.Context) *zap.SugaredLogger {
	return cl.For(ctx).Sugar()
}

// LogRequest writes one entry per signaling request: debug when it
// succeeded, warn otherwise.
func (cl *ContextLogger) LogRequest(ctx context.Context, method, code string, elapsed time.Duration) {
	l := cl.For(ctx)
	fields := []zap.Field{
		zap.String("method", method),
		zap.String("code", code),
		zap.Duration("elapsed", elapsed),
	}
	if code == "OK" {
		l.Debug("Signal request", fields...)
		return
	}
	l.Warn("Signal request failed", fields...)
}
