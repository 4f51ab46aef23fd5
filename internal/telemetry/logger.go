// Package telemetry provides observability for the coordination layer:
// structured logging with correlation IDs and Prometheus metrics exported
// as a textfile (there is no long-lived process to scrape).
package telemetry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// NewLogger creates a structured JSON logger.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}

// NewPipelineLogger tees log output to both w and the pipeline journal
// file, creating it on first use. The journal gives external monitors a
// single file to tail.
func NewPipelineLogger(w io.Writer, journalPath string, level slog.Level) (*slog.Logger, func() error) {
	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return NewLogger(w, level), func() error { return nil }
	}
	if w == nil {
		w = os.Stderr
	}
	return NewLogger(io.MultiWriter(w, f), level), f.Close
}

// WithCorrelationID adds a correlation ID to the context.
// If id is empty, a new random one is generated.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		b := make([]byte, 16)
		_, _ = rand.Read(b)
		id = hex.EncodeToString(b)
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID retrieves the correlation ID from context.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// OperationLogger returns a logger with operation-scoped fields.
func OperationLogger(logger *slog.Logger, ctx context.Context, op string) *slog.Logger {
	attrs := []any{
		slog.String("op", op),
	}
	if id := CorrelationID(ctx); id != "" {
		attrs = append(attrs, slog.String("correlation_id", id))
	}
	return logger.With(attrs...)
}
