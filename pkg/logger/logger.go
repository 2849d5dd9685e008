// Package logger installs the process slog logger and threads request and
// build identifiers through context so every log line of one request or one
// index build can be correlated.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey struct{ name string }

var (
	requestIDKey = ctxKey{"request_id"}
	buildIDKey   = ctxKey{"build_id"}
)

// Setup installs a stdout logger. format is "json" or anything else for text;
// level is any name slog understands ("debug", "warn", "info+2"), info when
// it does not parse.
func Setup(level, format string) {
	SetupWriter(os.Stdout, level, format)
}

// SetupWriter is Setup writing to w.
func SetupWriter(w io.Writer, level, format string) {
	slog.SetDefault(slog.New(NewHandler(w, level, format)))
}

// NewHandler builds the handler Setup installs.
func NewHandler(w io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id carried by ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithBuildID tags ctx with the index build it belongs to.
func WithBuildID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, buildIDKey, id)
}

// FromContext returns the default logger annotated with the identifiers ctx
// carries.
func FromContext(ctx context.Context) *slog.Logger {
	l := slog.Default()
	for _, k := range [...]ctxKey{requestIDKey, buildIDKey} {
		if v, ok := ctx.Value(k).(string); ok && v != "" {
			l = l.With(k.name, v)
		}
	}
	return l
}

func WithComponent(component string) *slog.Logger {
	return slog.Default().With("component", component)
}
