// Package logger provides the structured, context-aware logging shim used
// by every component in the fabric. Shape follows the teacher's own
// Logger interface (tempolite_logger.go): a small set of leveled methods
// plus WithFields, backed by log/slog rather than a bespoke formatter.
package logger

import (
	"context"
	"log/slog"
	"os"

	"github.com/k0kubun/pp/v3"
)

// Logger is the interface every component depends on. Never depend on
// *slog.Logger directly outside this package — it keeps the formatter
// swappable without touching call sites.
type Logger interface {
	Debug(ctx context.Context, msg string, keysAndValues ...any)
	Info(ctx context.Context, msg string, keysAndValues ...any)
	Warn(ctx context.Context, msg string, keysAndValues ...any)
	Error(ctx context.Context, msg string, keysAndValues ...any)
	WithFields(fields map[string]any) Logger
	// Dump pretty-prints a structured value at Debug level, for the
	// occasional "what does this row actually look like" moment during
	// incident response. Uses pp rather than %+v so nested structs and
	// slices stay readable in a terminal.
	Dump(ctx context.Context, label string, v any)
}

type defaultLogger struct {
	logger *slog.Logger
	pp     *pp.PrettyPrinter
}

// Format selects the slog handler. Text is friendlier for local
// development; JSON is what you want behind a log shipper.
type Format int

const (
	TextFormat Format = iota
	JSONFormat
)

func New(level slog.Level, format Format) Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == JSONFormat {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	printer := pp.New()
	printer.SetColoringEnabled(false)
	return &defaultLogger{logger: slog.New(handler), pp: printer}
}

func (l *defaultLogger) Debug(ctx context.Context, msg string, kv ...any) {
	l.logger.DebugContext(ctx, msg, kv...)
}

func (l *defaultLogger) Info(ctx context.Context, msg string, kv ...any) {
	l.logger.InfoContext(ctx, msg, kv...)
}

func (l *defaultLogger) Warn(ctx context.Context, msg string, kv ...any) {
	l.logger.WarnContext(ctx, msg, kv...)
}

func (l *defaultLogger) Error(ctx context.Context, msg string, kv ...any) {
	l.logger.ErrorContext(ctx, msg, kv...)
}

func (l *defaultLogger) WithFields(fields map[string]any) Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &defaultLogger{logger: l.logger.With(args...), pp: l.pp}
}

func (l *defaultLogger) Dump(ctx context.Context, label string, v any) {
	l.logger.DebugContext(ctx, label, "value", l.pp.Sprint(v))
}

// Noop is useful in tests that don't care about log output but still need
// to satisfy the Logger dependency.
func Noop() Logger {
	return New(slog.LevelError+4, TextFormat)
}
