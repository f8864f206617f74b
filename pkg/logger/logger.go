package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
)

var ctxKey = loggerKey{}

type loggerKey struct{}

type handler int

const (
	JSONHandler handler = iota
	TextHandler
	DevHandler
)

const DefaultLevel = slog.LevelInfo

type Opt func(o *opts)

type opts struct {
	writer  io.Writer
	level   slog.Level
	handler handler
}

func WithLevel(lvl slog.Level) Opt {
	return func(o *opts) {
		o.level = lvl
	}
}

func WithWriter(w io.Writer) Opt {
	return func(o *opts) {
		o.writer = w
	}
}

func WithHandler(h handler) Opt {
	return func(o *opts) {
		o.handler = h
	}
}

// New returns a logger configured from the given options.  The handler and
// level default from the LOG_HANDLER and LOG_LEVEL environment variables.
func New(options ...Opt) *slog.Logger {
	h := DevHandler
	switch strings.ToLower(os.Getenv("LOG_HANDLER")) {
	case "json":
		h = JSONHandler
	case "txt", "text":
		h = TextHandler
	case "dev":
		h = DevHandler
	}

	o := &opts{
		level:   Level(os.Getenv("LOG_LEVEL")),
		writer:  os.Stderr,
		handler: h,
	}
	for _, apply := range options {
		apply(o)
	}

	switch o.handler {
	case DevHandler:
		return slog.New(tint.NewHandler(o.writer, &tint.Options{
			Level:      o.level,
			TimeFormat: "[15:04:05.000]", // millisecond
		}))
	case TextHandler:
		return slog.New(slog.NewTextHandler(o.writer, &slog.HandlerOptions{
			Level: o.level,
		}))
	default:
		return slog.New(slog.NewJSONHandler(o.writer, &slog.HandlerOptions{
			Level: o.level,
		}))
	}
}

// Discard returns a logger that drops everything.  Used as the default in
// test-facing configuration so harness output stays quiet unless asked for.
func Discard() *slog.Logger {
	return New(WithWriter(io.Discard))
}

// From returns the logger stored in ctx, or a new logger if none is stored.
func From(ctx context.Context, options ...Opt) *slog.Logger {
	if l, ok := ctx.Value(ctxKey).(*slog.Logger); ok {
		return l
	}
	return New(options...)
}

// With stores the logger in the returned context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey, l)
}

// Level parses a level name, defaulting to DefaultLevel for anything
// unrecognized.
func Level(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return DefaultLevel
	}
}
