// Package logger provides the engine's logging capability: an explicit,
// passed-in value rather than a package-level singleton, per spec.md §9
// ("module-global logger singletons... replace with an explicit logging
// capability passed into the engine").
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// Logger is the capability the scheduler and executors take a dependency
// on. It is a thin wrapper over *slog.Logger so call sites read like
// ordinary structured logging, while construction is free to fan records
// out to several sinks at once.
type Logger struct {
	*slog.Logger
}

// Option configures a Logger at construction time.
type Option func(*options)

type options struct {
	debug   bool
	quiet   bool
	extra   []io.Writer
	handler slog.Handler
}

// WithDebug lowers the minimum level to slog.LevelDebug.
func WithDebug() Option { return func(o *options) { o.debug = true } }

// WithQuiet suppresses the console sink, leaving only any WithWriter
// sinks (typically a per-run log file) active.
func WithQuiet() Option { return func(o *options) { o.quiet = true } }

// WithWriter adds an additional sink — e.g. a step's per-run log file —
// that every record is also written to.
func WithWriter(w io.Writer) Option { return func(o *options) { o.extra = append(o.extra, w) } }

// New builds a Logger whose records fan out to the console (unless
// WithQuiet) and to every writer added via WithWriter, via
// github.com/samber/slog-multi.
func New(opts ...Option) Logger {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	level := slog.LevelInfo
	if o.debug {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	if !o.quiet {
		handlers = append(handlers, slog.NewTextHandler(os.Stderr, handlerOpts))
	}
	for _, w := range o.extra {
		handlers = append(handlers, slog.NewTextHandler(w, handlerOpts))
	}
	if len(handlers) == 0 {
		handlers = append(handlers, slog.NewTextHandler(io.Discard, handlerOpts))
	}

	var handler slog.Handler
	if len(handlers) == 1 {
		handler = handlers[0]
	} else {
		handler = slogmulti.Fanout(handlers...)
	}

	return Logger{Logger: slog.New(handler)}
}

// Discard is a Logger that drops every record; useful as a zero-value-safe
// default in tests that do not care about log output.
var Discard = New(WithQuiet())

// WithStep returns a logger with step and run_id fields attached to every
// subsequent record.
func (l Logger) WithStep(runID, stepName string) Logger {
	return Logger{Logger: l.Logger.With(slog.Group("step", slog.String("run_id", runID), slog.String("name", stepName)))}
}

// contextKey is unexported so only this package can construct one.
type contextKey struct{}

// WithContext attaches l to ctx.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the logger attached to ctx, or Discard if none.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(contextKey{}).(Logger); ok {
		return l
	}
	return Discard
}
