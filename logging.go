package libmodule

import (
	"fmt"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the context's logging collaborator, grounded on spec.md §3's
// "logger callback" / §6's ctx.set_logger and deliberately scoped to the
// narrow set of calls the loop itself makes (the teacher's logging.go
// Logger interface is far wider; a module-lifecycle framework only ever
// needs leveled, prefixed text).
type Logger interface {
	Debugf(ctx, mod, format string, args ...any)
	Infof(ctx, mod, format string, args ...any)
	Warnf(ctx, mod, format string, args ...any)
	Errorf(ctx, mod string, err error, format string, args ...any)
}

// defaultLogger wraps a [logiface.Logger] over the stumpy backend,
// reproducing original_source/Lib/module.c's default_logger prefix
// format ("[ctx]|mod|: message") as the rendered message text, with
// ctx/mod also attached as structured fields for backends that read
// them (stumpy emits them as JSON).
type defaultLogger struct {
	l logiface.Logger[*stumpy.Event]
}

// NewDefaultLogger builds the framework's built-in [Logger], grounded on
// the teacher's NewDefaultLogger(level) constructor.
func NewDefaultLogger() Logger {
	return &defaultLogger{
		l: stumpy.L.New(
			stumpy.L.WithStumpy(),
		),
	}
}

func prefix(ctx, mod, format string, args []any) string {
	return fmt.Sprintf("[%s]|%s|: "+format, append([]any{ctx, mod}, args...)...)
}

func (d *defaultLogger) Debugf(ctx, mod, format string, args ...any) {
	d.l.Debug().Str(`ctx`, ctx).Str(`mod`, mod).Log(prefix(ctx, mod, format, args))
}

func (d *defaultLogger) Infof(ctx, mod, format string, args ...any) {
	d.l.Info().Str(`ctx`, ctx).Str(`mod`, mod).Log(prefix(ctx, mod, format, args))
}

func (d *defaultLogger) Warnf(ctx, mod, format string, args ...any) {
	d.l.Warning().Str(`ctx`, ctx).Str(`mod`, mod).Log(prefix(ctx, mod, format, args))
}

func (d *defaultLogger) Errorf(ctx, mod string, err error, format string, args ...any) {
	d.l.Err().Str(`ctx`, ctx).Str(`mod`, mod).Err(err).Log(prefix(ctx, mod, format, args))
}

// noopLogger discards every call; the zero value of [Context] uses it
// until [WithLogger] installs a real one.
type noopLogger struct{}

func (noopLogger) Debugf(string, string, string, ...any)        {}
func (noopLogger) Infof(string, string, string, ...any)         {}
func (noopLogger) Warnf(string, string, string, ...any)         {}
func (noopLogger) Errorf(string, string, error, string, ...any) {}
