// Package logging defines the structured logger seam used throughout
// memora (Debug/Info/Warn/Error/With), backed by github.com/rs/zerolog.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the structured logging seam the facade, snapshot manager, and
// memory manager log through. With returns a derived logger carrying the
// given key/value pairs on every subsequent call.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
	With(keyvals ...any) Logger
}

// zerologLogger adapts a zerolog.Logger to the Logger interface.
type zerologLogger struct {
	z zerolog.Logger
}

// New builds a Logger backed by zerolog, writing human-readable console
// output to w at the given minimum level.
func New(w io.Writer, level zerolog.Level) Logger {
	z := zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}).
		Level(level).
		With().Timestamp().Logger()
	return &zerologLogger{z: z}
}

// Default returns a Logger writing to stderr at info level, the facade's
// zero-value default.
func Default() Logger {
	return New(os.Stderr, zerolog.InfoLevel)
}

// Nop returns a Logger that discards everything, for tests and library
// embedders that don't want console noise.
func Nop() Logger {
	return &zerologLogger{z: zerolog.Nop()}
}

func withFields(e *zerolog.Event, keyvals []any) *zerolog.Event {
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, keyvals[i+1])
	}
	return e
}

func (l *zerologLogger) Debug(msg string, keyvals ...any) {
	withFields(l.z.Debug(), keyvals).Msg(msg)
}

func (l *zerologLogger) Info(msg string, keyvals ...any) {
	withFields(l.z.Info(), keyvals).Msg(msg)
}

func (l *zerologLogger) Warn(msg string, keyvals ...any) {
	withFields(l.z.Warn(), keyvals).Msg(msg)
}

func (l *zerologLogger) Error(msg string, keyvals ...any) {
	withFields(l.z.Error(), keyvals).Msg(msg)
}

func (l *zerologLogger) With(keyvals ...any) Logger {
	ctx := l.z.With()
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		ctx = ctx.Interface(key, keyvals[i+1])
	}
	return &zerologLogger{z: ctx.Logger()}
}
