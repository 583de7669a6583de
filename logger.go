package scep

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is the small structured-logging capability the client and its
// collaborators use to trace transactions. Callers may supply their own
// implementation; NewClient falls back to a zerolog-backed default,
// matching the corpus's preference for rs/zerolog over a bare stdlib
// logger for anything beyond a one-off binary.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Error(msg string, err error, kv ...any)
}

type zerologLogger struct {
	l zerolog.Logger
}

// NewDefaultLogger returns a Logger backed by zerolog, writing leveled,
// human-readable lines to stderr.
func NewDefaultLogger() Logger {
	return &zerologLogger{l: zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()}
}

func withKV(e *zerolog.Event, kv []any) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	return e
}

func (z *zerologLogger) Debug(msg string, kv ...any) {
	withKV(z.l.Debug(), kv).Msg(msg)
}

func (z *zerologLogger) Info(msg string, kv ...any) {
	withKV(z.l.Info(), kv).Msg(msg)
}

func (z *zerologLogger) Error(msg string, err error, kv ...any) {
	withKV(z.l.Error().Err(err), kv).Msg(msg)
}

// nopLogger discards everything; used when no logger is configured and
// the caller did not ask for the zerolog default (e.g. inside tests).
type nopLogger struct{}

func (nopLogger) Debug(string, ...any)        {}
func (nopLogger) Info(string, ...any)         {}
func (nopLogger) Error(string, error, ...any) {}
