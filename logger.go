package wiremux

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is the interface every engine component logs through. Its shape
// matches *slog.Logger's so a caller can bridge in any structured logger
// of their own; the shipped default wraps zerolog instead of slog, as the
// rest of this lineage's services do.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// zerologAdapter satisfies Logger on top of zerolog.Logger, turning the
// args ...any key/value pairs into zerolog's structured fields.
type zerologAdapter struct {
	log zerolog.Logger
}

// defaultLogger returns a console-writer zerolog logger at info level,
// matching the retrieval pack's observability.InitLogger shape.
func defaultLogger() Logger {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"}
	return &zerologAdapter{log: zerolog.New(output).Level(zerolog.InfoLevel).With().Timestamp().Str("component", "wiremux").Logger()}
}

func (l *zerologAdapter) Debug(msg string, args ...any) { l.event(l.log.Debug(), args).Msg(msg) }
func (l *zerologAdapter) Info(msg string, args ...any)  { l.event(l.log.Info(), args).Msg(msg) }
func (l *zerologAdapter) Warn(msg string, args ...any)  { l.event(l.log.Warn(), args).Msg(msg) }
func (l *zerologAdapter) Error(msg string, args ...any) { l.event(l.log.Error(), args).Msg(msg) }

// event folds args, treated as alternating key/value pairs, into e as
// zerolog interface fields; a trailing unpaired key is logged under "extra".
func (l *zerologAdapter) event(e *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, args[i+1])
	}
	if len(args)%2 == 1 {
		e = e.Interface("extra", args[len(args)-1])
	}
	return e
}
