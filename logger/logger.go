package logger

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

var log zerolog.Logger

func init() {
	Configure("console", true)
}

// Configure sets the output format and level. Called once from main
// after the config file is loaded; the init default keeps early
// startup logging readable.
func Configure(format string, verbose bool) {
	var w io.Writer = os.Stdout
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log = zerolog.New(w).With().Timestamp().Logger()
}

func Error(ctx context.Context) *zerolog.Event {
	return log.Error().Stack()
}

func ErrorWith(ctx context.Context, err error) *zerolog.Event {
	return log.Error().Stack().Err(err)
}

func Debug(ctx context.Context) *zerolog.Event {
	return log.Debug()
}

func Info(ctx context.Context) *zerolog.Event {
	return log.Info()
}

func Warn(ctx context.Context) *zerolog.Event {
	return log.Warn()
}
