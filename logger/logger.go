package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger. Format is "json" or "console".
// Log output is duplicated into the broadcaster so the admin UI can stream it.
func Init(level, format string) {
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)
	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = os.Stdout
	if format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(output, GetBroadcaster())).
		With().
		Timestamp().
		Logger()

	log.Info().
		Str("level", logLevel.String()).
		Str("format", format).
		Msg("logger initialized")
}

// New returns a child logger tagged with a component name.
func New(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
