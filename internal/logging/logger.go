package logging

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// New returns a structured logger writing to out. Development loggers use
// the human readable console format. An unknown level falls back to info.
func New(out io.Writer, dev bool, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	if dev {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
