// Package logger holds the process-wide zerolog logger. Level and format
// come from config (LOG_LEVEL / LOG_FORMAT), not read here, so there is one
// place defaults live.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

var Logger zerolog.Logger

// Init configures the global logger. level is a zerolog level name
// (defaults to "info" when empty or unparseable); format is "json" or
// "console" (defaults to "json").
func Init(level, format string) {
	InitWithWriter(os.Stdout, level, format)
}

func InitWithWriter(w io.Writer, level, format string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if format == "console" {
		base = zerolog.New(zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		})
	} else {
		base = zerolog.New(w)
	}

	Logger = base.With().Timestamp().Logger().Level(lvl)
	zlog.Logger = Logger
}
