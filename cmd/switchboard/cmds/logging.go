package cmds

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type LogFlags struct {
	Level  string
	Format string
	cmd    *cobra.Command
}

func (f *LogFlags) AddTo(cmd *cobra.Command) {
	f.cmd = cmd
	cmd.PersistentFlags().StringVar(&f.Level, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&f.Format, "log-format", "console", "Log format (console, json)")
}

// Overridden reports whether --log-level or --log-format was set explicitly.
func (f *LogFlags) Overridden() bool {
	if f.cmd == nil {
		return false
	}
	pf := f.cmd.PersistentFlags()
	return pf.Changed("log-level") || pf.Changed("log-format")
}

// InitLogger configures the global zerolog logger.
func InitLogger(level, format string) error {
	zerolog.SetGlobalLevel(parseZerologLevel(level))
	switch strings.ToLower(format) {
	case "", "console":
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	case "json":
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	default:
		return errors.Errorf("unknown log format %q", format)
	}
	return nil
}

// parseZerologLevel converts a string level into zerolog.Level with a safe default
func parseZerologLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}
