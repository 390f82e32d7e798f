// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger initializes the global logger with the given level and output format ("human" or "json").
func InitLogger(level, format string) error {
	return initLogger(os.Stderr, level, format)
}

func initLogger(out io.Writer, level, format string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	base := zerolog.New(out).With().Timestamp().Logger()

	switch strings.ToLower(format) {
	case "", "human":
		log.Logger = base.Output(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339Nano,
		})
	case "json":
		log.Logger = base
	default:
		return errors.Errorf("unknown log format %q", format)
	}

	zerolog.SetGlobalLevel(lvl)

	return nil
}

// ParseLevel returns the zerolog level for name, info if name is empty.
func ParseLevel(name string) (zerolog.Level, error) {
	if name == "" {
		return zerolog.InfoLevel, nil
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil {
		return zerolog.NoLevel, errors.Wrapf(err, "parse log level %q", name)
	}

	return lvl, nil
}
