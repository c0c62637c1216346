// Package logging sets up the process-wide zerolog logger and provides
// the printf-style helpers the rest of the bridge calls.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// Init configures the global logger's level and output. debug=true enables
// debug-level messages and the on-connect/credential traces that are noisy
// in production.
func Init(debug bool, out io.Writer) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	log = zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func Debugf(format string, args ...interface{}) { log.Debug().Msgf(format, args...) }
func Infof(format string, args ...interface{})  { log.Info().Msgf(format, args...) }
func Warnf(format string, args ...interface{})  { log.Warn().Msgf(format, args...) }
func Errorf(format string, args ...interface{}) { log.Error().Msgf(format, args...) }

// Criticalf logs at error level with a "critical" marker, for conditions
// spec.md calls out as needing operator attention (e.g. long-poll 410).
func Criticalf(format string, args ...interface{}) {
	log.Error().Bool("critical", true).Msgf(format, args...)
}

func Infoln(args ...interface{})  { log.Info().Msg(fmt.Sprint(args...)) }
func Warnln(args ...interface{})  { log.Warn().Msg(fmt.Sprint(args...)) }
func Errorln(args ...interface{}) { log.Error().Msg(fmt.Sprint(args...)) }
