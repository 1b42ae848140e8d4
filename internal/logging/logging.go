// Package logging sets up the process-wide zerolog logger and hands out
// per-component child loggers, grounded on the teacher's internal/logger
// package.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the process-wide base logger, set up by Initialize.
var Log zerolog.Logger

// Initialize configures the global zerolog logger. pretty selects a
// human-readable console writer for local development; otherwise logs are
// newline-delimited JSON, the default for production deployments.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "helene").Logger()
	Log.Info().Str("level", logLevel.String()).Bool("pretty", pretty).Msg("logger initialized")
}

func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// Per-subsystem child loggers, one per major package in this repo.
func Session() *zerolog.Logger   { return component("session") }
func Dispatch() *zerolog.Logger  { return component("dispatch") }
func Transport() *zerolog.Logger { return component("transport") }
func Cluster() *zerolog.Logger   { return component("cluster") }
func Presence() *zerolog.Logger  { return component("presence") }
func Scheduler() *zerolog.Logger { return component("scheduler") }
func Client() *zerolog.Logger    { return component("client") }
