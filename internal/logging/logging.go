// Package logging sets up the process-wide zerolog logger and, when a DSN is
// configured, Sentry error reporting for fatal initialization failures.
// Adapted from the teacher's cmd/app/main.go setupLogging: console writer in
// development, JSON in production, with the level read from Config.
package logging

import (
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/prebidwatch/crawler/internal/config"
)

// Setup configures the global zerolog logger and returns a component logger
// for the caller, mirroring the teacher's pattern of a single setupLogging
// call at process startup.
func Setup(cfg *config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var writer zerolog.Logger
	if cfg.Env == "production" {
		writer = zerolog.New(os.Stdout)
	} else {
		writer = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	}

	logger := writer.With().Timestamp().Str("service", "prebidwatch-crawler").Logger()
	log.Logger = logger
	return logger
}

// InitSentry initialises Sentry when cfg.SentryDSN is set; a blank DSN is a
// no-op, matching the teacher's optional-Sentry pattern. The returned flush
// function should be deferred by the caller.
func InitSentry(cfg *config.Config) (flush func(), err error) {
	if cfg.SentryDSN == "" {
		return func() {}, nil
	}

	if initErr := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.Env,
		TracesSampleRate: 0,
	}); initErr != nil {
		return func() {}, initErr
	}

	return func() { sentry.Flush(2 * time.Second) }, nil
}

// ReportFatal sends a fatal initialization failure to Sentry (if configured)
// and logs it, mirroring §7's rule that initialization failures abort the
// run with a single-line reason.
func ReportFatal(logger zerolog.Logger, err error, reason string) {
	sentry.CaptureException(err)
	logger.Error().Err(err).Msg(reason)
}
