package logging

import (
	"io"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/saashqdev/ops-center/internal/config"
)

// Setup initializes the global logger based on configuration.
func Setup(cfg *config.LoggingConfig, env string) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var output io.Writer
	if cfg.Format == "json" || env == "production" {
		output = os.Stdout
	} else {
		// Pretty console output for development
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
			NoColor:    false,
		}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Str("service", "metering-core").
		Logger()
}

// NewLogger creates a new logger with a component field.
func NewLogger(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}

// RequestLogger is a Gin middleware for structured request logging.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		requestID, _ := c.Get("request_id")

		event := log.Info()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		} else if c.Writer.Status() >= 400 {
			event = log.Warn()
		}

		event.
			Str("request_id", requestID.(string)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", raw).
			Int("status", c.Writer.Status()).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Int("body_size", c.Writer.Size()).
			Msg("HTTP request")
	}
}

// LogMeteredCall logs the terminal outcome of a metered request.
func LogMeteredCall(requestID, accountID, provider, model, status string, tokensIn, tokensOut int, latency time.Duration) {
	event := log.Info()
	if status == "failed" {
		event = log.Warn()
	}

	event.
		Str("request_id", requestID).
		Str("account_id", accountID).
		Str("provider", provider).
		Str("model", model).
		Str("status", status).
		Int("tokens_in", tokensIn).
		Int("tokens_out", tokensOut).
		Dur("latency", latency).
		Msg("Metered call")
}

// LogInvariantViolation records a ledger or cache invariant breach. These are
// never self-corrected; the operation aborts and this diagnostic is the
// paper trail.
func LogInvariantViolation(component, invariant string, fields map[string]string) {
	event := log.Error().
		Str("component", component).
		Str("invariant", invariant)
	for k, v := range fields {
		event = event.Str(k, v)
	}
	event.Msg("Invariant violation")
}
