package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/adred-codev/comet/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level   types.LogLevel  // Minimum log level
	Format  types.LogFormat // Output format
	Service string          // Value of the "service" field, defaults to "comet"
	Output  io.Writer       // Defaults to os.Stdout
}

// NewLogger creates a structured logger.
//
// JSON output carries a timestamp, the caller and a service field so
// shard and router logs can be told apart in a shared sink.
//
// Example:
//
//	logger := NewLogger(LoggerConfig{
//	    Level:   types.LogLevelInfo,
//	    Format:  types.LogFormatJSON,
//	    Service: "comet-shard",
//	})
//	logger.Info().Int("shard", 0).Msg("Shard started")
func NewLogger(config LoggerConfig) zerolog.Logger {
	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	zerolog.SetGlobalLevel(ParseLevel(config.Level))

	if config.Format == types.LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	service := config.Service
	if service == "" {
		service = "comet"
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()
}

// ParseLevel maps a LogLevel to a zerolog level, defaulting to info.
func ParseLevel(level types.LogLevel) zerolog.Level {
	switch level {
	case types.LogLevelDebug:
		return zerolog.DebugLevel
	case types.LogLevelInfo:
		return zerolog.InfoLevel
	case types.LogLevelWarn:
		return zerolog.WarnLevel
	case types.LogLevelError:
		return zerolog.ErrorLevel
	case types.LogLevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// LogError logs an error with extra context fields.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic is a helper for goroutine panic recovery that logs but doesn't exit.
//
// Use it as the first defer of every long-lived goroutine:
//
//	go func() {
//	    defer monitoring.RecoverPanic(logger, "writePump", map[string]any{"session": id})
//	    // ... goroutine work ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		LogPanic(logger, goroutineName, r, fields)
	}
}

// LogPanic logs an already recovered panic value with the current stack.
func LogPanic(logger zerolog.Logger, goroutineName string, panicValue any, fields map[string]any) {
	event := logger.Error().
		Str("goroutine", goroutineName).
		Interface("panic_value", panicValue).
		Str("stack_trace", string(debug.Stack()))

	for k, v := range fields {
		event = event.Interface(k, v)
	}

	event.Msg("Goroutine panic recovered")
	RecordError("panic")
}

// InitGlobalLogger initializes the global logger
// This should be called once at application startup
func InitGlobalLogger(config LoggerConfig) zerolog.Logger {
	logger := NewLogger(config)
	log.Logger = logger
	return logger
}
