package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Service is stamped on every entry so relay logs can be told apart in a shared sink.
const Service = "relay"

var (
	// Logger is the global logger instance. It discards output until Init is called.
	Logger = zerolog.Nop()
)

// Init initializes the global logger on stdout.
func Init(level string) {
	InitWithWriter(level, nil)
}

// InitWithWriter initializes the global logger writing to w. A nil w means
// stdout, rendered for humans when ENV=development.
func InitWithWriter(level string, w io.Writer) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || logLevel == zerolog.NoLevel {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	Logger = zerolog.New(output(w)).
		With().
		Timestamp().
		Str("service", Service).
		Caller().
		Logger()

	Logger.Info().
		Str("level", logLevel.String()).
		Msg("logger initialized")
}

func output(w io.Writer) io.Writer {
	switch {
	case w != nil:
		return w
	case os.Getenv("ENV") == "development":
		return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	default:
		return os.Stdout
	}
}

// WithComponent returns a logger with a component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithPartition returns a component logger bound to one hub partition.
func WithPartition(component string, partition int) zerolog.Logger {
	return Logger.With().
		Str("component", component).
		Int("partition", partition).
		Logger()
}

// WithMessage returns a component logger describing one message in flight.
func WithMessage(component, messageID, messageType string) zerolog.Logger {
	return Logger.With().
		Str("component", component).
		Str("message_id", messageID).
		Str("message_type", messageType).
		Logger()
}

// WithRequestID returns a logger with a request ID field
func WithRequestID(requestID string) zerolog.Logger {
	return Logger.With().Str("request_id", requestID).Logger()
}
