package observ

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig selects level, format and destination for the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json | console
	Output string `yaml:"output"` // stdout, stderr or a file path
}

var (
	logMu  sync.RWMutex
	logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

func init() {
	zerolog.TimestampFieldName = "ts"
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// SetupLogger replaces the process logger according to cfg.
func SetupLogger(cfg LogConfig) error {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	var out io.Writer
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = f
	}

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	SetLogger(zerolog.New(out).Level(level).With().Timestamp().Logger())
	return nil
}

// SetLogger installs l as the process logger. Tests use it to capture output.
func SetLogger(l zerolog.Logger) {
	logMu.Lock()
	logger = l
	logMu.Unlock()
}

// Logger returns the process logger for call sites that want typed fields.
func Logger() zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// Log emits an info-level event with the given fields.
func Log(event string, kv map[string]any) {
	l := Logger()
	l.Info().Fields(kv).Str("event", event).Send()
}

// Warn emits a warn-level event.
func Warn(event string, kv map[string]any) {
	l := Logger()
	l.Warn().Fields(kv).Str("event", event).Send()
}

// Error emits an error-level event carrying err.
func Error(event string, err error, kv map[string]any) {
	l := Logger()
	l.Error().Err(err).Fields(kv).Str("event", event).Send()
}
