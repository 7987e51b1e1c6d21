package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger construction
type Config struct {
	Level       string
	ServiceName string
	Pretty      bool
	Output      io.Writer
}

// Logger wraps zerolog so services share one field layout
type Logger struct {
	zerolog.Logger
}

// New creates a logger tagged with the service name
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	zl := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.ServiceName != "" {
		zl = zl.Str("service", cfg.ServiceName)
	}

	return &Logger{Logger: zl.Logger()}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// With returns a child logger carrying a component name
func (l *Logger) With(component string) *Logger {
	return &Logger{Logger: l.Logger.With().Str("component", component).Logger()}
}
