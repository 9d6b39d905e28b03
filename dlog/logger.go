// Package dlog builds the zap loggers used across poolq and defines the
// ExecutionLogger side channel which observes operations performed through
// pooled connections and queue handlers.
package dlog

import (
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/poolq/poolq/errors"
)

type Config struct {
	// One of debug, info, warn, error.  Defaults to info.
	Level string

	// "json" or "console".  Defaults to json.
	Encoding string

	// Console buffering, see NewBufferedConsole.
	BufferSize    int
	FlushInterval time.Duration

	// Defaults to os.Stderr.
	Output io.Writer
}

// Builds a logger according to cfg.  The returned close function flushes
// buffered output and must be called before the process exits.
func NewLogger(cfg Config) (*zap.Logger, func() error, error) {
	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, nil, errors.Wrapf(err, "Invalid log level %q", cfg.Level)
		}
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch cfg.Encoding {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console":
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, nil, errors.Newf("Invalid log encoding %q", cfg.Encoding)
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	console := NewBufferedConsole(out, cfg.BufferSize, cfg.FlushInterval)

	core := zapcore.NewCore(encoder, console, level)
	logger := zap.New(core, zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr)))

	closeFunc := func() error {
		_ = logger.Sync()
		return console.Close()
	}
	return logger, closeFunc, nil
}

// Returns logger, or a no-op logger when logger is nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
