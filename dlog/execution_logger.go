package dlog

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Observes every operation performed on a borrowed connection (and every job
// handler invocation).  Implementations may sample, filter or forward to an
// external sink.  Record must not be relied upon for control flow: callers
// ignore whatever happens inside it.
type ExecutionLogger interface {
	Record(duration time.Duration, operation string, args []interface{}, err error)
}

// Adapts a plain function to ExecutionLogger.
type ExecutionLoggerFunc func(
	duration time.Duration,
	operation string,
	args []interface{},
	err error)

func (f ExecutionLoggerFunc) Record(
	duration time.Duration,
	operation string,
	args []interface{},
	err error) {

	f(duration, operation, args, err)
}

// Invokes logger.Record if logger is non-nil.  A panicking logger is
// contained here so the observed operation is never aborted by it.
func Record(
	logger ExecutionLogger,
	duration time.Duration,
	operation string,
	args []interface{},
	err error) {

	if logger == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	logger.Record(duration, operation, args, err)
}

type ZapExecutionLoggerOptions struct {
	// Log 1 in SampleEvery successful operations.  Failures and slow
	// operations are always logged.  Non-positive means log every success.
	SampleEvery int64

	// Successful operations slower than this are logged at warn level.
	// Zero disables the check.
	SlowThreshold time.Duration

	// Level used for sampled successes (the zero value is info).
	SuccessLevel zapcore.Level
}

// An ExecutionLogger which writes to a zap logger.
type ZapExecutionLogger struct {
	logger  *zap.Logger
	options ZapExecutionLoggerOptions
	seen    int64 // atomic
}

func NewZapExecutionLogger(
	logger *zap.Logger,
	options ZapExecutionLoggerOptions) *ZapExecutionLogger {

	return &ZapExecutionLogger{
		logger:  OrNop(logger),
		options: options,
	}
}

func (l *ZapExecutionLogger) Record(
	duration time.Duration,
	operation string,
	args []interface{},
	err error) {

	fields := []zap.Field{
		zap.String("operation", operation),
		zap.Duration("duration", duration),
		zap.String("args", formatArgs(args)),
	}

	if err != nil {
		l.logger.Warn("Operation failed", append(fields, zap.Error(err))...)
		return
	}

	if l.options.SlowThreshold > 0 && duration >= l.options.SlowThreshold {
		l.logger.Warn("Slow operation", fields...)
		return
	}

	n := atomic.AddInt64(&l.seen, 1)
	if l.options.SampleEvery > 1 && (n-1)%l.options.SampleEvery != 0 {
		return
	}
	if ce := l.logger.Check(l.options.SuccessLevel, "Operation"); ce != nil {
		ce.Write(fields...)
	}
}

const maxFormattedArgs = 256

func formatArgs(args []interface{}) string {
	if len(args) == 0 {
		return ""
	}
	s := fmt.Sprint(args...)
	if len(s) > maxFormattedArgs {
		s = s[:maxFormattedArgs] + "..."
	}
	return s
}
