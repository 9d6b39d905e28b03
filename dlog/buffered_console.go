package dlog

// Wrap a console writer to buffer writes, yet flush in a timely,
// deterministic fashion, either buffering up to n bytes, or for up to t
// milliseconds, whichever comes first.

import (
	"bufio"
	"io"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

type BufferedConsole struct {
	mu     sync.Mutex
	wr     io.Writer // bufio.Writer when buffering, baseWr otherwise
	baseWr io.Writer

	maxFlushInterval time.Duration
	stop             chan struct{}
	stopOnce         sync.Once
}

var _ zapcore.WriteSyncer = (*BufferedConsole)(nil)

// Returns a console writing to baseWr.  A non-positive bufferSize disables
// buffering.  When buffering, maxFlushInterval (if positive) bounds the time
// a write may sit in the buffer.
func NewBufferedConsole(
	baseWr io.Writer,
	bufferSize int,
	maxFlushInterval time.Duration) *BufferedConsole {

	cb := &BufferedConsole{
		wr:               baseWr,
		baseWr:           baseWr,
		maxFlushInterval: maxFlushInterval,
		stop:             make(chan struct{}),
	}
	if bufferSize > 0 {
		cb.wr = bufio.NewWriterSize(baseWr, bufferSize)
		if maxFlushInterval > 0 {
			go cb.flushDaemon()
		}
	}
	return cb
}

func (cb *BufferedConsole) Write(b []byte) (n int, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.wr.Write(b)
}

func (cb *BufferedConsole) Flush() error {
	type flusher interface {
		Flush() error
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if fwr, ok := cb.wr.(flusher); ok {
		return fwr.Flush()
	}
	return nil
}

// Flushes the buffer and syncs the underlying writer if it supports it.
func (cb *BufferedConsole) Sync() error {
	type syncer interface {
		Sync() error
	}
	if err := cb.Flush(); err != nil {
		return err
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if swr, ok := cb.baseWr.(syncer); ok {
		return swr.Sync()
	}
	return nil
}

// Stops the flush daemon and flushes what is left.
func (cb *BufferedConsole) Close() error {
	cb.stopOnce.Do(func() { close(cb.stop) })
	return cb.Flush()
}

func (cb *BufferedConsole) flushDaemon() {
	// Try to guarantee that we flush at least every maxFlushInterval.  This
	// can result in a single extra queued flush if the underlying writer
	// takes longer than maxFlushInterval.
	ticker := time.NewTicker(cb.maxFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cb.stop:
			return
		case <-ticker.C:
			_ = cb.Flush() // Ignore error.
		}
	}
}
