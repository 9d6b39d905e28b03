package dlog

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type notifyingWriter struct {
	wr io.Writer
	ch chan []byte
}

func (nw *notifyingWriter) Write(b []byte) (int, error) {
	nw.ch <- append([]byte(nil), b...)
	return nw.wr.Write(b)
}

// Test that flush interval works as advertised for small messages.
func TestConsoleBufferFlushInterval(t *testing.T) {
	wrCh := make(chan []byte, 1)
	nw := &notifyingWriter{io.Discard, wrCh}
	console := NewBufferedConsole(nw, 32*1024, 200*time.Millisecond)
	defer console.Close()

	testMsg := []byte("small message")
	_, err := console.Write(testMsg)
	require.NoError(t, err)
	writeTime := time.Now()

	select {
	case data := <-wrCh:
		require.Equal(t, testMsg, data)
		require.True(t, time.Since(writeTime) >= 150*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Errorf("waited too long for buffer flush")
	}
}

func TestConsoleUnbufferedWritesThrough(t *testing.T) {
	buf := &bytes.Buffer{}
	console := NewBufferedConsole(buf, 0, 0)
	_, err := console.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "hello", buf.String())
	require.NoError(t, console.Sync())
}

func TestNewLoggerWritesJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, closeFunc, err := NewLogger(Config{
		Level:      "info",
		BufferSize: 4096,
		Output:     buf,
	})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("visible", zap.String("pool", "cache"))
	require.Equal(t, "", buf.String())
	require.NoError(t, closeFunc())

	require.Contains(t, buf.String(), `"msg":"visible"`)
	require.Contains(t, buf.String(), `"pool":"cache"`)
	require.NotContains(t, buf.String(), "hidden")
}

func TestNewLoggerRejectsBadConfig(t *testing.T) {
	_, _, err := NewLogger(Config{Level: "loud"})
	require.Error(t, err)
	_, _, err = NewLogger(Config{Encoding: "xml"})
	require.Error(t, err)
}

func TestRecordContainsPanics(t *testing.T) {
	called := false
	logger := ExecutionLoggerFunc(
		func(time.Duration, string, []interface{}, error) {
			called = true
			panic("sink is down")
		})

	require.NotPanics(t, func() {
		Record(logger, time.Millisecond, "GET", []interface{}{"k"}, nil)
	})
	require.True(t, called)

	require.NotPanics(t, func() {
		Record(nil, time.Millisecond, "GET", nil, nil)
	})
}

func TestZapExecutionLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapExecutionLogger(zap.New(core), ZapExecutionLoggerOptions{
		SlowThreshold: 100 * time.Millisecond,
	})

	logger.Record(time.Millisecond, "GET", []interface{}{"key"}, nil)
	logger.Record(time.Second, "SET", []interface{}{"key", "value"}, nil)
	logger.Record(time.Millisecond, "DEL", nil, fmt.Errorf("connection reset"))

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)

	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, "GET", entries[0].ContextMap()["operation"])
	require.Equal(t, "key", entries[0].ContextMap()["args"])

	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
	require.Equal(t, "Slow operation", entries[1].Message)

	require.Equal(t, zapcore.WarnLevel, entries[2].Level)
	require.Equal(t, "connection reset", entries[2].ContextMap()["error"])
}

func TestZapExecutionLoggerSampling(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapExecutionLogger(zap.New(core), ZapExecutionLoggerOptions{
		SampleEvery:  10,
		SuccessLevel: zapcore.DebugLevel,
	})

	for i := 0; i < 25; i++ {
		logger.Record(time.Microsecond, "GET", nil, nil)
	}
	logger.Record(time.Microsecond, "GET", nil, fmt.Errorf("boom"))

	require.Equal(t, 3, logs.FilterMessage("Operation").Len())
	require.Equal(t, 1, logs.FilterMessage("Operation failed").Len())
}

func TestFormatArgsTruncates(t *testing.T) {
	s := formatArgs([]interface{}{strings.Repeat("x", 1000)})
	require.Len(t, s, maxFormattedArgs+3)
	require.True(t, strings.HasSuffix(s, "..."))
}
