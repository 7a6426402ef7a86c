package logging

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

// newBufferLogger returns a debug-level JSON logger writing into buf.
func newBufferLogger() (Logger, *zaptest.Buffer) {
	buf := &zaptest.Buffer{}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), buf, zapcore.DebugLevel)
	return &zapLogger{z: zap.New(core)}, buf
}

func TestNewLogger_Formats(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		l, err := NewLogger(LogConfig{Level: "debug", Format: format})
		require.NoError(t, err, "format %q", format)
		assert.NotNil(t, l)
	}
}

func TestNewLogger_DefaultsToStderr(t *testing.T) {
	l, err := NewLogger(LogConfig{})
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("WARN"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("info"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("bogus"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel(""))
}

func TestLogger_EmitsFields(t *testing.T) {
	l, buf := newBufferLogger()

	l.Info("week processed",
		String("week", "20240109"),
		Int("patents", 42),
		Bool("resumed", true),
		Duration("took", 1500*time.Millisecond),
	)

	lines := buf.Lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"week":"20240109"`)
	assert.Contains(t, lines[0], `"patents":42`)
	assert.Contains(t, lines[0], `"resumed":true`)
	assert.Contains(t, lines[0], "week processed")
}

func TestLogger_ErrField(t *testing.T) {
	l, buf := newBufferLogger()

	l.Error("download failed", Err(errors.New("connection reset")))
	l.Warn("no cause", Err(nil))

	lines := buf.Lines()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"error":"connection reset"`)
	assert.Contains(t, lines[1], `"error":"<nil>"`)
}

func TestLogger_WithAddsPersistentFields(t *testing.T) {
	l, buf := newBufferLogger()

	child := l.With(String("run_id", "abc123"))
	child.Info("first")
	child.Info("second")
	l.Info("parent untouched")

	lines := buf.Lines()
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"run_id":"abc123"`)
	assert.Contains(t, lines[1], `"run_id":"abc123"`)
	assert.NotContains(t, lines[2], "run_id")
}

func TestLogger_Named(t *testing.T) {
	l, buf := newBufferLogger()

	l.Named("ingest").Named("downloader").Info("hello")

	lines := buf.Lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "ingest.downloader")
}

func TestNopLogger_AllMethodsNoOp(t *testing.T) {
	l := NewNopLogger()
	l.Debug("msg")
	l.Info("msg", String("k", "v"))
	l.Warn("msg")
	l.Error("msg", Err(errors.New("x")))
	assert.NotNil(t, l.With(String("k", "v")))
	assert.NotNil(t, l.Named("sub"))
}

func TestNewLoggerFromCore(t *testing.T) {
	buf := &zaptest.Buffer{}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), buf, zapcore.InfoLevel)

	l := NewLoggerFromCore(core)
	l.Info("observed")
	l.Debug("suppressed")

	require.Len(t, buf.Lines(), 1)
	assert.Contains(t, buf.Lines()[0], "observed")
}
