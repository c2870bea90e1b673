package logging

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("bogus"))
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	ctx := WithLogger(context.Background(), logger)
	ctxLogger := FromContext(ctx)
	ctxLogger.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")

	// Missing logger falls back to a no-op logger.
	fallback := FromContext(context.Background())
	fallback.Info().Msg("dropped")
	assert.NotContains(t, buf.String(), "dropped")
}

func TestLogMutation(t *testing.T) {
	var buf bytes.Buffer
	logger := WithComponent(zerolog.New(&buf), "orders")

	LogMutation(logger, "exit", "7", "CLOSED", nil)
	assert.Contains(t, buf.String(), `"action":"exit"`)
	assert.Contains(t, buf.String(), `"component":"orders"`)

	buf.Reset()
	LogMutation(logger, "adjust", "8", "", errors.New("rejected"))
	assert.Contains(t, buf.String(), `"level":"error"`)
	assert.Contains(t, buf.String(), "rejected")
}

func TestLogReconnect(t *testing.T) {
	var buf bytes.Buffer
	LogReconnect(zerolog.New(&buf), 3, 4*time.Second, errors.New("eof"))
	assert.Contains(t, buf.String(), `"attempt":3`)
	assert.Contains(t, buf.String(), `"level":"warn"`)
}

func TestConsoleWriterLabels(t *testing.T) {
	var buf bytes.Buffer
	consoleLogger := zerolog.New(consoleWriter(&buf))
	consoleLogger.Warn().Msg("feed slow")
	assert.Contains(t, buf.String(), "WRN")
	assert.Contains(t, buf.String(), "feed slow")
}

func TestNewLoggerWithoutWriters(t *testing.T) {
	logger := NewLoggerWithConfig(LogConfig{Level: "error"})
	logger.Error().Msg("discarded")
	assert.Equal(t, zerolog.ErrorLevel, zerolog.GlobalLevel())
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}
