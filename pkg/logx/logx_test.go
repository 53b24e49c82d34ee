package logx

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := Base()
	SetBase(zap.New(core))
	t.Cleanup(func() { SetBase(prev) })
	return logs
}

func TestLoggerAddsComponent(t *testing.T) {
	logs := observe(t)

	NewLogger("gateway").Info("call %s ok", "forge")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "call forge ok", entry.Message)
	assert.Equal(t, "gateway", entry.ContextMap()["component"])
}

func TestWithComponent(t *testing.T) {
	logs := observe(t)

	NewLogger("cr").WithComponent("abc").Warn("halted")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "cr/abc", logs.All()[0].ContextMap()["component"])
	assert.Equal(t, zapcore.WarnLevel, logs.All()[0].Level)
}

func TestDebugDomainFiltering(t *testing.T) {
	logs := observe(t)
	SetDebugConfig(true)
	SetDebugDomains([]string{"queue"})
	t.Cleanup(func() {
		SetDebugConfig(false)
		SetDebugDomains(nil)
	})

	ctx := WithContext(context.Background(), "dispatcher")
	Debug(ctx, "queue", "enqueued %d", 1)
	Debug(ctx, "gateway", "hidden")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "enqueued 1", logs.All()[0].Message)
	assert.Equal(t, "dispatcher", logs.All()[0].ContextMap()["component"])
}

func TestLoggerDebugDisabled(t *testing.T) {
	logs := observe(t)
	SetDebugConfig(false)

	NewLogger("x").Debug("nothing")
	assert.Equal(t, 0, logs.Len())
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "ctx"))
	base := errors.New("boom")
	err := Wrap(base, "loading")
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "loading: boom", err.Error())
}
