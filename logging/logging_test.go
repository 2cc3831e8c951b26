package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextFallsBackToGlobal(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	Set(zap.New(core))
	t.Cleanup(func() { Set(nil) })

	WithContext(context.Background()).Info("hello")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "hello", logs.All()[0].Message)
}

func TestWithFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	Set(zap.New(core))
	t.Cleanup(func() { Set(nil) })

	ctx := WithFields(context.Background(), String("path", "/a/b"))
	WithContext(ctx).Debug("resolved")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "/a/b", logs.All()[0].ContextMap()["path"])
}

func TestNopBeforeInit(t *testing.T) {
	Set(nil)
	assert.NotPanics(t, func() { L().Info("dropped") })
}

func TestInitParsesLevel(t *testing.T) {
	require.NoError(t, Init(Config{Level: "warn", Format: "console", OutputPath: "stderr"}))
	t.Cleanup(func() { Set(nil) })

	assert.False(t, L().Core().Enabled(zapcore.InfoLevel))
	assert.True(t, L().Core().Enabled(zapcore.WarnLevel))

	SetLevel("debug")
	assert.True(t, L().Core().Enabled(zapcore.DebugLevel))
	SetLevel("info")
}
