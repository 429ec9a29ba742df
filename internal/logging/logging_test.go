package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSetupFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "grid.log")
	cfg := DefaultConfig()
	cfg.File = path
	cfg.Level = "debug"

	logger, closeFn, err := Setup(cfg)
	require.NoError(t, err)
	logger.Debug("node registered", zap.String("node", "n1"))
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"node registered"`)
	require.Contains(t, string(data), `"node":"n1"`)
	require.Same(t, logger, L())
}

func TestSetupLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.log")
	logger, closeFn, err := Setup(&Config{Level: "warn", File: path})
	require.NoError(t, err)
	logger.Info("dropped")
	logger.Warn("kept")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.False(t, strings.Contains(string(data), "dropped"), "info entry written at warn level")
	require.Contains(t, string(data), "kept")
}

func TestSetupInvalidLevel(t *testing.T) {
	_, _, err := Setup(&Config{Level: "loud"})
	require.Error(t, err)
}

func TestContext(t *testing.T) {
	require.NotNil(t, From(context.Background()))

	l := zap.NewExample()
	ctx := With(context.Background(), l)
	require.Same(t, l, From(ctx))

	ctx = WithFields(ctx, zap.String("session", "s1"))
	require.NotSame(t, l, From(ctx))
}
