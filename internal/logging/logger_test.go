package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"":      zapcore.InfoLevel,
		"debug": zapcore.DebugLevel,
		"warn":  zapcore.WarnLevel,
		"ERROR": zapcore.ErrorLevel,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	t.Run("writes json lines at the configured level", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "out.log")
		logger, err := New(Config{Level: "warn", OutputPaths: []string{path}})
		require.NoError(t, err)

		logger.Info("hidden")
		logger.Warn("shown")
		require.NoError(t, logger.Sync())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "hidden")
		assert.Contains(t, string(data), `"message":"shown"`)
		assert.Contains(t, string(data), `"level":"warn"`)
	})

	t.Run("rejects an unknown level", func(t *testing.T) {
		_, err := New(Config{Level: "loud"})
		assert.Error(t, err)
	})

	t.Run("default never fails", func(t *testing.T) {
		assert.NotNil(t, NewDefault())
	})
}
