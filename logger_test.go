package linkup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Run("invalid level", func(t *testing.T) {
		_, err := NewLogger(LogConfig{Level: "chatty"})
		assert.Error(t, err)
	})

	t.Run("file output", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "linkup.log")
		log, err := NewLogger(LogConfig{Level: "info", File: path})
		require.NoError(t, err)

		log.Info("engine started")
		log.Debug("not written")
		_ = log.Sync()

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"msg":"engine started"`)
		assert.NotContains(t, string(data), "not written")
	})
}
