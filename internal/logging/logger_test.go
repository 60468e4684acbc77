package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderbridge/sheetsync/internal/config"
)

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")

	logger, closer, err := New(
		config.LoggingConfig{Level: "info", Format: "json", Output: "file", FilePath: path},
		config.AppConfig{Name: "sheetsync", Environment: "test", Version: "1.0.0"},
	)
	require.NoError(t, err)
	require.NotNil(t, closer)

	logger.Info().Str("event", "started").Msg("hello")
	logger.Debug().Msg("suppressed at info level")
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &entry))
	assert.Equal(t, "sheetsync", entry["app"])
	assert.Equal(t, "test", entry["env"])
	assert.Equal(t, "started", entry["event"])
	assert.Equal(t, "hello", entry["message"])
	assert.NotContains(t, string(raw), "suppressed")
}

func TestNewFileOutputRequiresPath(t *testing.T) {
	_, _, err := New(
		config.LoggingConfig{Output: "file"},
		config.AppConfig{},
	)
	require.Error(t, err)
}

func TestNewOmitsEmptyIdentityFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")

	logger, closer, err := New(
		config.LoggingConfig{Output: "file", FilePath: path},
		config.AppConfig{Name: "sheetsync"},
	)
	require.NoError(t, err)

	logger.Info().Msg("hello")
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"env"`)
	assert.NotContains(t, string(raw), `"version"`)
}

func TestNewDefaultsToInfo(t *testing.T) {
	logger, closer, err := New(
		config.LoggingConfig{Level: "not-a-level"},
		config.AppConfig{Name: "sheetsync"},
	)
	require.NoError(t, err)
	assert.Nil(t, closer)
	assert.Equal(t, "info", logger.GetLevel().String())
}
