package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/config"
)

func TestNew_Defaults(t *testing.T) {
	logger, closer, err := New(config.LoggingConfig{}, config.AppConfig{Name: "crew-ops-sync"})
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Nil(t, closer, "stdout output needs no closer")
}

func TestNew_FileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "app.log")
	logger, closer, err := New(config.LoggingConfig{
		Level:    "debug",
		Output:   "file",
		FilePath: logPath,
	}, config.AppConfig{Name: "crew-ops-sync", Environment: "test"})
	require.NoError(t, err)
	require.NotNil(t, closer)
	defer closer.Close()

	logger.Info().Str("check", "wrote").Msg("file output works")

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"check":"wrote"`)
	assert.Contains(t, string(data), `"app":"crew-ops-sync"`)
	assert.Contains(t, string(data), `"env":"test"`)
}

func TestNew_FileOutputRequiresPath(t *testing.T) {
	_, _, err := New(config.LoggingConfig{Output: "file"}, config.AppConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file_path")
}

func TestNew_UnknownOutput(t *testing.T) {
	_, _, err := New(config.LoggingConfig{Output: "syslog"}, config.AppConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "syslog")
}

func TestNew_LevelParsing(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "app.log")
	logger, closer, err := New(config.LoggingConfig{
		Level:    "warn",
		Output:   "file",
		FilePath: logPath,
	}, config.AppConfig{})
	require.NoError(t, err)
	defer closer.Close()

	logger.Info().Msg("below threshold")
	logger.Warn().Msg("at threshold")

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "below threshold")
	assert.Contains(t, string(data), "at threshold")
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	logger, _, err := New(config.LoggingConfig{Level: "shouting"}, config.AppConfig{})
	require.NoError(t, err)
	assert.Equal(t, "info", logger.GetLevel().String())
}
