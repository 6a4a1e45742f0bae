package config

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestDefaultProducesAWorkableLocalConfig(t *testing.T) {
	cfg := Default()

	require.Equal(t, ContentBackendFilesystem, cfg.ContentBackend)
	require.Greater(t, cfg.WorkerCount, 0)
	require.Greater(t, cfg.DefaultMaxAttempts, 0)
	require.NotEmpty(t, cfg.PostgresDSN)
	require.NotEmpty(t, cfg.HTTPAddr)
}

func TestBindFlagsOverridesConfigFields(t *testing.T) {
	cfg := Default()
	cmd := &cobra.Command{Use: "test"}
	BindFlags(cmd, cfg)

	require.NoError(t, cmd.PersistentFlags().Set("worker-count", "16"))
	require.NoError(t, cmd.PersistentFlags().Set("content-backend", "object"))
	require.NoError(t, cmd.PersistentFlags().Set("log-json", "true"))

	require.Equal(t, 16, cfg.WorkerCount)
	require.Equal(t, ContentBackendObject, cfg.ContentBackend)
	require.True(t, cfg.LogJSON)
}
