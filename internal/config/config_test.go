package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerate(t *testing.T) {
	require := require.New(t)

	cfgFile := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := LoadOrGenerate(cfgFile)
	require.NoError(err)
	require.FileExists(cfgFile)
	require.Equal("tcp://localhost:1883", cfg.Bus.URL)
	require.Equal(8, cfg.Engine.WorkerCount)
	require.Equal(30*time.Second, cfg.Engine.CommandTimeout)

	// reload round-trips
	cfg2, err := NewFromFile(cfgFile)
	require.NoError(err)
	require.Equal(cfg, cfg2)
}

func TestEnvOverrides(t *testing.T) {
	require := require.New(t)

	os.Setenv("LABHUB_BUS_URL", "tcp://broker:1883")
	os.Setenv("LABHUB_WORKER_COUNT", "16")
	os.Setenv("LABHUB_DEDUP_TTL", "2m")
	defer func() {
		os.Unsetenv("LABHUB_BUS_URL")
		os.Unsetenv("LABHUB_WORKER_COUNT")
		os.Unsetenv("LABHUB_DEDUP_TTL")
	}()

	cfgFile := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := LoadOrGenerate(cfgFile)
	require.NoError(err)
	require.Equal("tcp://broker:1883", cfg.Bus.URL)
	require.Equal(16, cfg.Engine.WorkerCount)
	require.Equal(2*time.Minute, cfg.Engine.DedupTTL)
}

func TestValidate(t *testing.T) {
	require := require.New(t)

	cfg := NewDefault()
	require.NoError(Validate(cfg))

	cfg.Bus.URL = ""
	require.Error(Validate(cfg))

	cfg = NewDefault()
	cfg.Engine.WorkerCount = 0
	require.Error(Validate(cfg))
}
