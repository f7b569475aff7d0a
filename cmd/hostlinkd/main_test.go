package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/hostlink/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("", "")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)
}

func TestLoadConfigTransportOverride(t *testing.T) {
	cfg, err := loadConfig("", config.TransportSPI)
	require.NoError(t, err)
	assert.Equal(t, config.TransportSPI, cfg.Link.Transport)

	_, err = loadConfig("", "uart")
	assert.Error(t, err)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hostlink.toml")
	require.NoError(t, os.WriteFile(path, []byte("[link]\nsocket_path = \"/tmp/other\"\n"), 0o600))
	cfg, err := loadConfig(path, "")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/other", cfg.Link.SocketPath)
}
