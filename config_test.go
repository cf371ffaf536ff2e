package netreactor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	yamlConfig, err := LoadConfig(writeConfig(t, "config.yaml", `
global:
  log_level: debug
server:
  name: echo
  address: 127.0.0.1:9000
  threads: 4
  poller: poll
  dispatch: peer_hash
  stats_period_sec: 5
`))
	require.NoError(t, err)
	assert.Equal(t, "debug", yamlConfig.Global.LogLevel)
	assert.Equal(t, "echo", yamlConfig.Server.Name)
	assert.Equal(t, "127.0.0.1:9000", yamlConfig.Server.Address)
	assert.Equal(t, 4, yamlConfig.Server.Threads)
	assert.Equal(t, "poll", yamlConfig.Server.Poller)
	assert.Equal(t, DefaultHighWaterMark, yamlConfig.Server.HighWaterMark)

	tomlConfig, err := LoadConfig(writeConfig(t, "config.toml", `
[global]
log_level = "warn"

[server]
address = "0.0.0.0:9001"
reuse_port = true
high_water_mark = 1024
`))
	require.NoError(t, err)
	assert.Equal(t, "warn", tomlConfig.Global.LogLevel)
	assert.Equal(t, "netreactor", tomlConfig.Server.Name)
	assert.True(t, tomlConfig.Server.ReusePort)
	assert.Equal(t, 1024, tomlConfig.Server.HighWaterMark)
	assert.Equal(t, string(EpollPoller), tomlConfig.Server.Poller)
}

func TestLoadConfigRejectsBadInput(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "config.json", `{}`))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "config.yaml", "server:\n  poller: kqueue\n"))
	assert.ErrorIs(t, err, errUnknownPoller)

	_, err = LoadConfig(writeConfig(t, "config.yaml", "server:\n  threads: -1\n"))
	assert.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
