package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.APIListenAddr)
	assert.Equal(t, ":8888", cfg.WSListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 10, cfg.ConflictRetries)
	assert.Equal(t, 25*time.Second, cfg.MaxPollWait)
	assert.Zero(t, cfg.SignalRate)
	assert.Equal(t, 20, cfg.SignalBurst)
	assert.Equal(t, 10000, cfg.RateLimitPeers)
}

func TestLoad_Flags(t *testing.T) {
	cfg, err := Load([]string{
		"-a", ":9090",
		"--store", "file",
		"--state-file", "/tmp/state.json",
		"--max-poll-wait", "3s",
		"--signal-rate", "2.5",
	})
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.APIListenAddr)
	assert.Equal(t, StoreFile, cfg.Store)
	assert.Equal(t, "/tmp/state.json", cfg.StateFile)
	assert.Equal(t, 3*time.Second, cfg.MaxPollWait)
	assert.InDelta(t, 2.5, cfg.SignalRate, 0.0001)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("RENDEZVOUS_STORE", "badger")
	t.Setenv("RENDEZVOUS_BADGER_DIR", "/var/lib/rendezvous")
	t.Setenv("RENDEZVOUS_LOG_LEVEL", "debug")

	cfg, err := Load([]string{"--log-level", "warn"})
	require.NoError(t, err)

	assert.Equal(t, StoreBadger, cfg.Store)
	assert.Equal(t, "/var/lib/rendezvous", cfg.BadgerDir)
	assert.Equal(t, "warn", cfg.LogLevel, "explicit flag wins over env")
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"ws-listen-addr: \":7777\"\n"+
			"signal-burst: 5\n"+
			"max-poll-wait: 10s\n"), 0o600))

	cfg, err := Load([]string{"--config", path})
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.WSListenAddr)
	assert.Equal(t, 5, cfg.SignalBurst)
	assert.Equal(t, 10*time.Second, cfg.MaxPollWait)

	_, err = Load([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown store", args: []string{"--store", "redis"}},
		{name: "empty state file", args: []string{"--store", "file", "--state-file", ""}},
		{name: "empty badger dir", args: []string{"--store", "badger", "--badger-dir", ""}},
		{name: "negative wait", args: []string{"--max-poll-wait", "-1s"}},
		{name: "negative rate", args: []string{"--signal-rate", "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.args)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := Load([]string{"--no-such-flag"})
	require.Error(t, err)
}
