package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	p := filepath.Join(t.TempDir(), "inbox.yaml")
	require.Nil(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDefaults(t *testing.T) {
	require := require.New(t)
	c := NewConfig()
	require.Equal(4, c.EventWorkers)
	require.False(c.AtLeastOnce)
	require.Equal(int64(250), c.ReconnectMinMs)
	require.NotNil(c.Logger("test"))
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	require := require.New(t)
	p := writeFile(t, "event_workers: 8\nat_least_once: true\nlogging_prefix: alice\n")
	c, err := LoadFile(p)
	require.Nil(err)
	require.Equal(8, c.EventWorkers)
	require.True(c.AtLeastOnce)
	require.Equal("alice", c.LoggingPrefix)
	require.Equal(int64(30000), c.ReconnectMaxMs)
}

func TestLoadFileOptionsWin(t *testing.T) {
	require := require.New(t)
	p := writeFile(t, "event_workers: 8\n")
	c, err := LoadFile(p, WithEventWorkers(2))
	require.Nil(err)
	require.Equal(2, c.EventWorkers)
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	p := writeFile(t, "event_wrokers: 8\n")
	_, err := LoadFile(p)
	require.NotNil(t, err)
}

func TestLoadFileValidates(t *testing.T) {
	require := require.New(t)
	_, err := LoadFile(writeFile(t, "event_workers: 0\n"))
	require.NotNil(err)
	_, err = LoadFile(writeFile(t, "reconnect_min_ms: 500\nreconnect_max_ms: 100\n"))
	require.NotNil(err)
}

func TestLoadFileEmpty(t *testing.T) {
	c, err := LoadFile(writeFile(t, ""))
	require.Nil(t, err)
	require.Equal(t, 4, c.EventWorkers)
}
