package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ticktockdb/ticktock/internal/logging"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ticktock.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestStore_ReloadAndAccessors(t *testing.T) {
	path := writeConfig(t, `
; this is a comment
# so is this
tsdb.page.count = 128
tsdb.compressor.version=2
tsdb.self_meter.enabled = true
tsdb.rollup.interval = 10s
some.ratio = 0.25
buffer.size = 4k
name = ticktock
`)

	s := NewStore(path, logging.NewDevelopment())
	require.NoError(t, s.Reload())

	n, err := s.GetInt(KeyPageCount)
	require.NoError(t, err)
	assert.Equal(t, 128, n)

	assert.Equal(t, 2, s.GetIntDefault(KeyCompressorVersion, 1))

	b, err := s.GetBool(KeySelfMeterEnabled)
	require.NoError(t, err)
	assert.True(t, b)

	f, err := s.GetFloat("some.ratio")
	require.NoError(t, err)
	assert.Equal(t, 0.25, f)

	bytes, err := s.GetBytes("buffer.size")
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), bytes)

	secs, err := s.GetTime(KeyRollupInterval, TimeUnitSecond)
	require.NoError(t, err)
	assert.Equal(t, int64(10), secs)

	str, err := s.GetStr("name")
	require.NoError(t, err)
	assert.Equal(t, "ticktock", str)

	assert.True(t, s.Exists(KeyPageCount))
	assert.False(t, s.Exists("no.such.key"))
}

func TestStore_MissingKey(t *testing.T) {
	s := NewStore(writeConfig(t, "a=1\n"), logging.NewDevelopment())
	require.NoError(t, s.Reload())

	_, err := s.GetInt("absent.key")
	assert.ErrorIs(t, err, ErrMissingKey)

	_, err = s.GetStr("absent.key")
	assert.ErrorIs(t, err, ErrMissingKey)

	assert.Equal(t, 42, s.GetIntDefault("absent.key", 42))
	assert.Equal(t, "d", s.GetStrDefault("absent.key", "d"))
	assert.Equal(t, int64(300), s.GetTimeDefault("absent.key", TimeUnitSecond, "5min"))
	assert.Equal(t, uint64(1024), s.GetBytesDefault("absent.key", "1k"))
}

func TestStore_MissingFile(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "nope.conf"), logging.NewDevelopment())
	assert.Error(t, s.Reload())
}

func TestStore_OverridesSurviveReload(t *testing.T) {
	path := writeConfig(t, "tsdb.page.count=100\nlog.level=info\n")
	s := NewStore(path, logging.NewDevelopment())
	s.AddOverride(KeyPageCount, "999")
	require.NoError(t, s.Reload())

	assert.Equal(t, 999, s.GetIntDefault(KeyPageCount, 0))
	assert.Equal(t, "info", s.GetStrDefault(KeyLogLevel, ""))

	// file change picked up, override still wins
	require.NoError(t, os.WriteFile(path, []byte("tsdb.page.count=200\nlog.level=debug\n"), 0o644))
	require.NoError(t, s.Reload())

	assert.Equal(t, 999, s.GetIntDefault(KeyPageCount, 0))
	assert.Equal(t, "debug", s.GetStrDefault(KeyLogLevel, ""))
}

func TestStore_InitDerivesGlobals(t *testing.T) {
	path := writeConfig(t, `
tsdb.timestamp.resolution = millisecond
cluster.servers = host1:6181,host2:6181
tsdb.self_meter.enabled = true
`)
	s := NewStore(path, logging.NewDevelopment())
	require.NoError(t, s.Init())
	defer s.Close()

	assert.True(t, s.ResolutionMS())
	assert.True(t, s.ClusterEnabled())
	assert.True(t, s.SelfMeterEnabled())
}

func TestStore_InitDefaults(t *testing.T) {
	s := NewStore(writeConfig(t, "a=1\n"), logging.NewDevelopment())
	require.NoError(t, s.Init())
	defer s.Close()

	assert.False(t, s.ResolutionMS())
	assert.False(t, s.ClusterEnabled())
	assert.False(t, s.SelfMeterEnabled())
}

func TestStore_Dirs(t *testing.T) {
	home := t.TempDir()
	path := writeConfig(t, "ticktock.home="+home+"\n")
	s := NewStore(path, logging.NewDevelopment())
	require.NoError(t, s.Reload())

	assert.Equal(t, filepath.Join(home, "data"), s.DataDir())
	assert.Equal(t, filepath.Join(home, "log"), s.LogDir())
	assert.Equal(t, filepath.Join(home, "log", "ticktock.log"), s.LogFile())
}

func TestStore_DirOverrides(t *testing.T) {
	path := writeConfig(t, "tsdb.data.dir=/srv/tt/data\nlog.file=/var/log/tt/tt.log\n")
	s := NewStore(path, logging.NewDevelopment())
	require.NoError(t, s.Reload())

	assert.Equal(t, "/srv/tt/data", s.DataDir())
	assert.Equal(t, "/var/log/tt", s.LogDir())
	assert.Equal(t, "/var/log/tt/tt.log", s.LogFile())
}
