package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	conf := NewDefaultConfig()
	require.NoError(t, conf.Validate())
	assert.Equal(t, 0, conf.MaxAISBufferSize)
}

func TestFromFileOverlaysDefaults(t *testing.T) {
	dir, err := ioutil.TempDir("", "embersql-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "conf.toml")
	content := `
log-level = "debug"
max-ais-buffer-size = 1048576

[engine]
db-path = "/var/lib/embersql"
sync-write = false
`
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))

	conf, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", conf.LogLevel)
	assert.Equal(t, 1048576, conf.MaxAISBufferSize)
	assert.Equal(t, "/var/lib/embersql", conf.Engine.DBPath)
	assert.False(t, conf.Engine.SyncWrite)
	// Untouched keys keep their defaults.
	assert.Equal(t, int64(64*MB), conf.Engine.MaxTableSize)
}

func TestFromFileRejectsInvalid(t *testing.T) {
	dir, err := ioutil.TempDir("", "embersql-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "conf.toml")
	require.NoError(t, ioutil.WriteFile(path, []byte("max-ais-buffer-size = -1\n"), 0644))

	_, err = FromFile(path)
	assert.Error(t, err)
}
