package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigCommand_PrintsEffectiveConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "shellcache.yaml")
	require.NoError(t, os.WriteFile(p, []byte("server:\n  origin: https://app.test/\ncache:\n  version: v9\n"), 0o644))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "-c", p})
	require.NoError(t, cmd.Execute())

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &got))
	server := got["server"].(map[string]any)
	assert.Equal(t, "https://app.test", server["origin"])
	assert.Equal(t, 8080, server["port"])
	cache := got["cache"].(map[string]any)
	assert.Equal(t, "v9", cache["version"])
	assert.Equal(t, "keuangan-pribadi", cache["name"])
}

func TestConfigCommand_RejectsBadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "shellcache.yaml")
	require.NoError(t, os.WriteFile(p, []byte("server:\n  port: 80\n"), 0o644))

	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"config", "-c", p})
	assert.Error(t, cmd.Execute())
}

func TestGetenvDefault(t *testing.T) {
	t.Setenv("SHELLCACHE_TEST_VAR", "")
	assert.Equal(t, "def", getenvDefault("SHELLCACHE_TEST_VAR", "def"))
	t.Setenv("SHELLCACHE_TEST_VAR", "set")
	assert.Equal(t, "set", getenvDefault("SHELLCACHE_TEST_VAR", "def"))
}
