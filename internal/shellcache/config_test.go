package shellcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "shellcache.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig(testOrigin + "/")
	require.NoError(t, err)

	assert.Equal(t, testOrigin, cfg.Server.Origin)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "/__shellcache", cfg.Server.ControlPath)
	assert.Equal(t, "keuangan-pribadi-v1", cfg.StaticCacheName())
	assert.Equal(t, "keuangan-pribadi-dynamic-v1", cfg.DynamicCacheName())
	assert.Equal(t, 30*time.Second, cfg.fetchTimeout)
	assert.Equal(t, 30*time.Second, cfg.revalidateTimeout)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, int64(64<<20), cfg.Storage.memMax)
	assert.Equal(t, defaultAssets, cfg.Precache.Assets)
	assert.Equal(t, "/offline.html", cfg.Precache.OfflinePage)
	assert.Zero(t, cfg.StatsEvery())
	assert.Equal(t, "app.test", cfg.Origin().Host)
}

func TestLoadConfig(t *testing.T) {
	p := writeConfig(t, `
log:
  level: debug
server:
  port: 9000
  origin: http://localhost:5173
  control_path: sw/
cache:
  version: v7
  fetch_timeout: 5s
  background_limit: 4
stats:
  every: 1m
storage:
  backend: leveldb
  leveldb:
    path: /var/lib/shellcache
    max: 512mb
precache:
  assets: ["/", "/app.js"]
  offline_page: /offline
routes:
  api_prefixes: ["/graphql"]
`)
	cfg, err := LoadConfig(p)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "/sw", cfg.Server.ControlPath)
	assert.Equal(t, "keuangan-pribadi-v7", cfg.StaticCacheName())
	assert.Equal(t, 5*time.Second, cfg.fetchTimeout)
	assert.Equal(t, 5*time.Second, cfg.revalidateTimeout)
	assert.Equal(t, 4, cfg.Cache.BackgroundLimit)
	assert.Equal(t, time.Minute, cfg.StatsEvery())
	assert.Equal(t, BackendLevelDB, cfg.Storage.Backend)
	assert.Equal(t, int64(512<<20), cfg.Storage.levelMax)
	assert.Equal(t, []string{"/", "/app.js", "/offline"}, cfg.Precache.Assets)
	assert.Equal(t, []string{"/graphql"}, cfg.Routes.APIPrefixes)
	assert.Equal(t, defaultAuthMarkers, cfg.Routes.AuthMarkers)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown key", "server:\n  origin: https://app.test\n  listen: :80\n"},
		{"missing origin", "server:\n  port: 80\n"},
		{"relative origin", "server:\n  origin: app.test\n"},
		{"bad scheme", "server:\n  origin: ftp://app.test\n"},
		{"bad duration", "server:\n  origin: https://app.test\ncache:\n  fetch_timeout: soon\n"},
		{"bad backend", "server:\n  origin: https://app.test\nstorage:\n  backend: s3\n"},
		{"redis without addr", "server:\n  origin: https://app.test\nstorage:\n  backend: redis\n"},
		{"bad size", "server:\n  origin: https://app.test\nstorage:\n  memory:\n    max: lots\n"},
		{"version with space", "server:\n  origin: https://app.test\ncache:\n  version: v 2\n"},
		{"empty auth marker", "server:\n  origin: https://app.test\nroutes:\n  auth_markers: ['']\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
}

func TestConfig_Resolve(t *testing.T) {
	cfg := testConfig(t)
	tests := map[string]string{
		"/":                        testOrigin + "/",
		"index.html":               testOrigin + "/index.html",
		"/assets/a.js#frag":        testOrigin + "/assets/a.js",
		"https://cdn.other.test/x": "https://cdn.other.test/x",
		"/api/wallets?select=*":    testOrigin + "/api/wallets?select=*",
	}
	for in, want := range tests {
		got, err := cfg.resolve(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestLoadConfig_ExampleFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "shellcache.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, BackendLevelDB, cfg.Storage.Backend)
	assert.Equal(t, "/.vite/manifest.json", cfg.Precache.BuildManifest)
	assert.Contains(t, cfg.Precache.Assets, "/offline.html")
}
