package shellcache

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutes_Classify(t *testing.T) {
	cfg := testConfig(t)
	rt := cfg.routes

	tests := []struct {
		url  string
		want Strategy
	}{
		{testOrigin + "/assets/index-4c1a.js", StrategyCacheFirst},
		{testOrigin + "/assets/index.CSS", StrategyCacheFirst},
		{testOrigin + "/icons/icon-192x192.png", StrategyCacheFirst},
		{testOrigin + "/fonts/inter.woff2", StrategyCacheFirst},
		{testOrigin + "/api/categories", StrategyStaleWhileRevalidate},
		{testOrigin + "/rest/v1/wallets?select=*&order=name", StrategyStaleWhileRevalidate},
		{testOrigin + "/", StrategyNetworkFirst},
		{testOrigin + "/dashboard", StrategyNetworkFirst},
		{testOrigin + "/manifest.json", StrategyNetworkFirst},

		// auth markers win over every other rule
		{testOrigin + "/auth/v1/token?grant_type=refresh_token", StrategyBypass},
		{testOrigin + "/auth/v1/user", StrategyBypass},
		{testOrigin + "/auth/v1/callback/logo.png", StrategyBypass},
		{testOrigin + "/api/x?next=/auth/v1/logout", StrategyBypass},
		{"https://accounts.google.com/o/oauth2/v2/auth", StrategyBypass},
		{"https://proj.supabase.co/auth/v1/token", StrategyBypass},

		// static and api rules only apply on the app origin
		{"https://cdn.other.test/lib.js", StrategyNetworkFirst},
		{"https://proj.supabase.co/rest/v1/wallets", StrategyNetworkFirst},
		{"http://app.test/assets/index.js", StrategyNetworkFirst},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			u, err := url.Parse(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rt.Classify(u))
		})
	}
}

func TestRoutes_CustomRules(t *testing.T) {
	origin, err := url.Parse("http://localhost:5173")
	require.NoError(t, err)
	rt, err := NewRoutes(origin, RoutesConfig{
		AuthMarkers:      []string{"/login"},
		APIPrefixes:      []string{"/graphql"},
		StaticExtensions: []string{"svg", " .MJS "},
	})
	require.NoError(t, err)

	classify := func(raw string) Strategy {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		return rt.Classify(u)
	}
	assert.Equal(t, StrategyCacheFirst, classify("http://localhost:5173/logo.svg"))
	assert.Equal(t, StrategyCacheFirst, classify("http://localhost:5173/app.mjs"))
	assert.Equal(t, StrategyNetworkFirst, classify("http://localhost:5173/app.js"))
	assert.Equal(t, StrategyStaleWhileRevalidate, classify("http://localhost:5173/graphql?q=1"))
	assert.Equal(t, StrategyBypass, classify("http://localhost:5173/login"))
	assert.Equal(t, StrategyNetworkFirst, classify("http://localhost:5174/logo.svg"))
}

func TestNewRoutes_RejectsEmptyRules(t *testing.T) {
	origin, _ := url.Parse(testOrigin)
	_, err := NewRoutes(origin, RoutesConfig{AuthMarkers: []string{" "}})
	assert.Error(t, err)
	_, err = NewRoutes(origin, RoutesConfig{APIPrefixes: []string{""}})
	assert.Error(t, err)
	_, err = NewRoutes(origin, RoutesConfig{StaticExtensions: []string{""}})
	assert.Error(t, err)
	_, err = NewRoutes(nil, RoutesConfig{})
	assert.Error(t, err)
}

func TestStrategy_String(t *testing.T) {
	assert.Equal(t, "bypass", StrategyBypass.String())
	assert.Equal(t, "cache-first", StrategyCacheFirst.String())
	assert.Equal(t, "stale-while-revalidate", StrategyStaleWhileRevalidate.String())
	assert.Equal(t, "network-first", StrategyNetworkFirst.String())
	assert.Equal(t, "strategy(9)", Strategy(9).String())
}
