package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseEnv() map[string]string {
	return map[string]string{
		"DATABASE_URL": "postgres://localhost/tokens",
		"JWT_SECRET":   "access-secret",
	}
}

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(baseEnv())
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, 15*time.Minute, cfg.Token.AccessTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Token.RefreshTTL())
	assert.Equal(t, "access-secret", cfg.Token.RefreshSecret, "refresh secret falls back to access secret")
	assert.Equal(t, "/", cfg.Cookie.RefreshPath)
	assert.Equal(t, StorePostgres, cfg.Store.Refresh)
	assert.Equal(t, StorePostgres, cfg.Store.Blacklist)
	assert.Equal(t, ReusePolicyStrict, cfg.Token.ReusePolicy)
	assert.Equal(t, 5*time.Second, cfg.Token.EpochCacheTTL)
	assert.Equal(t, 1, cfg.TrustedProxyHops)
	assert.False(t, cfg.Production())
	assert.False(t, cfg.UsesRedis())
}

func TestLoadFrom_Overrides(t *testing.T) {
	vars := baseEnv()
	vars["APP_ENV"] = "Production"
	vars["REDIS_URL"] = "redis://localhost:6379/0"
	vars["REFRESH_TOKEN_SECRET"] = "refresh-secret"
	vars["ACCESS_TOKEN_TTL"] = "3m"
	vars["REFRESH_TOKEN_EXPIRY_IN_SEC"] = "3600"
	vars["REFRESH_COOKIE_PATH"] = "/auth"
	vars["REFRESH_STORE"] = "redis"

	cfg, err := LoadFrom(vars)
	require.NoError(t, err)

	assert.True(t, cfg.Production())
	assert.Equal(t, "refresh-secret", cfg.Token.RefreshSecret)
	assert.Equal(t, 3*time.Minute, cfg.Token.AccessTTL)
	assert.Equal(t, time.Hour, cfg.Token.RefreshTTL())
	assert.Equal(t, "/auth", cfg.Cookie.RefreshPath)
	assert.Equal(t, StoreRedis, cfg.Store.Refresh)
	assert.Equal(t, StoreRedis, cfg.Store.Blacklist, "blacklist defaults to redis when REDIS_URL is set")
	assert.True(t, cfg.UsesRedis())
}

func TestLoadFrom_Invalid(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]string
	}{
		{name: "missing secret", set: map[string]string{"JWT_SECRET": ""}},
		{name: "missing database", set: map[string]string{"DATABASE_URL": ""}},
		{name: "access outlives refresh", set: map[string]string{"ACCESS_TOKEN_TTL": "2h", "REFRESH_TOKEN_EXPIRY_IN_SEC": "3600"}},
		{name: "zero refresh lifetime", set: map[string]string{"REFRESH_TOKEN_EXPIRY_IN_SEC": "0"}},
		{name: "unknown policy", set: map[string]string{"REUSE_POLICY": "lenient"}},
		{name: "redis store without url", set: map[string]string{"REFRESH_STORE": "redis"}},
		{name: "unknown store", set: map[string]string{"BLACKLIST_STORE": "mongo"}},
		{name: "negative proxy hops", set: map[string]string{"TRUSTED_PROXY_HOPS": "-1"}},
		{name: "epoch cache outlives access", set: map[string]string{"TOKEN_EPOCH_CACHE_TTL": "1h"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			vars := baseEnv()
			for k, v := range tc.set {
				vars[k] = v
			}
			_, err := LoadFrom(vars)
			assert.Error(t, err)
		})
	}
}
