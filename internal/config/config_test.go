package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/test")
	t.Setenv("CLOUDFLARE_API_TOKEN", "cf-token")
}

func TestLoad(t *testing.T) {
	baseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "mysql", cfg.Store.Driver)
	assert.Equal(t, "local", cfg.Lock.Driver)
	assert.Equal(t, []string{"acme"}, cfg.Providers)
	assert.Equal(t, 30, cfg.Renewal.WindowDays)
	assert.Equal(t, "@every 1h", cfg.Renewal.Schedule)
	assert.Equal(t, 3, cfg.Registry.FailureThreshold)
}

func TestLoad_MissingRequired(t *testing.T) {
	tests := []struct {
		name  string
		unset string
		env   map[string]string
	}{
		{name: "jwt secret", unset: "JWT_SECRET"},
		{name: "mysql dsn", unset: "MYSQL_DSN"},
		{name: "unknown store", env: map[string]string{"STORE_DRIVER": "sqlite"}},
		{name: "redis lock without redis", env: map[string]string{"LOCK_DRIVER": "redis"}},
		{name: "unknown provider", env: map[string]string{"PROVIDERS": "acme,zerossl"}},
		{name: "reseller without url", env: map[string]string{"PROVIDERS": "reseller"}},
		{name: "acme without dns credentials", unset: "CLOUDFLARE_API_TOKEN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			baseEnv(t)
			if tt.unset != "" {
				t.Setenv(tt.unset, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_MemoryStoreNeedsNoDSN(t *testing.T) {
	baseEnv(t)
	t.Setenv("MYSQL_DSN", "")
	t.Setenv("STORE_DRIVER", "Memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
}

func TestLoad_CustomValues(t *testing.T) {
	baseEnv(t)
	t.Setenv("REDIS_ENABLED", "1")
	t.Setenv("REDIS_ADDR", "redis.example.com:6379")
	t.Setenv("REDIS_PASS", "secret")
	t.Setenv("REDIS_DB", "5")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOCK_DRIVER", "redis")
	t.Setenv("PROVIDERS", " ACME , reseller ")
	t.Setenv("RESELLER_BASE_URL", "https://api.reseller.test")
	t.Setenv("RESELLER_API_KEY", "rk")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 5, cfg.Redis.DB)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, []string{"acme", "reseller"}, cfg.Providers)
	assert.Equal(t, 10, cfg.Reseller.Priority)
}

func TestLoadFromINI_EnvOverridesFile(t *testing.T) {
	baseEnv(t)
	t.Setenv("MYSQL_DSN", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "certorch.ini")
	content := `
[mysql]
dsn = ini:dsn@tcp(db:3306)/certorch

[http]
addr = :7070

[renewal]
window_days = 21
enabled = false

[registry]
health_schedule = */5 * * * *
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("HTTP_ADDR", ":6060")

	cfg, err := LoadFromINI(path)
	require.NoError(t, err)

	assert.Equal(t, "ini:dsn@tcp(db:3306)/certorch", cfg.MySQL.DSN)
	assert.Equal(t, ":6060", cfg.HTTPAddr)
	assert.Equal(t, 21, cfg.Renewal.WindowDays)
	assert.False(t, cfg.Renewal.Enabled)
	assert.Equal(t, "*/5 * * * *", cfg.Registry.HealthSchedule)
}

func TestLoad_UsesConfigFileEnv(t *testing.T) {
	baseEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "certorch.ini")
	require.NoError(t, os.WriteFile(path, []byte("[store]\ndefault_max_domains = 3\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Store.DefaultMaxDomains)
}
