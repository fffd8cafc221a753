package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
auth:
  secret: "0123456789abcdef0123456789abcdef"
`)

	cfg := LoadConfig(path)

	assert.Equal(t, EnvLocal, cfg.Env)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.True(t, cfg.Storage.AutoMigrate)
	assert.Equal(t, 3*time.Second, cfg.Storage.QueryTimeout)
	assert.Equal(t, ":8080", cfg.HTTP.Address)
	assert.Equal(t, 15*time.Minute, cfg.Auth.AccessTokenTTL)
	assert.Equal(t, 168*time.Hour, cfg.Auth.RefreshTokenTTL)
	assert.Equal(t, "identity", cfg.Auth.Issuer)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "postgres")
	t.Setenv("AUTH_ACCESS_TOKEN_TTL", "5m")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")

	path := writeConfig(t, `
storage:
  driver: "sqlite"
auth:
  secret: "0123456789abcdef0123456789abcdef"
`)

	cfg := LoadConfig(path)

	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Auth.AccessTokenTTL)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
}

func TestLoadConfig_Panics(t *testing.T) {
	assert.Panics(t, func() { LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")) })

	// auth.secret is required
	path := writeConfig(t, "env: local\n")
	assert.Panics(t, func() { LoadConfig(path) })
}

func TestRepositoryConfigs(t *testing.T) {
	for _, name := range []string{"local.yaml", "test.yaml"} {
		t.Run(name, func(t *testing.T) {
			cfg := LoadConfig(filepath.Join("..", "..", "config", name))
			assert.NotEmpty(t, cfg.Auth.Secret)
		})
	}
}
