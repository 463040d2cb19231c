package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithEnvOverride(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "secret")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("MODERATION_ROLES", "admin, hr ,moderator")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "jwt", cfg.Auth.Mode)
	assert.Equal(t, 5*time.Minute, cfg.Typing.TTL)
	assert.Equal(t, 30*time.Second, cfg.Typing.SweepInterval)
	assert.Equal(t, 60*time.Second, cfg.Calls.RingTimeout)
	assert.Equal(t, []string{"admin", "hr", "moderator"}, cfg.Moderation.Roles)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
auth:
  mode: grpc
  grpc_addr: auth:9000
notify:
  backend: nats
typing:
  ttl: 2m
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "grpc", cfg.Auth.Mode)
	assert.Equal(t, "auth:9000", cfg.Auth.GRPCAddr)
	assert.Equal(t, "nats", cfg.Notify.Backend)
	assert.Equal(t, 2*time.Minute, cfg.Typing.TTL)
}

func TestLoadRejectsMissingSecret(t *testing.T) {
	t.Setenv("AUTH_MODE", "jwt")
	t.Setenv("AUTH_JWT_SECRET", "")

	_, err := Load("")
	require.Error(t, err)
}
