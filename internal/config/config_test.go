package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "verify_death", cfg.Policy.ReleasePermission)
	assert.Equal(t, 30, cfg.Policy.DefaultAutoResolveDays)
	assert.Equal(t, "0 2 * * *", cfg.Sweep.Schedule)
	assert.Equal(t, 30*time.Second, cfg.Lock.TTL)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
policy:
  release_permission: release_messages
notify:
  backend: webhook
  webhook:
    url: http://hooks.local/afternote
`))
	require.NoError(t, err)
	assert.Equal(t, "release_messages", cfg.Policy.ReleasePermission)
	assert.Equal(t, "webhook", cfg.Notify.Backend)
	assert.Equal(t, 30, cfg.Policy.DefaultAutoResolveDays, "untouched keys keep defaults")
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"release mode":  "policy:\n  release_permission: anyone\n",
		"cron":          "sweep:\n  schedule: every day\n",
		"redis url":     "lock:\n  backend: redis\n",
		"smtp settings": "notify:\n  backend: smtp\n",
		"days":          "policy:\n  default_auto_resolve_days: 0\n",
		"base path":     "server:\n  base_path: v1\n",
	}
	for name, doc := range cases {
		_, err := FromYAML([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("sweep:\n  enabled: false\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.False(t, cfg.Sweep.Enabled)
}

func TestOverlayFromEnv(t *testing.T) {
	t.Setenv("AFTERNOTE_AUTH_JWT_SECRET", "from-env")
	t.Setenv("AFTERNOTE_POLICY_DEFAULT_AUTO_RESOLVE_DAYS", "45")
	t.Setenv("AFTERNOTE_SWEEP_ENABLED", "false")
	v := NewViper()
	v.Set("lock.backend", "redis")
	v.Set("lock.redis_url", "redis://localhost:6379/0")

	cfg := Default()
	require.NoError(t, Overlay(cfg, v))
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, 45, cfg.Policy.DefaultAutoResolveDays)
	assert.False(t, cfg.Sweep.Enabled)
	assert.Equal(t, "redis", cfg.Lock.Backend)
}

func TestOverlayValidates(t *testing.T) {
	v := NewViper()
	v.Set("policy.release_permission", "bogus")
	require.Error(t, Overlay(Default(), v))
}
