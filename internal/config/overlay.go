package config

import (
	"strings"

	"github.com/spf13/viper"
)

const EnvPrefix = "AFTERNOTE"

// NewViper returns a viper instance reading AFTERNOTE_* variables, with dots
// and dashes in keys mapped to underscores (auth.jwt_secret -> AFTERNOTE_AUTH_JWT_SECRET).
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Overlay copies every key set in v (flag, env or explicit) onto c and re-validates.
func Overlay(c *Config, v *viper.Viper) error {
	str := func(key string, dst *string) {
		if s := v.GetString(key); s != "" {
			*dst = s
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) || v.GetString(key) != "" {
			*dst = v.GetInt(key)
		}
	}
	str("server.addr", &c.Server.Addr)
	str("server.base_path", &c.Server.BasePath)
	str("auth.jwt_secret", &c.Auth.JWTSecret)
	str("auth.admin_role", &c.Auth.AdminRole)
	str("policy.release_permission", &c.Policy.ReleasePermission)
	num("policy.default_auto_resolve_days", &c.Policy.DefaultAutoResolveDays)
	if v.IsSet("policy.auto_release_on_quorum") || v.GetString("policy.auto_release_on_quorum") != "" {
		c.Policy.AutoReleaseOnQuorum = v.GetBool("policy.auto_release_on_quorum")
	}
	if v.IsSet("sweep.enabled") || v.GetString("sweep.enabled") != "" {
		c.Sweep.Enabled = v.GetBool("sweep.enabled")
	}
	str("sweep.schedule", &c.Sweep.Schedule)
	str("lock.backend", &c.Lock.Backend)
	str("lock.redis_url", &c.Lock.RedisURL)
	if d := v.GetDuration("lock.ttl"); d > 0 {
		c.Lock.TTL = d
	}
	str("notify.backend", &c.Notify.Backend)
	num("notify.workers", &c.Notify.Workers)
	str("notify.smtp.host", &c.Notify.SMTP.Host)
	num("notify.smtp.port", &c.Notify.SMTP.Port)
	str("notify.smtp.username", &c.Notify.SMTP.Username)
	str("notify.smtp.password", &c.Notify.SMTP.Password)
	str("notify.smtp.from", &c.Notify.SMTP.From)
	str("notify.webhook.url", &c.Notify.Webhook.URL)
	str("notify.webhook.secret", &c.Notify.Webhook.Secret)
	return c.Validate()
}
