package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigUnmarshal(t *testing.T) {
	raw := `
environment: production
ssh:
  listen_addr: ":2222"
  repo_root: /srv/git
  login_grace_time: 30s
lock:
  backend: redis
  ttl: 10m
  retry_count: 5
  retry_delay: 100ms
  redis:
    addr: redis:6379
access:
  users:
    - id: alice
      keys: ["ssh-ed25519 AAAA alice@laptop"]
      read: true
      write: true
      repos: ["team/*"]
mirrors:
  - name: upstream
    repo: vendor/lib.git
    url: https://example.com/lib.git
    interval: 15m
`
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(raw), &cfg))

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "/srv/git", cfg.SSH.RepoRoot)
	assert.Equal(t, 30*time.Second, cfg.SSH.LoginGrace())
	assert.Equal(t, LockBackendRedis, cfg.Lock.Backend)
	assert.Equal(t, 10*time.Minute, cfg.Lock.TTLDuration())
	assert.Equal(t, 100*time.Millisecond, cfg.Lock.RetryDelayDuration())
	assert.Equal(t, "redis:6379", cfg.Lock.Redis.Addr)
	require.Len(t, cfg.Access.Users, 1)
	assert.Equal(t, []string{"team/*"}, cfg.Access.Users[0].Repos)
	require.Len(t, cfg.Mirrors, 1)
	assert.Equal(t, 15*time.Minute, cfg.Mirrors[0].IntervalDuration())
}

func TestDurationDefaults(t *testing.T) {
	var cfg Config
	assert.Equal(t, 2*time.Minute, cfg.SSH.LoginGrace())
	assert.Equal(t, 5*time.Minute, cfg.Lock.TTLDuration())
	assert.Equal(t, 30*time.Second, cfg.Lock.SweepIntervalDuration())
	assert.Equal(t, time.Minute, cfg.Rebase.LockTTLDuration(time.Minute))
	assert.Equal(t, time.Duration(0), Mirror{}.IntervalDuration())
	assert.Equal(t, time.Second, ParseDuration("not-a-duration", time.Second))
}
