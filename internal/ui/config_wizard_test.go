package ui

import (
	"testing"

	"forgecore/pkg/models"

	"github.com/stretchr/testify/assert"
)

func TestWizardDefaults(t *testing.T) {
	a := NewConfigWizard(nil).Defaults()
	assert.Equal(t, models.EnvironmentDevelopment, a.Environment)
	assert.Equal(t, ":2222", a.ListenAddr)
	assert.Equal(t, models.LockBackendMemory, a.LockBackend)
	assert.Equal(t, models.StackBackendFile, a.StackBackend)

	base := &models.Config{
		Environment: models.EnvironmentProduction,
		Lock:        models.LockConfig{Backend: models.LockBackendRedis, Redis: models.RedisConfig{Addr: "redis:6379"}},
	}
	a = NewConfigWizard(base).Defaults()
	assert.Equal(t, models.EnvironmentProduction, a.Environment)
	assert.Equal(t, "redis:6379", a.LockAddr)
}

func TestWizardApply(t *testing.T) {
	base := &models.Config{Logging: models.LoggingConfig{Level: "debug"}}
	a := WizardAnswers{
		Environment:   models.EnvironmentStaging,
		ListenAddr:    ":22",
		RepoRoot:      "/srv/git",
		LockBackend:   models.LockBackendSQL,
		LockAddr:      "/var/lib/forgecore/locks.db",
		StackBackend:  models.StackBackendFile,
		RestackOnPush: true,
		AdminEnabled:  true,
	}

	cfg := a.Apply(base)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/srv/git", cfg.SSH.RepoRoot)
	assert.Equal(t, "sqlite3", cfg.Lock.SQL.Driver)
	assert.Equal(t, "/var/lib/forgecore/locks.db", cfg.Lock.SQL.DSN)
	assert.True(t, cfg.Rebase.RestackOnPush)
	assert.Equal(t, "127.0.0.1:9090", cfg.Admin.ListenAddr)
	assert.Empty(t, base.SSH.RepoRoot, "base must not be modified")
}

func TestWizardSummary(t *testing.T) {
	SetColor(false)
	a := WizardAnswers{Environment: models.EnvironmentProduction, LockBackend: models.LockBackendMemory}
	assert.Contains(t, a.Summary(), "memory locks do not exclude")

	a.LockBackend = models.LockBackendRedis
	a.LockAddr = "redis:6379"
	s := a.Summary()
	assert.Contains(t, s, "redis (redis:6379)")
	assert.NotContains(t, s, "memory locks")
}
