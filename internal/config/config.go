package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"forgecore/internal/common"
	"forgecore/pkg/errors"
	"forgecore/pkg/models"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides, e.g. FORGECORE_LOCK_BACKEND
const EnvPrefix = "FORGECORE"

// GetConfigPath returns the directory searched for config.yaml after the
// working directory
func GetConfigPath() string {
	if configPath := os.Getenv("FORGECORE_CONFIG"); configPath != "" {
		return filepath.Dir(configPath)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".forgecore")
}

// GetConfigFile returns the default config file location
func GetConfigFile() string {
	if configFile := os.Getenv("FORGECORE_CONFIG"); configFile != "" {
		cleaned, err := common.CleanPath(configFile)
		if err != nil {
			return filepath.Join(GetConfigPath(), "config.yaml")
		}
		return cleaned
	}
	return filepath.Join(GetConfigPath(), "config.yaml")
}

// SetDefaults registers every known key so that env overrides apply even when
// the config file omits them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("environment", models.EnvironmentDevelopment)

	v.SetDefault("ssh.listen_addr", ":2222")
	v.SetDefault("ssh.host_key_path", filepath.Join(GetConfigPath(), "ssh_host_ed25519_key"))
	v.SetDefault("ssh.repo_root", "")
	v.SetDefault("ssh.git_binary", "git")
	v.SetDefault("ssh.login_grace_time", "2m")
	v.SetDefault("ssh.max_auth_tries", 6)

	v.SetDefault("lock.backend", models.LockBackendMemory)
	v.SetDefault("lock.store_error_policy", models.PolicyFailClosed)
	v.SetDefault("lock.ttl", "5m")
	v.SetDefault("lock.retry_count", 10)
	v.SetDefault("lock.retry_delay", "200ms")
	v.SetDefault("lock.sweep_interval", "30s")
	v.SetDefault("lock.key_prefix", "forgecore:lock:")
	v.SetDefault("lock.redis.addr", "")
	v.SetDefault("lock.redis.username", "")
	v.SetDefault("lock.redis.password", "")
	v.SetDefault("lock.redis.db", 0)
	v.SetDefault("lock.redis.dial_timeout", "5s")
	v.SetDefault("lock.sql.driver", "sqlite3")
	v.SetDefault("lock.sql.dsn", "")

	v.SetDefault("rebase.worktree_dir", "")
	v.SetDefault("rebase.command_timeout", "2m")
	v.SetDefault("rebase.lock_ttl", "")
	v.SetDefault("rebase.restack_on_push", false)
	v.SetDefault("rebase.committer_name", "forgecore")
	v.SetDefault("rebase.committer_email", "forgecore@localhost")

	v.SetDefault("stacks.backend", models.StackBackendFile)
	v.SetDefault("stacks.path", filepath.Join(GetConfigPath(), "stacks.yaml"))
	v.SetDefault("stacks.sql.driver", "sqlite3")
	v.SetDefault("stacks.sql.dsn", "")

	v.SetDefault("access.audit_log", "")

	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.listen_addr", "127.0.0.1:9090")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// NewViper returns a viper instance with defaults, env binding and the
// standard search path. An explicit file takes precedence over the search path.
func NewViper(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		return v
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(GetConfigPath())
	return v
}

// Load reads configuration through v. A missing file is not an error; the
// defaults and environment still apply.
func Load(v *viper.Viper) (*models.Config, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to read config file").
				WithContext("file", v.ConfigFileUsed())
		}
	}

	// The models carry yaml tags only; decode with them so file keys, env keys
	// and struct fields share one naming.
	var cfg models.Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	}); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to unmarshal config")
	}

	if err := DecryptConfigPasswords(&cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to decrypt config secrets")
	}
	return &cfg, nil
}

// Defaults returns the built-in configuration without reading a file or the environment
func Defaults() *models.Config {
	v := viper.New()
	SetDefaults(v)
	var cfg models.Config
	_ = v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	})
	return &cfg
}

// LoadFile loads a specific file with env overrides
func LoadFile(file string) (*models.Config, error) {
	if _, err := os.Stat(file); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigNotFound, "config file not found").
			WithContext("file", file)
	}
	return Load(NewViper(file))
}

// Save writes cfg as YAML, encrypting secrets
func Save(cfg *models.Config, file string) error {
	if err := os.MkdirAll(filepath.Dir(file), common.DirPermissionSecure); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	out := *cfg
	out.Mirrors = append([]models.Mirror(nil), cfg.Mirrors...)
	if err := EncryptConfigPasswords(&out); err != nil {
		return err
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(file, data, common.FilePermissionSecure); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks cross-field rules that the loader cannot express
func Validate(cfg *models.Config) error {
	switch cfg.Environment {
	case "", models.EnvironmentProduction, models.EnvironmentStaging, models.EnvironmentDevelopment:
	default:
		return errors.ConfigError(fmt.Sprintf("unknown environment %q", cfg.Environment), "environment")
	}

	switch cfg.Lock.Backend {
	case models.LockBackendMemory:
	case models.LockBackendRedis:
		if cfg.Lock.Redis.Addr == "" {
			return errors.ConfigError("redis lock backend requires an address", "lock.redis.addr")
		}
	case models.LockBackendSQL:
		if cfg.Lock.SQL.DSN == "" {
			return errors.ConfigError("sql lock backend requires a dsn", "lock.sql.dsn")
		}
	default:
		return errors.ConfigError(fmt.Sprintf("unknown lock backend %q", cfg.Lock.Backend), "lock.backend")
	}

	switch cfg.Lock.StoreErrorPolicy {
	case "", models.PolicyFailClosed:
	case models.PolicyFailOpen:
		if cfg.IsProduction() {
			return errors.ConfigError("fail-open lock policy is not allowed in production", "lock.store_error_policy")
		}
	default:
		return errors.ConfigError(fmt.Sprintf("unknown store error policy %q", cfg.Lock.StoreErrorPolicy), "lock.store_error_policy")
	}

	if cfg.Lock.RetryCount < 0 {
		return errors.ConfigError("retry_count must not be negative", "lock.retry_count")
	}

	for field, value := range map[string]string{
		"ssh.login_grace_time":   cfg.SSH.LoginGraceTime,
		"lock.ttl":               cfg.Lock.TTL,
		"lock.retry_delay":       cfg.Lock.RetryDelay,
		"lock.sweep_interval":    cfg.Lock.SweepInterval,
		"rebase.command_timeout": cfg.Rebase.CommandTimeout,
		"rebase.lock_ttl":        cfg.Rebase.LockTTL,
	} {
		if err := validDuration(value); err != nil {
			return errors.ConfigError(err.Error(), field)
		}
	}

	switch cfg.Stacks.Backend {
	case "", models.StackBackendFile:
	case models.StackBackendSQL:
		if cfg.Stacks.SQL.DSN == "" {
			return errors.ConfigError("sql stack store requires a dsn", "stacks.sql.dsn")
		}
	default:
		return errors.ConfigError(fmt.Sprintf("unknown stack backend %q", cfg.Stacks.Backend), "stacks.backend")
	}

	seen := make(map[string]bool)
	for i, u := range cfg.Access.Users {
		if u.ID == "" {
			return errors.ConfigError("user id is required", fmt.Sprintf("access.users[%d].id", i))
		}
		if seen[u.ID] {
			return errors.ConfigError(fmt.Sprintf("duplicate user %q", u.ID), fmt.Sprintf("access.users[%d].id", i))
		}
		seen[u.ID] = true
	}

	for i, m := range cfg.Mirrors {
		if m.Name == "" || m.Repo == "" || m.URL == "" {
			return errors.ConfigError("mirror needs name, repo and url", fmt.Sprintf("mirrors[%d]", i))
		}
		if err := validDuration(m.Interval); err != nil {
			return errors.ConfigError(err.Error(), fmt.Sprintf("mirrors[%d].interval", i))
		}
	}

	return nil
}

// ValidateServe adds the checks only needed by the SSH server
func ValidateServe(cfg *models.Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	if cfg.SSH.RepoRoot == "" {
		return errors.ConfigError("repository root is required", "ssh.repo_root")
	}
	info, err := os.Stat(cfg.SSH.RepoRoot)
	if err != nil || !info.IsDir() {
		return errors.ConfigError(fmt.Sprintf("repository root %s is not a directory", cfg.SSH.RepoRoot), "ssh.repo_root")
	}
	return nil
}

func validDuration(s string) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("duration %s must not be negative", s)
	}
	return nil
}
