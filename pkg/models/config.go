package models

import "time"

// Environment names recognised by the lock store policy
const (
	EnvironmentProduction  = "production"
	EnvironmentStaging     = "staging"
	EnvironmentDevelopment = "development"
)

// Lock store backends
const (
	LockBackendRedis  = "redis"
	LockBackendSQL    = "sql"
	LockBackendMemory = "memory"
)

// Store error policies
const (
	PolicyFailClosed = "fail-closed"
	PolicyFailOpen   = "fail-open"
)

// Stack store backends
const (
	StackBackendFile = "file"
	StackBackendSQL  = "sql"
)

type Config struct {
	Environment string        `yaml:"environment"`
	SSH         SSHConfig     `yaml:"ssh"`
	Lock        LockConfig    `yaml:"lock"`
	Rebase      RebaseConfig  `yaml:"rebase"`
	Stacks      StacksConfig  `yaml:"stacks"`
	Access      AccessConfig  `yaml:"access"`
	Mirrors     []Mirror      `yaml:"mirrors"`
	Admin       AdminConfig   `yaml:"admin"`
	Logging     LoggingConfig `yaml:"logging"`
}

// IsProduction reports whether the config describes a production deployment
func (c *Config) IsProduction() bool {
	return c.Environment == EnvironmentProduction
}

type SSHConfig struct {
	ListenAddr     string `yaml:"listen_addr"`
	HostKeyPath    string `yaml:"host_key_path"`
	RepoRoot       string `yaml:"repo_root"`
	GitBinary      string `yaml:"git_binary"`
	LoginGraceTime string `yaml:"login_grace_time"`
	MaxAuthTries   int    `yaml:"max_auth_tries"`
}

// LoginGrace returns the handshake deadline, 2m when unset or invalid
func (s SSHConfig) LoginGrace() time.Duration {
	return ParseDuration(s.LoginGraceTime, 2*time.Minute)
}

type LockConfig struct {
	Backend          string      `yaml:"backend"`
	StoreErrorPolicy string      `yaml:"store_error_policy"`
	TTL              string      `yaml:"ttl"`
	RetryCount       int         `yaml:"retry_count"`
	RetryDelay       string      `yaml:"retry_delay"`
	SweepInterval    string      `yaml:"sweep_interval"`
	KeyPrefix        string      `yaml:"key_prefix"`
	Redis            RedisConfig `yaml:"redis"`
	SQL              SQLConfig   `yaml:"sql"`
}

// TTLDuration returns the default lock TTL
func (l LockConfig) TTLDuration() time.Duration {
	return ParseDuration(l.TTL, 5*time.Minute)
}

// RetryDelayDuration returns the fixed delay between acquisition attempts
func (l LockConfig) RetryDelayDuration() time.Duration {
	return ParseDuration(l.RetryDelay, 200*time.Millisecond)
}

// SweepIntervalDuration returns how often the memory store drops expired keys
func (l LockConfig) SweepIntervalDuration() time.Duration {
	return ParseDuration(l.SweepInterval, 30*time.Second)
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	// Password may be ENC[...] encrypted or an @credential:<name> keyring reference
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	DialTimeout string `yaml:"dial_timeout"`
}

type SQLConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RebaseConfig struct {
	// WorktreeDir holds temporary worktrees for bare repositories; defaults to the OS temp dir
	WorktreeDir    string `yaml:"worktree_dir"`
	CommandTimeout string `yaml:"command_timeout"`
	LockTTL        string `yaml:"lock_ttl"`
	RestackOnPush  bool   `yaml:"restack_on_push"`
	// CommitterName and CommitterEmail stamp rebased commits
	CommitterName  string `yaml:"committer_name"`
	CommitterEmail string `yaml:"committer_email"`
}

// CommandTimeoutDuration bounds a single git invocation
func (r RebaseConfig) CommandTimeoutDuration() time.Duration {
	return ParseDuration(r.CommandTimeout, 2*time.Minute)
}

// LockTTLDuration returns the TTL used for a whole stack run
func (r RebaseConfig) LockTTLDuration(fallback time.Duration) time.Duration {
	return ParseDuration(r.LockTTL, fallback)
}

type StacksConfig struct {
	Backend string    `yaml:"backend"`
	Path    string    `yaml:"path"`
	SQL     SQLConfig `yaml:"sql"`
}

type AccessConfig struct {
	Users []User `yaml:"users"`

	// AuditLog is a JSON lines file recording every push; empty disables it
	AuditLog string `yaml:"audit_log"`
}

// User is an SSH principal allowed to connect
type User struct {
	ID    string   `yaml:"id"`
	Keys  []string `yaml:"keys"`
	Read  bool     `yaml:"read"`
	Write bool     `yaml:"write"`
	// Repos are path.Match patterns against normalized repository paths; empty means all
	Repos []string `yaml:"repos"`
}

// Mirror keeps a hosted repository in sync with an upstream remote
type Mirror struct {
	Name     string     `yaml:"name"`
	Repo     string     `yaml:"repo"`
	URL      string     `yaml:"url"`
	Interval string     `yaml:"interval"`
	Auth     MirrorAuth `yaml:"auth"`
}

// IntervalDuration returns the sync period; zero disables scheduling
func (m Mirror) IntervalDuration() time.Duration {
	return ParseDuration(m.Interval, 0)
}

type MirrorAuth struct {
	Username   string `yaml:"username"`
	SSHKeyPath string `yaml:"ssh_key_path"`
	// Password is looked up in the keyring under the mirror name when empty
	Password string `yaml:"password"`
}

type AdminConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ParseDuration parses s, returning fallback for empty or invalid input
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
