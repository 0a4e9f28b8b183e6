package cmd

import (
	"context"
	"time"

	"forgecore/internal/lock"
	"forgecore/pkg/models"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newLockCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Acquire and release named locks in the configured store",
		Long: `Operate on the lock store shared by every forgecore process.

With --repo the key is derived from a repository path exactly as the server
and stack rebases derive it, so an operator can hold a repository while doing
maintenance by hand.`,
	}
	cmd.AddCommand(newLockAcquireCommand(c), newLockReleaseCommand(c))
	return cmd
}

type lockFlags struct {
	repo bool
}

func (f *lockFlags) register(fs *pflag.FlagSet) {
	fs.BoolVar(&f.repo, "repo", false, "treat the key as a repository path")
}

func (f *lockFlags) key(arg string) string {
	if f.repo {
		return lock.RepoKey(arg)
	}
	return arg
}

// acquiredLock is the --json output of lock acquire
type acquiredLock struct {
	Key       string    `json:"key"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Degraded  bool      `json:"degraded,omitempty"`
}

func newLockAcquireCommand(c *cli) *cobra.Command {
	var (
		flags   lockFlags
		ttl     time.Duration
		retries int
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "acquire <key>",
		Short: "Acquire a lock and print its token",
		Example: `  forgecore lock acquire deploy --ttl 10m
  forgecore lock acquire --repo team/app.git --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, cfg, err := c.lockManager(ctx, cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			opts := lock.Options{TTL: ttl, RetryCount: retries}
			if cmd.Flags().Changed("retries") && retries == 0 {
				opts.NoRetry = true
			}
			l, err := m.Acquire(ctx, flags.key(args[0]), opts)
			if err != nil {
				return err
			}

			out := acquiredLock{Key: l.Key, Token: l.Token, ExpiresAt: l.ExpiresAt(), Degraded: l.Degraded()}
			if asJSON {
				return writeJSON(cmd, out)
			}

			c.ui.Success("Lock acquired")
			c.ui.PrintKeyValue("Key", out.Key)
			c.ui.PrintKeyValue("Token", out.Token)
			c.ui.PrintKeyValue("Expires", out.ExpiresAt.Format(time.RFC3339))
			if cfg.Lock.Backend == models.LockBackendMemory || cfg.Lock.Backend == "" {
				c.ui.Warning("the memory backend forgets the lock when this command exits")
			}
			if out.Degraded {
				c.ui.Warning("lock store failed; the lock was granted degraded and excludes no one")
			}
			return nil
		},
	}
	flags.register(cmd.Flags())
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "lock TTL (default lock.ttl)")
	cmd.Flags().IntVar(&retries, "retries", 0, "attempts after the first when the key is held (default lock.retry_count)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the lock as JSON")
	return cmd
}

func newLockReleaseCommand(c *cli) *cobra.Command {
	var flags lockFlags

	cmd := &cobra.Command{
		Use:   "release <key> <token>",
		Short: "Release a lock previously acquired with the given token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, _, err := c.lockManager(ctx, cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			if err := m.Release(ctx, flags.key(args[0]), args[1]); err != nil {
				return err
			}
			c.ui.Success("Lock released: " + flags.key(args[0]))
			return nil
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

// lockManager opens only the lock store
func (c *cli) lockManager(ctx context.Context, cmd *cobra.Command) (*lock.Manager, *models.Config, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, nil, err
	}
	m, err := lock.NewManagerFromConfig(ctx, cfg, c.log(cfg, cmd.ErrOrStderr()), nil)
	if err != nil {
		return nil, nil, err
	}
	return m, cfg, nil
}

