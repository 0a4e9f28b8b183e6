package cmd

import (
	"context"
	"time"

	"forgecore/internal/config"
	"forgecore/internal/mirror"
	"forgecore/internal/observability"
	"forgecore/internal/security"
	"forgecore/internal/stack"
	"forgecore/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(c *cli) *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SSH git server",
		Long: `Serve the repositories under ssh.repo_root over SSH.

Clients authenticate with the public keys listed under access.users. When
admin.enabled is set, /healthz, /livez and /metrics are served on
admin.listen_addr. Mirrors with an interval are synced in the background.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.SSH.ListenAddr = listenAddr
			}
			if err := config.ValidateServe(cfg); err != nil {
				return err
			}
			return c.serve(cmd.Context(), cmd)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "override ssh.listen_addr")
	return cmd
}

func (c *cli) serve(ctx context.Context, cmd *cobra.Command) error {
	cfg := c.cfg
	logger := c.log(cfg, cmd.ErrOrStderr())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)

	k, err := buildComponents(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer k.Close()

	access, err := security.NewRegistry(cfg.Access, logger.WithField("component", "access"))
	if err != nil {
		return err
	}
	if len(access.Users()) == 0 {
		logger.Warn("no users configured under access.users; every connection will be rejected")
	}

	signer, created, err := transport.LoadOrCreateHostKey(cfg.SSH.HostKeyPath)
	if err != nil {
		return err
	}
	if created {
		logger.InfoWithFields("generated new host key", map[string]interface{}{
			"path":        cfg.SSH.HostKeyPath,
			"fingerprint": ssh.FingerprintSHA256(signer.PublicKey()),
		})
	}

	var handlers transport.PushHandlers
	if cfg.Access.AuditLog != "" {
		audit, err := security.OpenAuditLog(cfg.Access.AuditLog)
		if err != nil {
			return err
		}
		handlers = append(handlers, audit)
	}
	if cfg.Rebase.RestackOnPush {
		handlers = append(handlers, stack.NewRestackHook(k.orch, k.stacks, logger.WithField("component", "restack")))
	}

	server, err := transport.NewServer(transport.Config{
		HostKeys:      []ssh.Signer{signer},
		Authenticator: access,
		Authorizer:    access,
		Repos:         k.locator,
		Command:       transport.GitCommand(cfg.SSH.GitBinary),
		PushHandler:   pushHandler(handlers),
		LoginGrace:    cfg.SSH.LoginGrace(),
		MaxAuthTries:  cfg.SSH.MaxAuthTries,
		ServerVersion: "SSH-2.0-forgecore_" + Version,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.SSH.ListenAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		return server.Close()
	})

	if cfg.Admin.Enabled {
		health := observability.NewHealthManager(5*time.Second, logger)
		health.RegisterCheck(observability.NewCheckFunc("lock_store", k.locks.Ping))
		health.RegisterCheck(observability.NewDirectoryHealthCheck("repo_root", k.locator.Root()))
		health.SetMetadata("version", Version)
		health.SetMetadata("lock_backend", k.locks.Backend())

		admin := observability.NewAdminServer(health, reg, logger.WithField("component", "admin"))
		g.Go(func() error {
			return admin.ListenAndServe(gctx, cfg.Admin.ListenAddr)
		})
	}

	scheduler := mirror.NewScheduler(k.syncer(), cfg.Mirrors)
	if scheduler.Len() > 0 {
		g.Go(func() error {
			return scheduler.Run(gctx)
		})
	}

	logger.InfoWithFields("forgecore started", map[string]interface{}{
		"ssh_addr":  cfg.SSH.ListenAddr,
		"repo_root": k.locator.Root(),
		"users":     len(access.Users()),
		"mirrors":   scheduler.Len(),
	})
	err = g.Wait()
	logger.Info("forgecore stopped")
	return err
}

// pushHandler avoids handing the server a typed nil
func pushHandler(handlers transport.PushHandlers) transport.PushHandler {
	if len(handlers) == 0 {
		return nil
	}
	return handlers
}
