package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"forgecore/internal/git"
	"forgecore/internal/mirror"
	"forgecore/internal/ui"
	"forgecore/pkg/errors"
	"forgecore/pkg/models"

	"github.com/spf13/cobra"
)

func newMirrorCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Keep hosted repositories in sync with upstream remotes",
	}
	cmd.AddCommand(newMirrorListCommand(c), newMirrorSyncCommand(c))
	return cmd
}

func newMirrorListCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured mirrors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			if len(cfg.Mirrors) == 0 {
				c.ui.Info("No mirrors configured")
				return nil
			}
			table := ui.NewTable(c.ui.Writer(), "Name", "Repository", "Remote", "Interval")
			for _, m := range cfg.Mirrors {
				interval := "manual"
				if d := m.IntervalDuration(); d > 0 {
					interval = d.String()
				}
				table.Append([]string{m.Name, m.Repo, git.RedactURL(m.URL), interval})
			}
			table.Render()
			return nil
		},
	}
}

func newMirrorSyncCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [name]...",
		Short: "Fetch configured mirrors now (all when no name is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			mirrors, err := selectMirrors(cfg.Mirrors, args)
			if err != nil {
				return err
			}

			return c.withComponents(cmd, func(ctx context.Context, k *components) error {
				var progress []*git.ProgressWriter
				syncer := k.syncer(mirror.WithProgress(func(m models.Mirror) io.Writer {
					if c.opts.quiet {
						return nil
					}
					pw := git.NewProgressWriter(c.ui.Writer(), "Syncing "+m.Name)
					progress = append(progress, pw)
					return pw
				}))

				var failed []string
				table := ui.NewTable(c.ui.Writer(), "Mirror", "Repository", "Result", "Duration")
				for _, m := range mirrors {
					res, err := syncer.Sync(ctx, m)
					if n := len(progress); n > 0 {
						progress[n-1].Complete(err)
						progress = progress[:0]
					}
					table.Append([]string{m.Name, m.Repo, syncOutcome(res, err), res.Duration.Round(time.Millisecond).String()})
					if err != nil {
						failed = append(failed, m.Name)
						c.ui.Warning(fmt.Sprintf("%s: %s", m.Name, errMessage(err)))
					}
				}
				table.Render()

				if len(failed) > 0 {
					return errors.New(errors.ErrCodeMirrorSyncFailed, "mirror sync failed: "+strings.Join(failed, ", "))
				}
				return nil
			})
		},
	}
}

func syncOutcome(res mirror.Result, err error) string {
	switch {
	case err != nil:
		return "failed"
	case res.Created:
		return "created"
	case res.Changed:
		return "updated"
	default:
		return "up to date"
	}
}

// selectMirrors returns the mirrors named in names, or all of them
func selectMirrors(all []models.Mirror, names []string) ([]models.Mirror, error) {
	if len(all) == 0 {
		return nil, errors.ConfigError("no mirrors configured", "mirrors")
	}
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]models.Mirror, len(all))
	for _, m := range all {
		byName[m.Name] = m
	}
	out := make([]models.Mirror, 0, len(names))
	for _, name := range names {
		m, ok := byName[name]
		if !ok {
			return nil, errors.New(errors.ErrCodeInvalidArg, fmt.Sprintf("unknown mirror %q", name)).
				WithSuggestions("List mirrors with 'forgecore mirror list'")
		}
		out = append(out, m)
	}
	return out, nil
}
