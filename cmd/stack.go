package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"forgecore/internal/ui"
	"forgecore/pkg/errors"
	"forgecore/pkg/models"

	"github.com/spf13/cobra"
)

func newStackCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stack",
		Short: "Manage and rebase stacked branches",
		Long: `A stack is a base branch followed by branches that each build on the
previous one. Rebasing a stack replays every branch onto its rewritten parent,
in order, under the repository lock. The first conflict stops the run.`,
	}
	cmd.AddCommand(
		newStackListCommand(c),
		newStackCreateCommand(c),
		newStackDeleteCommand(c),
		newStackStatusCommand(c),
		newStackRebaseCommand(c),
	)
	return cmd
}

func newStackListCommand(c *cli) *cobra.Command {
	var repo string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored stacks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withComponents(cmd, func(ctx context.Context, k *components) error {
				var (
					stacks []*models.Stack
					err    error
				)
				if repo != "" {
					stacks, err = k.stacks.ListByRepo(ctx, repo)
				} else {
					stacks, err = k.stacks.List(ctx)
				}
				if err != nil {
					return err
				}
				if len(stacks) == 0 {
					c.ui.Info("No stacks stored")
					return nil
				}

				now := time.Now()
				table := ui.NewTable(c.ui.Writer(), "ID", "Repository", "Base", "Branches", "Updated")
				for _, s := range stacks {
					updated := "-"
					if !s.UpdatedAt.IsZero() {
						updated = ui.RelativeTime(s.UpdatedAt, now)
					}
					table.Append([]string{s.ID, s.Repo, s.Base, strings.Join(s.Branches()[1:], " <- "), updated})
				}
				table.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "only stacks of this repository")
	return cmd
}

func newStackCreateCommand(c *cli) *cobra.Command {
	var (
		repo string
		base string
	)

	cmd := &cobra.Command{
		Use:     "create <id> <branch>...",
		Short:   "Store a stack of branches, bottom first",
		Example: "  forgecore stack create login --repo team/app --base main login-api login-ui login-docs",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := &models.Stack{ID: args[0], Repo: repo, Base: base}
			for _, branch := range args[1:] {
				s.Entries = append(s.Entries, models.StackEntry{Branch: branch})
			}
			return c.withComponents(cmd, func(ctx context.Context, k *components) error {
				if _, err := k.locator.Locate(ctx, repo); err != nil {
					return err
				}
				if err := k.stacks.Save(ctx, s); err != nil {
					return err
				}
				c.ui.Success(fmt.Sprintf("Stored stack %s (%s)", s.ID, strings.Join(s.Branches(), " <- ")))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "repository path under the root")
	cmd.Flags().StringVar(&base, "base", "main", "branch the bottom entry is based on")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func newStackDeleteCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Forget a stored stack; branches are left alone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withComponents(cmd, func(ctx context.Context, k *components) error {
				if err := k.stacks.Delete(ctx, args[0]); err != nil {
					return err
				}
				c.ui.Success("Deleted stack " + args[0])
				return nil
			})
		},
	}
}

func newStackStatusCommand(c *cli) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status [id]",
		Short: "Show how far each branch is behind its parent",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withComponents(cmd, func(ctx context.Context, k *components) error {
				s, err := c.pickStack(ctx, k, args, "Stack to inspect:")
				if err != nil {
					return err
				}
				statuses, err := k.orch.Status(ctx, s)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, statuses)
				}
				ui.RenderStackStatus(c.ui.Writer(), statuses)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

func newStackRebaseCommand(c *cli) *cobra.Command {
	var (
		yes    bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "rebase [id]",
		Short: "Rebase every branch of a stack onto its parent",
		Long: `Rebase the stack's branches in order under the repository lock.

The command exits non-zero when a branch conflicts or fails; branches above it
are skipped and left untouched.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withComponents(cmd, func(ctx context.Context, k *components) error {
				s, err := c.pickStack(ctx, k, args, "Stack to rebase:")
				if err != nil {
					return err
				}

				if !yes && !asJSON {
					ok, err := ui.Confirm(fmt.Sprintf("Rebase %d branches of %s onto %s?", len(s.Entries), s.ID, s.Base), true)
					if err != nil {
						return err
					}
					if !ok {
						c.ui.Info("Rebase cancelled")
						return nil
					}
				}

				if !asJSON {
					c.ui.StartProgress(fmt.Sprintf("Rebasing %s", s.ID))
				}
				result, err := k.orch.Rebase(ctx, s)
				if !asJSON {
					c.ui.StopProgress(err == nil && result.Outcome() == models.OutcomeCompleted, "Rebase "+s.ID)
				}
				if err != nil {
					return err
				}

				if asJSON {
					if err := writeJSON(cmd, result); err != nil {
						return err
					}
				} else {
					ui.RenderRebaseResult(c.ui.Writer(), s, result)
				}
				return resultError(s, result)
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

// resultError turns an incomplete run into the command's exit error
func resultError(s *models.Stack, result *models.RebaseResult) error {
	switch result.Outcome() {
	case models.OutcomeConflicted:
		c := result.Conflicted[0]
		return errors.RebaseConflict(c.Branch, c.ConflictFiles).
			WithContext("stack_id", s.ID).
			WithSuggestions(fmt.Sprintf("Resolve the conflict on %s, then run 'forgecore stack rebase %s' again", c.Branch, s.ID))
	case models.OutcomeFailed:
		f := result.Failed[0]
		return errors.New(errors.ErrCodeGit, fmt.Sprintf("stack rebase failed at %s: %s", f.Branch, f.Reason)).
			WithContext("stack_id", s.ID)
	default:
		return nil
	}
}

// pickStack loads the stack named in args or asks for one
func (c *cli) pickStack(ctx context.Context, k *components, args []string, prompt string) (*models.Stack, error) {
	if len(args) == 1 {
		return k.stacks.Get(ctx, args[0])
	}
	if !ui.IsInteractive() {
		return nil, errors.New(errors.ErrCodeInvalidArg, "a stack id is required").
			WithSuggestions("List stacks with 'forgecore stack list'")
	}
	stacks, err := k.stacks.List(ctx)
	if err != nil {
		return nil, err
	}
	return ui.SelectStack(prompt, stacks)
}

// withComponents builds the shared components for one command
func (c *cli) withComponents(cmd *cobra.Command, fn func(ctx context.Context, k *components) error) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	k, err := buildComponents(ctx, cfg, c.log(cfg, cmd.ErrOrStderr()), nil)
	if err != nil {
		return err
	}
	defer k.Close()
	return fn(ctx, k)
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

