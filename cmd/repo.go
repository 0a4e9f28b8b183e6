package cmd

import (
	"fmt"
	"sort"
	"strings"

	"forgecore/internal/git"
	"forgecore/internal/ui"
	"forgecore/pkg/errors"

	"github.com/spf13/cobra"
)

func newRepoCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage hosted repositories",
	}
	cmd.AddCommand(newRepoInitCommand(c), newRepoListCommand(c))
	return cmd
}

func newRepoInitCommand(c *cli) *cobra.Command {
	var (
		branch string
		empty  bool
	)

	cmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Create a bare repository under the repository root",
		Example: `  forgecore repo init team/app
  forgecore repo init team/app.git --branch trunk --empty`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			locator, err := c.locator()
			if err != nil {
				return err
			}
			dir, err := locator.Init(cmd.Context(), args[0], git.InitOptions{
				Branch:        branch,
				InitialCommit: !empty,
			})
			if err != nil {
				return err
			}
			c.ui.Success(fmt.Sprintf("Created %s", dir))
			return nil
		},
	}
	cmd.Flags().StringVar(&branch, "branch", git.DefaultBranch, "initial branch HEAD points at")
	cmd.Flags().BoolVar(&empty, "empty", false, "do not create an initial commit")
	return cmd
}

func newRepoListCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List repositories under the repository root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			locator, err := c.locator()
			if err != nil {
				return err
			}
			repos, err := locator.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(repos) == 0 {
				c.ui.Info("No repositories found under " + locator.Root())
				return nil
			}

			table := ui.NewTable(c.ui.Writer(), "Repository", "Branches")
			for _, repo := range repos {
				dir, err := locator.Locate(cmd.Context(), repo)
				if err != nil {
					return err
				}
				tips, err := git.Branches(dir)
				if err != nil {
					return err
				}
				names := make([]string, 0, len(tips))
				for name := range tips {
					names = append(names, name)
				}
				sort.Strings(names)
				table.Append([]string{repo, strings.Join(names, ", ")})
			}
			table.Render()
			return nil
		},
	}
}

// locator only needs the repository root, not the lock or stack stores
func (c *cli) locator() (*git.Locator, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	if cfg.SSH.RepoRoot == "" {
		return nil, errors.ConfigError("repository root is required", "ssh.repo_root").
			WithSuggestions("Set ssh.repo_root in the config file or FORGECORE_SSH_REPO_ROOT")
	}
	return git.NewLocator(cfg.SSH.RepoRoot)
}
