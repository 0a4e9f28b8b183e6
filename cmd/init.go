package cmd

import (
	"os"

	"forgecore/internal/config"
	"forgecore/internal/ui"
	"forgecore/pkg/errors"

	"github.com/spf13/cobra"
)

func newInitCommand(c *cli) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a server configuration interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			file := c.opts.configFile
			if file == "" {
				file = config.GetConfigFile()
			}

			base := config.Defaults()
			if _, err := os.Stat(file); err == nil {
				if !force {
					return errors.New(errors.ErrCodeConfigInvalid, "config file already exists").
						WithContext("file", file).
						WithSuggestions("Pass --force to edit the existing file")
				}
				existing, err := config.LoadFile(file)
				if err != nil {
					return err
				}
				base = existing
			}

			if !ui.IsInteractive() {
				return errors.New(errors.ErrCodeInvalidArg, "init needs an interactive terminal").
					WithSuggestions("Write " + file + " by hand; every key has a FORGECORE_ environment override")
			}

			cfg, err := ui.NewConfigWizard(base).Run()
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfg, file); err != nil {
				return err
			}
			c.ui.Success("Configuration written to " + file)
			c.ui.Info("Start the server with 'forgecore serve'")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "edit an existing config file")
	return cmd
}
