// Package cmd implements the forgecore command line.
package cmd

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"forgecore/internal/config"
	"forgecore/internal/observability"
	"forgecore/internal/ui"
	"forgecore/pkg/errors"
	"forgecore/pkg/models"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every command
type globalOptions struct {
	configFile string
	logLevel   string
	verbose    bool
	quiet      bool
	noColor    bool
}

// cli is the state of one invocation
type cli struct {
	opts   globalOptions
	cfg    *models.Config
	logger *observability.Logger
	ui     *ui.UI
}

// NewRootCommand builds the command tree
func NewRootCommand() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "forgecore",
		Short:         "Git hosting over SSH with repository locks and stacked rebases",
		Long:          "forgecore serves Git repositories over SSH, serializes repository writes with a shared lock store and keeps stacked branches rebased.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.opts.noColor {
				ui.SetColor(false)
			}
			ui.Out = cmd.OutOrStdout()
			c.ui = ui.NewUI(c.opts.verbose, c.opts.quiet)
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.opts.configFile, "config", "", "config file (default ./config.yaml or ~/.forgecore/config.yaml)")
	flags.StringVar(&c.opts.logLevel, "log-level", "", "override logging.level")
	flags.BoolVarP(&c.opts.verbose, "verbose", "v", false, "verbose output")
	flags.BoolVarP(&c.opts.quiet, "quiet", "q", false, "only print errors")
	flags.BoolVar(&c.opts.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newServeCommand(c),
		newRepoCommand(c),
		newLockCommand(c),
		newStackCommand(c),
		newMirrorCommand(c),
		newInitCommand(c),
		newVersionCommand(),
	)
	return root
}

// Execute runs the CLI and exits non-zero on error
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		var appErr *errors.AppError
		if stderrors.As(err, &appErr) && len(appErr.Suggestions) == 0 {
			if hint := ui.Suggest(err); hint != "" {
				appErr.WithSuggestions(hint)
			}
		}
		color := isatty.IsTerminal(os.Stderr.Fd())
		errors.NewErrorHandler(nil, os.Stderr, color).Handle(err)
		stop()
		os.Exit(1)
	}
}

// config loads and validates the configuration once per invocation
func (c *cli) config() (*models.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}

	var (
		cfg *models.Config
		err error
	)
	if c.opts.configFile != "" {
		cfg, err = config.LoadFile(c.opts.configFile)
	} else {
		cfg, err = config.Load(config.NewViper(""))
	}
	if err != nil {
		return nil, err
	}
	if c.opts.logLevel != "" {
		cfg.Logging.Level = c.opts.logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	c.cfg = cfg
	return cfg, nil
}

// log builds the logger from the loaded config. CLI commands log to stderr
// so that stdout stays parseable.
func (c *cli) log(cfg *models.Config, out io.Writer) *observability.Logger {
	if c.logger != nil {
		return c.logger
	}
	level := cfg.Logging.Level
	if c.opts.verbose && level == "" {
		level = "debug"
	}
	c.logger = observability.NewLogger(observability.LoggerConfig{
		Level:       observability.LogLevelFromString(level),
		Output:      out,
		Service:     "forgecore",
		Version:     Version,
		Environment: cfg.Environment,
		Encoder:     observability.EncoderFromString(cfg.Logging.Format),
	})
	observability.SetDefaultLogger(c.logger)
	return c.logger
}

// errMessage is the short form of err for one-line warnings
func errMessage(err error) string {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
