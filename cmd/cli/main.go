package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	simple "github.com/cochaviz/kforge/config"
	"github.com/cochaviz/kforge/internal/build"
	"github.com/cochaviz/kforge/internal/catalog"
	"github.com/cochaviz/kforge/internal/logging"
	"github.com/cochaviz/kforge/internal/privilege"
	"github.com/cochaviz/kforge/internal/setup"
)

const (
	exitOK          = 0
	exitError       = 1
	exitUsage       = 2
	exitDenied      = 3
	exitUnavailable = 4
	exitInterrupted = 130
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state := &cli{level: &levelVar, logger: logger}
	root := newRootCommand(state)
	err := root.ExecuteContext(ctx)
	code := exitCode(err)
	switch code {
	case exitOK:
	case exitInterrupted:
		state.logger.Warn("command interrupted", "error", err)
	default:
		state.logger.Error("command failed", "error", err)
	}
	os.Exit(code)
}

// cli carries what the persistent flags resolve to.
type cli struct {
	level      *slog.LevelVar
	logger     *slog.Logger
	configPath string
	logLevel   string
	logFormat  string

	settings setup.Settings
	built    *simple.Engine
}

// engine builds the engine on first use so that commands which never need it skip the privilege
// configuration entirely.
func (c *cli) engine() (*simple.Engine, error) {
	if c.built != nil {
		return c.built, nil
	}
	engine, err := simple.New(c.settings, c.logger)
	if err != nil {
		return nil, err
	}
	c.built = engine
	return engine, nil
}

func newRootCommand(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "kforge",
		Short:         "Build, install and remove custom Linux kernels",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&c.configPath, "config", "", "Config file (default "+setup.DefaultConfigFile()+")")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&c.logFormat, "log-format", "", "Log format (cli, json, pretty)")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		settings, err := setup.Load(c.configPath)
		if err != nil {
			return usageError{err}
		}
		if cmd.Flags().Changed("log-level") {
			settings.Log.Level = c.logLevel
		}
		if cmd.Flags().Changed("log-format") {
			settings.Log.Format = c.logFormat
		}

		level, err := logging.ParseLevel(settings.Log.Level)
		if err != nil {
			return usageError{err}
		}
		format, err := logging.ParseFormat(settings.Log.Format)
		if err != nil {
			return usageError{err}
		}
		c.level.Set(level)
		c.logger = logging.New(logging.Options{Format: format, Writer: os.Stderr, Level: c.level})
		slog.SetDefault(c.logger)
		setup.SetLogger(c.logger.With("component", "setup"))
		c.settings = settings
		return nil
	}

	root.AddCommand(
		newProbeCommand(c),
		newVersionsCommand(c),
		newBuildCommand(c),
		newRemoveCommand(c),
		newHistoryCommand(c),
		newRebootCommand(c),
		newDoctorCommand(c),
		newDepsCommand(c),
		newConfigCommand(c),
		newDaemonCommand(c),
		newHelperCommand(),
	)
	return root
}

// usageError marks errors caused by how the command was invoked.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

func exitCode(err error) int {
	var usage usageError
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled), errors.Is(err, build.ErrCancelled):
		return exitInterrupted
	case errors.Is(err, privilege.ErrPrivilegeDenied):
		return exitDenied
	case errors.Is(err, catalog.ErrCatalogUnavailable):
		return exitUnavailable
	case errors.As(err, &usage), errors.Is(err, build.ErrInvalidRequest):
		return exitUsage
	default:
		return exitError
	}
}

func parseChannels(values []string) ([]catalog.Channel, error) {
	channels := make([]catalog.Channel, 0, len(values))
	for _, value := range values {
		channel, err := catalog.ParseChannel(value)
		if err != nil {
			return nil, usageError{err}
		}
		channels = append(channels, channel)
	}
	return channels, nil
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
