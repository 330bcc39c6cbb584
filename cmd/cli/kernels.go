package main

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	simple "github.com/cochaviz/kforge/config"
	"github.com/cochaviz/kforge/internal/catalog"
	"github.com/cochaviz/kforge/internal/output"
	"github.com/cochaviz/kforge/internal/profile"
	"github.com/cochaviz/kforge/internal/removal"
)

func newVersionsCommand(c *cli) *cobra.Command {
	var (
		channelNames []string
		refresh      bool
	)

	cmd := &cobra.Command{
		Use:   "versions",
		Args:  exactArgs(0),
		Short: "List kernel releases available from kernel.org",
		RunE: func(cmd *cobra.Command, args []string) error {
			channels, err := parseChannels(channelNames)
			if err != nil {
				return err
			}
			engine, err := c.engine()
			if err != nil {
				return err
			}
			if refresh {
				engine.Catalog.Refresh()
			}

			var releases []catalog.KernelRelease
			err = output.RunWithSpinner(cmd.Context(), "Fetching release index", func() error {
				var err error
				releases, err = engine.Versions(cmd.Context(), channels...)
				return err
			})
			if err != nil {
				return err
			}
			if len(releases) == 0 {
				printf(cmd, "no releases\n")
				return nil
			}
			printf(cmd, "%s\n", output.RenderVersions(releases))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&channelNames, "channel", nil, "Only list these channels (stable, longterm, mainline, rc)")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Fetch the release index again")
	return cmd
}

// buildFlags are shared by "build" and "daemon start".
type buildFlags struct {
	profile      string
	name         string
	channel      string
	customFile   string
	cleanup      bool
	debugSymbols bool
}

func (f *buildFlags) register(cmd *cobra.Command) {
	names := make([]string, 0, len(profile.All()))
	for _, p := range profile.All() {
		names = append(names, p.String())
	}
	cmd.Flags().StringVarP(&f.profile, "profile", "p", profile.HardwareOptimized.String(), "Optimization profile ("+strings.Join(names, ", ")+")")
	cmd.Flags().StringVar(&f.name, "name", "", "Custom name in the kernel release (default from config, kforge)")
	cmd.Flags().StringVar(&f.channel, "channel", "", "Require the version to be on this channel")
	cmd.Flags().StringVar(&f.customFile, "custom-file", "", "YAML file with custom profile directives")
	cmd.Flags().BoolVar(&f.cleanup, "cleanup", false, "Remove sources and build output once the build ends, successful or not; build.log is kept")
	cmd.Flags().BoolVar(&f.debugSymbols, "debug-symbols", false, "Keep kernel debug information")
}

func (f *buildFlags) options(version string) (simple.BuildOptions, error) {
	opts := simple.BuildOptions{
		Version:      strings.TrimSpace(version),
		CustomName:   f.name,
		CustomFile:   f.customFile,
		Cleanup:      f.cleanup,
		DebugSymbols: f.debugSymbols,
	}
	if _, err := catalog.ParseVersion(opts.Version); err != nil {
		return opts, usageError{err}
	}
	p, err := profile.Parse(f.profile)
	if err != nil {
		return opts, usageError{err}
	}
	opts.Profile = p
	if p == profile.Custom && f.customFile == "" {
		return opts, usageError{errors.New("the custom profile needs --custom-file")}
	}
	if f.channel != "" {
		channel, err := catalog.ParseChannel(f.channel)
		if err != nil {
			return opts, usageError{err}
		}
		opts.Channel = channel
	}
	return opts, nil
}

func newBuildCommand(c *cli) *cobra.Command {
	var (
		flags   buildFlags
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "build <version>",
		Args:  exactArgs(1),
		Short: "Download, configure, compile and install a kernel",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options(args[0])
			if err != nil {
				return err
			}
			engine, err := c.engine()
			if err != nil {
				return err
			}

			cmdLogger := c.logger.With("command", "build", "version", opts.Version, "profile", opts.Profile)
			cmdLogger.Debug("starting build", "work_dir", engine.Settings.WorkDir)

			snap, err := engine.Build(cmd.Context(), opts, output.NewProgress(cmd.OutOrStdout(), verbose))
			if err != nil {
				return err
			}
			printf(cmd, "installed %s; run 'kforge reboot' to boot it\n", output.StyleNoun.Render(snap.KernelRelease))
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show build output")
	return cmd
}

func newRemoveCommand(c *cli) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "remove <version>",
		Args:  exactArgs(1),
		Short: "Uninstall a kernel built by kforge",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := c.engine()
			if err != nil {
				return err
			}

			var lines func(string)
			if verbose {
				lines = func(line string) { printf(cmd, "%s\n", output.StyleDim.Render(line)) }
			}
			result, err := engine.Remove(cmd.Context(), strings.TrimSpace(args[0]), lines)
			for _, warning := range result.Warnings {
				c.logger.Warn(warning, "version", result.Version)
			}
			if errors.Is(err, removal.ErrRemovalPartial) {
				printf(cmd, "%s %s: %v\n", output.OutcomeStyle("partial").Render("partially removed"), result.KernelRelease, err)
				return err
			}
			if err != nil {
				return err
			}
			printf(cmd, "removed %s\n", output.StyleNoun.Render(result.KernelRelease))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show command output")
	return cmd
}

func newHistoryCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Args:  exactArgs(0),
		Short: "List kernels installed and removed by kforge",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := c.engine()
			if err != nil {
				return err
			}
			entries, err := engine.History()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				printf(cmd, "no kernels recorded\n")
				return nil
			}
			printf(cmd, "%s\n", output.RenderHistory(entries))
			return nil
		},
	}
}
