package main

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"

	simple "github.com/cochaviz/kforge/config"
	"github.com/cochaviz/kforge/internal/build"
	"github.com/cochaviz/kforge/internal/daemon"
	"github.com/cochaviz/kforge/internal/output"
	"github.com/cochaviz/kforge/internal/profile"
)

const followInterval = 500 * time.Millisecond

func newDaemonCommand(c *cli) *cobra.Command {
	var socketPath string
	resolveSocket := func() string {
		if path := strings.TrimSpace(socketPath); path != "" {
			return path
		}
		return c.settings.Daemon.Socket
	}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run or control the kforge build daemon",
	}
	cmd.PersistentFlags().StringVar(&socketPath, "socket", "", "Path to daemon control socket (default "+daemon.DefaultSocketPath+")")

	cmd.AddCommand(
		newDaemonServeCommand(c, resolveSocket),
		newDaemonStartCommand(c, resolveSocket),
		newDaemonCancelCommand(resolveSocket),
		newDaemonStatusCommand(resolveSocket),
		newDaemonListCommand(resolveSocket),
		newDaemonEventsCommand(resolveSocket),
	)
	return cmd
}

func newDaemonServeCommand(c *cli, socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Args:  exactArgs(0),
		Short: "Run the daemon server",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := c.engine()
			if err != nil {
				return err
			}
			server := engine.Server()
			server.SocketPath = socketPath()

			c.logger.Info("starting daemon", "socket", server.SocketPath)
			if err := server.Serve(cmd.Context()); err != nil {
				return err
			}
			c.logger.Info("daemon stopped")
			return nil
		},
	}
}

func newDaemonStartCommand(c *cli, socketPath func() string) *cobra.Command {
	var (
		flags   buildFlags
		follow  bool
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "start <version>",
		Args:  exactArgs(1),
		Short: "Ask the daemon to build a kernel",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options(args[0])
			if err != nil {
				return err
			}
			req, err := startPayload(opts)
			if err != nil {
				return err
			}
			if req.CustomName == "" {
				req.CustomName = c.settings.Build.CustomName
			}

			client := daemon.NewClient(socketPath())
			id, err := client.Start(req)
			if err != nil {
				return err
			}
			c.logger.Info("build scheduled", "id", id, "version", req.Version)
			if !follow {
				printf(cmd, "%s\n", id)
				return nil
			}
			return followJob(cmd, client, id, 0, verbose)
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow the job until it finishes")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show build output while following")
	return cmd
}

// startPayload reads the custom file on the client side so the daemon never opens user files.
func startPayload(opts simple.BuildOptions) (daemon.StartRequest, error) {
	req := daemon.StartRequest{
		Version:      opts.Version,
		Channel:      opts.Channel,
		Profile:      opts.Profile,
		CustomName:   opts.CustomName,
		Cleanup:      opts.Cleanup,
		DebugSymbols: opts.DebugSymbols,
	}
	if opts.CustomFile != "" {
		custom, err := profile.LoadCustom(opts.CustomFile)
		if err != nil {
			return daemon.StartRequest{}, usageError{err}
		}
		req.Profile = profile.Custom
		req.Custom = custom.Directives
	}
	return req, nil
}

// followJob prints events until the job ends and returns the job's outcome as an error.
func followJob(cmd *cobra.Command, client *daemon.Client, id string, since int, verbose bool) error {
	progress := output.NewProgress(cmd.OutOrStdout(), verbose)
	var last build.Event
	err := daemon.Follow(cmd.Context(), client, id, since, followInterval, func(e build.Event) {
		progress.Emit(e)
		last = e
	})
	if err != nil {
		return err
	}
	switch last.Kind {
	case build.EventCancelled:
		return build.ErrCancelled
	case build.EventFailed:
		return errors.New(last.Error)
	}
	return nil
}

func newDaemonCancelCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Args:  exactArgs(1),
		Short: "Cancel a build running in the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if err := daemon.NewClient(socketPath()).Cancel(id); err != nil {
				return err
			}
			printf(cmd, "cancellation requested for %s\n", id)
			return nil
		},
	}
}

func newDaemonStatusCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Args:  exactArgs(1),
		Short: "Show the state of a daemon build",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := daemon.NewClient(socketPath()).Status(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			printf(cmd, "%s\n", output.RenderJobs([]build.Snapshot{snap}))
			if snap.Err != "" {
				printf(cmd, "%s: %s\n", output.OutcomeStyle("failed").Render("error"), snap.Err)
			}
			return nil
		},
	}
}

func newDaemonListCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Args:  exactArgs(0),
		Short: "List builds managed by the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			snaps, err := daemon.NewClient(socketPath()).List()
			if err != nil {
				return err
			}
			if len(snaps) == 0 {
				printf(cmd, "no builds\n")
				return nil
			}
			printf(cmd, "%s\n", output.RenderJobs(snaps))
			return nil
		},
	}
}

func newDaemonEventsCommand(socketPath func() string) *cobra.Command {
	var (
		since   int
		follow  bool
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "events <id>",
		Args:  exactArgs(1),
		Short: "Print the events of a daemon build",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			client := daemon.NewClient(socketPath())
			if follow {
				return followJob(cmd, client, id, since, verbose)
			}

			page, err := client.Events(id, since)
			if err != nil {
				return err
			}
			progress := output.NewProgress(cmd.OutOrStdout(), verbose)
			for _, e := range page.Events {
				progress.Emit(e)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&since, "since", 0, "First event sequence number to print")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing until the job finishes")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", true, "Show build output")
	return cmd
}
