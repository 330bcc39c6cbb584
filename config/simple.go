// Package simple wires the kforge engine from settings. It is the only place that knows every
// concrete implementation; the front ends talk to Engine.
package simple

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cochaviz/kforge/internal/build"
	"github.com/cochaviz/kforge/internal/catalog"
	"github.com/cochaviz/kforge/internal/daemon"
	"github.com/cochaviz/kforge/internal/host"
	"github.com/cochaviz/kforge/internal/ledger"
	"github.com/cochaviz/kforge/internal/logging"
	"github.com/cochaviz/kforge/internal/privilege"
	"github.com/cochaviz/kforge/internal/process"
	"github.com/cochaviz/kforge/internal/profile"
	"github.com/cochaviz/kforge/internal/removal"
	"github.com/cochaviz/kforge/internal/setup"
)

// Engine is the assembled object graph.
type Engine struct {
	Settings   setup.Settings
	Logger     *slog.Logger
	Runner     process.Runner
	Host       *host.Cache
	Catalog    *catalog.Catalog
	Privileges *privilege.Session
	Ledger     *ledger.Store
	Pipeline   *build.Pipeline
	Remover    *removal.Remover
}

// New builds an Engine from settings. Nothing is probed, fetched or authenticated yet.
func New(settings setup.Settings, logger *slog.Logger) (*Engine, error) {
	settings = settings.WithDefaults()
	logger = logging.Ensure(logger)

	method, err := privilege.ParseMethod(settings.Privilege.Method)
	if err != nil {
		return nil, fmt.Errorf("privilege.method: %w", err)
	}
	policy, err := privilege.ParseBusyPolicy(settings.Privilege.BusyPolicy)
	if err != nil {
		return nil, fmt.Errorf("privilege.busy_policy: %w", err)
	}

	runner := &process.Local{
		Logger:      logger.With("component", "process"),
		GracePeriod: settings.Build.GracePeriod,
		TailLines:   settings.Build.TailLines,
	}

	escalator, err := privilege.NewEscalator(method, privilege.CurrentEnvironment(), privilege.Options{
		Logger: logger,
		Runner: runner,
	})
	if err != nil {
		return nil, err
	}
	session := privilege.NewSession(escalator, policy, logger)

	probe := &host.Cache{Prober: host.NewProber(logger)}

	retry := catalog.Retry{
		Attempts: settings.Catalog.Retry.Attempts,
		Initial:  settings.Catalog.Retry.Initial,
		Max:      settings.Catalog.Retry.Max,
	}.WithDefaults()

	kernels := catalog.New(logger)
	kernels.IndexURL = settings.Catalog.IndexURL
	kernels.Retry = retry
	if len(settings.Catalog.StableTemplates) > 0 {
		kernels.StableTemplates = settings.Catalog.StableTemplates
	}
	if len(settings.Catalog.RCTemplates) > 0 {
		kernels.RCTemplates = settings.Catalog.RCTemplates
	}

	store := ledger.NewStore(settings.StateDir, logger)
	store.MaxRemoved = settings.Ledger.MaxRemoved

	pipeline := &build.Pipeline{
		Logger:      logger,
		Prober:      probe,
		Resolver:    kernels,
		Privileges:  session,
		Ledger:      store,
		Runner:      runner,
		WorkDir:     settings.WorkDir,
		Parallelism: settings.Build.Jobs,
		TailLines:   settings.Build.TailLines,
		Retry:       retry,
	}

	return &Engine{
		Settings:   settings,
		Logger:     logger,
		Runner:     runner,
		Host:       probe,
		Catalog:    kernels,
		Privileges: session,
		Ledger:     store,
		Pipeline:   pipeline,
		Remover: &removal.Remover{
			Logger:     logger,
			Prober:     probe,
			Ledger:     store,
			Privileges: session,
		},
	}, nil
}

// BuildOptions are the front end's view of a build request. Zero fields fall back to settings.
type BuildOptions struct {
	Version string
	// Channel, when set, must match the release's channel.
	Channel      catalog.Channel
	Profile      profile.Profile
	CustomName   string
	CustomFile   string
	Cleanup      bool
	DebugSymbols bool
}

// Request resolves opts against the catalog and settings.
func (e *Engine) Request(ctx context.Context, opts BuildOptions) (build.Request, error) {
	release, err := e.Catalog.Lookup(ctx, opts.Version)
	if err != nil {
		return build.Request{}, err
	}
	if opts.Channel != "" && release.Channel != opts.Channel {
		return build.Request{}, fmt.Errorf("%w: %s is a %s release, not %s", build.ErrInvalidRequest, release.Version, release.Channel, opts.Channel)
	}

	req := build.Request{
		Release:      release,
		Profile:      opts.Profile,
		CustomName:   opts.CustomName,
		Cleanup:      opts.Cleanup || e.Settings.Build.Cleanup,
		DebugSymbols: opts.DebugSymbols || e.Settings.Build.DebugSymbols,
	}
	if req.CustomName == "" {
		req.CustomName = e.Settings.Build.CustomName
	}
	if opts.CustomFile != "" {
		custom, err := profile.LoadCustom(opts.CustomFile)
		if err != nil {
			return build.Request{}, err
		}
		req.Profile = profile.Custom
		req.Custom = custom.Directives
	}
	return req, nil
}

// Build runs one build to its terminal state. Cancelling ctx cancels the job; Build still waits
// for it to wind down.
func (e *Engine) Build(ctx context.Context, opts BuildOptions, sink build.EventSink) (build.Snapshot, error) {
	req, err := e.Request(ctx, opts)
	if err != nil {
		return build.Snapshot{}, err
	}
	job, err := e.Pipeline.Start(ctx, req, sink)
	if err != nil {
		return build.Snapshot{}, err
	}
	return job.Wait(context.WithoutCancel(ctx))
}

// Versions lists releases on the given channels, all channels when none are given.
func (e *Engine) Versions(ctx context.Context, channels ...catalog.Channel) ([]catalog.KernelRelease, error) {
	return e.Catalog.Versions(ctx, catalog.Filter{Channels: channels})
}

// Probe returns the host facts, probing again when refresh is set.
func (e *Engine) Probe(ctx context.Context, refresh bool) (host.HostFacts, error) {
	if refresh {
		return e.Host.Refresh(ctx)
	}
	return e.Host.Probe(ctx)
}

// Remove uninstalls a kernel recorded in the ledger.
func (e *Engine) Remove(ctx context.Context, version string, output process.LineFunc) (removal.Result, error) {
	remover := *e.Remover
	remover.Output = output
	return remover.Remove(ctx, version)
}

// History lists the ledger.
func (e *Engine) History() ([]ledger.Entry, error) {
	return e.Ledger.List()
}

// Reboot restarts the host.
func (e *Engine) Reboot(ctx context.Context) error {
	return privilege.Reboot(ctx, e.Runner, e.Privileges)
}

// Verify runs the doctor checks.
func (e *Engine) Verify(ctx context.Context) setup.Report {
	return setup.Verify(ctx, e.Settings, setup.VerifyOptions{Runner: e.Runner})
}

// ErrNothingToInstall is returned by InstallDependencies when the toolchain is complete.
var ErrNothingToInstall = errors.New("build dependencies already installed")

// InstallDependencies installs the distribution's kernel build packages under one grant.
func (e *Engine) InstallDependencies(ctx context.Context, output process.LineFunc) error {
	if len(host.MissingTools(nil)) == 0 {
		return ErrNothingToInstall
	}
	facts, err := e.Host.Probe(ctx)
	if err != nil {
		return err
	}
	cmd, ok := host.InstallPackagesCommand(facts, host.RequiredPackages(facts.DistroFamily))
	if !ok {
		return fmt.Errorf("no package installation command for %s (%s)", facts.DistroID, facts.PackageManager)
	}

	grant, err := e.Privileges.Acquire(ctx, "deps")
	if err != nil {
		return err
	}
	defer grant.Release()

	e.Logger.Info("installing build dependencies", "command", cmd.String())
	if _, err := grant.Runner().Run(ctx, cmd, output); err != nil {
		return fmt.Errorf("install build dependencies: %w", err)
	}
	return nil
}

// Server returns a daemon server hosting this engine's pipeline.
func (e *Engine) Server() *daemon.Server {
	return &daemon.Server{
		Logger:     e.Logger,
		SocketPath: e.Settings.Daemon.Socket,
		Jobs:       daemon.PipelineJobs{Pipeline: e.Pipeline},
		Releases:   e.Catalog,
		History:    e.Ledger,
		Remover:    e.Remover,
	}
}

// Client returns a client for the configured daemon socket.
func (e *Engine) Client() *daemon.Client {
	return daemon.NewClient(e.Settings.Daemon.Socket)
}
