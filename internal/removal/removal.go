// Package removal uninstalls kernels recorded in the ledger.
package removal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cochaviz/kforge/internal/host"
	"github.com/cochaviz/kforge/internal/ledger"
	"github.com/cochaviz/kforge/internal/logging"
	"github.com/cochaviz/kforge/internal/privilege"
	"github.com/cochaviz/kforge/internal/process"
)

// Outcome classifies a finished removal.
type Outcome string

const (
	OutcomeRemoved Outcome = "removed"
	// OutcomePartial means the kernel is gone but the boot menu or the ledger may still list it.
	OutcomePartial Outcome = "partial"
)

var (
	// ErrRemovalPartial is wrapped by the error of a partial removal.
	ErrRemovalPartial = errors.New("removal incomplete")
	// ErrRunningKernel refuses removal of the kernel the host is running.
	ErrRunningKernel = errors.New("kernel is currently running")
	// ErrNotInstalled is returned for versions without an active ledger entry.
	ErrNotInstalled = errors.New("kernel is not installed")
)

// Result describes a removal that deleted the kernel.
type Result struct {
	Version       string   `json:"version"`
	KernelRelease string   `json:"kernel_release"`
	Outcome       Outcome  `json:"outcome"`
	Warnings      []string `json:"warnings,omitempty"`
}

// HostProber supplies the facts that select the removal commands.
type HostProber interface {
	Probe(ctx context.Context) (host.HostFacts, error)
}

// Ledger is the part of the installation ledger a removal needs.
type Ledger interface {
	Get(version string) (ledger.Entry, error)
	MarkRemoved(version string) (ledger.Entry, error)
}

// Privileges hands out the grant that runs the removal commands.
type Privileges interface {
	Acquire(ctx context.Context, owner string) (*privilege.Grant, error)
}

var (
	_ Ledger     = (*ledger.Store)(nil)
	_ Privileges = (*privilege.Session)(nil)
	_ HostProber = (*host.Cache)(nil)
)

// Remover reverses installations made by the build pipeline.
type Remover struct {
	Logger     *slog.Logger
	Prober     HostProber
	Ledger     Ledger
	Privileges Privileges
	LookPath   func(string) string
	// Output receives the combined output of every command.
	Output process.LineFunc
}

// Remove deletes the kernel installed for version. All commands run under one grant. When the
// kernel was removed but a later step failed, Remove returns the partial Result together with an
// error wrapping ErrRemovalPartial.
func (r *Remover) Remove(ctx context.Context, version string) (Result, error) {
	logger := r.logger().With("version", version)

	entry, err := r.Ledger.Get(version)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrNotInstalled, version)
		}
		return Result{}, err
	}
	if !entry.Active() {
		return Result{}, fmt.Errorf("%w: %s was removed at %s", ErrNotInstalled, version, entry.RemovedAt.Format("2006-01-02 15:04"))
	}
	krel := entry.KernelRelease
	if krel == "" {
		return Result{}, fmt.Errorf("ledger entry for %s has no kernel release", version)
	}

	facts, err := r.Prober.Probe(ctx)
	if err != nil {
		return Result{}, err
	}
	if facts.KernelRelease == krel {
		return Result{}, fmt.Errorf("%w: %s", ErrRunningKernel, krel)
	}
	steps := host.RemovalCommands(facts.DistroFamily, krel)
	if len(steps) == 0 {
		return Result{}, fmt.Errorf("no removal commands for family %q", facts.DistroFamily)
	}

	grant, err := r.Privileges.Acquire(ctx, "remove "+version)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err := grant.Release(); err != nil {
			logger.Warn("releasing privileges failed", "error", err)
		}
	}()

	runner := grant.Runner()
	// The first step removes the kernel image; later steps only clear leftover files.
	if err := r.run(ctx, runner, steps[0]); err != nil {
		logger.Error("kernel removal failed", "command", steps[0].String(), "error", err)
		return Result{}, fmt.Errorf("remove kernel %s: %w", krel, err)
	}
	logger.Info("kernel removed", "kernel_release", krel)

	result := Result{Version: version, KernelRelease: krel, Outcome: OutcomeRemoved}
	var problems []error

	for _, cmd := range steps[1:] {
		if err := r.run(ctx, runner, cmd); err != nil {
			logger.Warn("kernel cleanup failed", "command", cmd.String(), "error", err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s failed: %v", cmd.String(), err))
			problems = append(problems, fmt.Errorf("clean up kernel files: %w", err))
		}
	}

	boot := host.BootloaderCommands(facts.Bootloader, host.BootloaderRemove, krel, r.LookPath)
	if len(boot) == 0 {
		result.Warnings = append(result.Warnings, "bootloader not detected; remove the boot entry by hand")
	}
	for _, cmd := range boot {
		if err := r.run(ctx, runner, cmd); err != nil {
			logger.Warn("bootloader update failed", "command", cmd.String(), "error", err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("bootloader update failed: %v", err))
			problems = append(problems, fmt.Errorf("update bootloader: %w", err))
			break
		}
	}

	// The binary is gone, so the entry is marked removed even if the boot menu is stale.
	if _, err := r.Ledger.MarkRemoved(version); err != nil {
		logger.Warn("ledger update failed", "error", err)
		result.Warnings = append(result.Warnings, fmt.Sprintf("ledger update failed: %v", err))
		problems = append(problems, fmt.Errorf("update ledger: %w", err))
	}

	if len(problems) > 0 {
		result.Outcome = OutcomePartial
		return result, fmt.Errorf("%w: %w", ErrRemovalPartial, errors.Join(problems...))
	}
	return result, nil
}

func (r *Remover) run(ctx context.Context, runner process.Runner, cmd process.Command) error {
	if r.Output != nil {
		r.Output("$ " + cmd.String())
	}
	_, err := runner.Run(ctx, cmd, r.Output)
	return err
}

func (r *Remover) logger() *slog.Logger {
	return logging.Ensure(r.Logger).With("component", "removal")
}
