package privilege

import (
	"context"
	"fmt"

	"github.com/cochaviz/kforge/internal/process"
)

// RebootCommand restarts the host through systemd.
var RebootCommand = process.New("systemctl", "reboot")

// Reboot tries an unprivileged reboot first, which logind allows for the active local session,
// and only authenticates when that is refused.
func Reboot(ctx context.Context, runner process.Runner, session *Session) error {
	_, err := runner.Run(ctx, RebootCommand, nil)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	session.logger.Info("unprivileged reboot refused, escalating", "error", err)

	grant, err := session.Acquire(ctx, "reboot")
	if err != nil {
		return err
	}
	defer grant.Release()

	if _, err := grant.Runner().Run(ctx, RebootCommand, nil); err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	return nil
}
