package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/antonkrylov/nix-simple-deploy/internal/proc"
	"github.com/antonkrylov/nix-simple-deploy/internal/remote"
)

const DefaultRebootWait = 10 * time.Second

// reboot fires `reboot` on the target without depending on its exit status:
// the connection usually drops before ssh can report one.
func (d *Deployer) reboot(ctx context.Context, t Target) error {
	argv := t.SSH.Argv(remote.Reboot())
	p, err := d.Runner.Start(context.WithoutCancel(ctx), proc.Spec{
		Name:     argv[0],
		Args:     argv[1:],
		Detached: true,
	})
	if err != nil {
		return stageErr(StageReboot, KindLocalInvocation, fmt.Errorf("trigger reboot: %w", err))
	}
	timer := time.NewTimer(d.RebootWait)
	defer timer.Stop()
	select {
	case <-p.Done():
		d.Logger.Debug("reboot command returned", "host", t.SSH.Host, "err", p.Err())
	case <-timer.C:
		d.Logger.Info("reboot command still running, continuing", "host", t.SSH.Host, "waited", d.RebootWait)
	case <-ctx.Done():
	}
	return nil
}
