package deploy

import (
	"context"
	"fmt"

	"github.com/antonkrylov/nix-simple-deploy/internal/remote"
)

// activationRoot is the directory whose bin/switch-to-configuration runs: the
// profile when the action moved it, the store path otherwise.
func activationRoot(t Target) string {
	if t.Plan.Action.SetsProfile() {
		return t.Profile
	}
	return t.Path
}

func (d *Deployer) activate(ctx context.Context, t Target) error {
	cmd := remote.Activate(activationRoot(t), t.Plan.Action.Verb())
	if err := d.exec().remote(ctx, t.SSH, cmd); err != nil {
		return stageErr(StageActivate, remoteKind(err), fmt.Errorf("switch-to-configuration %s: %w", t.Plan.Action.Verb(), err))
	}
	return nil
}
