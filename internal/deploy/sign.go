package deploy

import (
	"context"
	"fmt"
)

// sign signs the closure of t.Path with the configured key.
func (d *Deployer) sign(ctx context.Context, t Target) error {
	argv := []string{"nix", "sign-paths", "-r", "-k", t.Plan.SigningKey, t.Path}
	if t.Plan.LocalSudo {
		argv = append([]string{"sudo"}, argv...)
	}
	if err := d.exec().local(ctx, argv, nil); err != nil {
		return stageErr(StageSign, KindLocalInvocation, fmt.Errorf("sign closure: %w", err))
	}
	return nil
}
