package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antonkrylov/nix-simple-deploy/internal/proc"
	"github.com/antonkrylov/nix-simple-deploy/internal/remote"
	"github.com/antonkrylov/nix-simple-deploy/internal/supervisor"
)

// Target is the resolved state handed from the orchestrator to each stage.
type Target struct {
	// Path is the store path after symlink resolution.
	Path string
	// Profile is the remote profile path, set only for actions that move it.
	Profile string
	SSH     remote.Invocation
	Plan    Plan
}

// Transport gets the closure onto the target and, when t.Profile is set,
// points the profile at it.
type Transport interface {
	Mode() TransportMode
	Transfer(ctx context.Context, t Target) error
}

// DirectCopy pushes the closure with `nix copy`.
type DirectCopy struct {
	x executor
}

func (DirectCopy) Mode() TransportMode { return TransportCopy }

func (c DirectCopy) Transfer(ctx context.Context, t Target) error {
	argv := []string{"nix", "copy"}
	if t.Plan.UseSubstitutes {
		argv = append(argv, "-s")
	}
	if t.Plan.SigningKey == "" {
		// Unsigned closures are only accepted when the target skips verification.
		argv = append(argv, "--no-check-sigs")
	}
	argv = append(argv, "--to", t.SSH.URL(), t.Path)
	// nix copy speaks a binary protocol over ssh, so never allocate a tty.
	inv := t.SSH
	inv.TTY = false
	var env []string
	if opts := inv.SSHOptions(); len(opts) > 0 {
		env = append(env, "NIX_SSHOPTS="+strings.Join(opts, " "))
	}
	if err := c.x.local(ctx, argv, env); err != nil {
		return stageErr(StageTransport, KindLocalInvocation, fmt.Errorf("copy closure: %w", err))
	}
	if t.Profile == "" {
		return nil
	}
	if err := c.x.remote(ctx, t.SSH, remote.ProfileSet(t.Profile, t.Path)); err != nil {
		return stageErr(StageTransport, remoteKind(err), fmt.Errorf("set profile %s: %w", t.Profile, err))
	}
	return nil
}

// SubstituteServe serves the local store with nix-serve and lets the target
// pull the closure through a reverse tunnel.
type SubstituteServe struct {
	x executor

	ServeBin        string
	EarlyExitWindow time.Duration
	KillAfter       time.Duration
}

func (SubstituteServe) Mode() TransportMode { return TransportServe }

func (s SubstituteServe) serverSpec(t Target) proc.Spec {
	bin := s.ServeBin
	if bin == "" {
		bin = "nix-serve"
	}
	spec := proc.Spec{
		Name: bin,
		Args: []string{"--listen", fmt.Sprintf("127.0.0.1:%d", t.Plan.Port)},
	}
	if t.Plan.SigningKey != "" {
		spec.Env = append(spec.Env, "NIX_SECRET_KEY_FILE="+t.Plan.SigningKey)
	}
	if t.Plan.LocalStore != "" {
		spec.Env = append(spec.Env, "NIX_REMOTE="+t.Plan.LocalStore)
	}
	return spec
}

// remoteCommand is the single command run over the tunnel.
func (s SubstituteServe) remoteCommand(t Target) remote.Command {
	c := remote.Realise(t.Path)
	if t.Profile != "" {
		c = remote.ProfileSet(t.Profile, t.Path)
	}
	return remote.SubstituteOptions{
		Port:        t.Plan.Port,
		Extra:       t.Plan.UseSubstitutes,
		RequireSigs: t.Plan.SigningKey != "",
		Store:       t.Plan.RemoteStore,
	}.Apply(c)
}

func (s SubstituteServe) Transfer(ctx context.Context, t Target) error {
	cfg := supervisor.Config{
		Runner:          s.x.runner,
		Spec:            s.serverSpec(t),
		Strict:          !t.Plan.Lenient,
		EarlyExitWindow: s.EarlyExitWindow,
		KillAfter:       s.KillAfter,
		Logger:          s.x.logger,
	}
	inv := t.SSH.WithReverse(t.Plan.Port)
	cmd := s.remoteCommand(t)

	var remoteErr error
	err := supervisor.Run(ctx, cfg, func(ctx context.Context) error {
		remoteErr = s.x.remote(ctx, inv, cmd)
		return remoteErr
	})
	if err == nil {
		return nil
	}
	if remoteErr != nil && errors.Is(err, remoteErr) {
		return stageErr(StageTransport, remoteKind(remoteErr), fmt.Errorf("fetch through %s: %w", remote.SubstituteOptions{Port: t.Plan.Port}.URL(), err))
	}
	return stageErr(StageTransport, supervisorKind(err), fmt.Errorf("artifact server: %w", err))
}
