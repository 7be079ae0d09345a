package deploy

import (
	"context"
	"io"
	"log/slog"

	"github.com/antonkrylov/nix-simple-deploy/internal/proc"
	"github.com/antonkrylov/nix-simple-deploy/internal/remote"
)

// executor runs the local and ssh-wrapped commands of one deployment. With no
// Stdout/Stderr set, output is captured and attached to errors instead.
type executor struct {
	runner proc.Runner
	logger *slog.Logger

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func (x executor) spec(argv, env []string) proc.Spec {
	return proc.Spec{
		Name:   argv[0],
		Args:   argv[1:],
		Env:    env,
		Stdin:  x.stdin,
		Stdout: x.stdout,
		Stderr: x.stderr,
	}
}

func (x executor) local(ctx context.Context, argv, env []string) error {
	x.logger.Debug("run local", "cmd", argv)
	return x.runner.Run(ctx, x.spec(argv, env))
}

func (x executor) remote(ctx context.Context, inv remote.Invocation, c remote.Command) error {
	x.logger.Debug("run remote", "host", inv.Host, "cmd", inv.RemoteString(c), "reverse_port", inv.ReversePort)
	return x.runner.Run(ctx, x.spec(inv.Argv(c), nil))
}
