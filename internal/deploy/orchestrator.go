// Package deploy drives one deployment of a store path to a single host:
// optional signing, transport, optional activation and optional reboot.
// Stages run strictly in order and the first failure aborts the run.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/antonkrylov/nix-simple-deploy/internal/events"
	"github.com/antonkrylov/nix-simple-deploy/internal/proc"
	"github.com/antonkrylov/nix-simple-deploy/internal/supervisor"
)

// Deployer executes plans. The zero value runs real processes and discards logs.
type Deployer struct {
	Runner   proc.Runner
	Logger   *slog.Logger
	Observer Observer
	// RunID tags emitted events; a random one is generated when empty.
	RunID string

	// Stdin, Stdout and Stderr are passed to foreground commands. When both
	// outputs are nil, output is captured into errors.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// ServeBin is the artifact server binary, "nix-serve" by default.
	ServeBin        string
	EarlyExitWindow time.Duration
	KillAfter       time.Duration
	// RebootWait bounds how long the reboot command is given before the run
	// reports success.
	RebootWait time.Duration

	seq atomic.Int64
}

func (d *Deployer) setDefaults() {
	if d.Runner == nil {
		d.Runner = proc.ExecRunner{}
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if d.RunID == "" {
		d.RunID = uuid.NewString()
	}
	if d.ServeBin == "" {
		d.ServeBin = "nix-serve"
	}
	if d.EarlyExitWindow <= 0 {
		d.EarlyExitWindow = supervisor.DefaultEarlyExitWindow
	}
	if d.KillAfter == 0 {
		d.KillAfter = supervisor.DefaultKillAfter
	}
	if d.RebootWait <= 0 {
		d.RebootWait = DefaultRebootWait
	}
}

func (d *Deployer) exec() executor {
	return executor{
		runner: d.Runner,
		logger: d.Logger,
		stdin:  d.Stdin,
		stdout: d.Stdout,
		stderr: d.Stderr,
	}
}

// transport picks the strategy for p.
func (d *Deployer) transport(p Plan) Transport {
	if p.Transport == TransportServe {
		return SubstituteServe{
			x:               d.exec(),
			ServeBin:        d.ServeBin,
			EarlyExitWindow: d.EarlyExitWindow,
			KillAfter:       d.KillAfter,
		}
	}
	return DirectCopy{x: d.exec()}
}

// Target resolves p into the state shared by all stages.
func (d *Deployer) Target(p Plan) (Target, error) {
	if p.Transport == "" {
		p.Transport = TransportCopy
	}
	if err := p.Validate(); err != nil {
		return Target{}, stageErr(StagePrepare, KindInvalidPlan, err)
	}
	t := Target{Path: p.Path, SSH: p.invocation(), Plan: p}
	if resolved, err := filepath.EvalSymlinks(p.Path); err == nil {
		t.Path = resolved
	} else {
		d.Logger.Debug("store path not resolvable locally, using as given", "path", p.Path, "err", err)
	}
	t.Plan.Path = t.Path
	if p.Action.SetsProfile() {
		profile, err := ProfilePath(p.Profile)
		if err != nil {
			return Target{}, stageErr(StagePrepare, KindInvalidPlan, err)
		}
		t.Profile = profile
	}
	return t, nil
}

// Run executes every stage of p in order and stops at the first failure.
// All failures are *StageError values.
func (d *Deployer) Run(ctx context.Context, p Plan) error {
	d.setDefaults()

	t, err := d.Target(p)
	if err != nil {
		d.emit(Target{Path: p.Path, Plan: p}, StagePrepare, events.PhaseFailed, err.Error())
		return err
	}
	d.Logger.Info("deploy", "run", d.RunID, "host", t.SSH.Host, "path", t.Path,
		"transport", t.Plan.Transport, "action", t.Plan.Action)

	stages := []struct {
		stage Stage
		skip  string
		fn    func(context.Context, Target) error
	}{
		{StageSign, skipUnless(t.Plan.SigningKey != "", "no signing key"), d.sign},
		{StageTransport, "", d.transport(t.Plan).Transfer},
		{StageActivate, skipUnless(t.Plan.Action != ActionNone, "no action"), d.activate},
		{StageReboot, skipUnless(t.Plan.Action == ActionReboot, "not requested"), d.reboot},
	}
	for _, s := range stages {
		if s.skip != "" {
			d.emit(t, s.stage, events.PhaseSkipped, s.skip)
			continue
		}
		if err := ctx.Err(); err != nil {
			err = stageErr(s.stage, KindLocalInvocation, err)
			d.emit(t, s.stage, events.PhaseFailed, err.Error())
			return err
		}
		d.emit(t, s.stage, events.PhaseStarted, describe(s.stage, t))
		if err := s.fn(ctx, t); err != nil {
			var se *StageError
			if !errors.As(err, &se) {
				err = stageErr(s.stage, KindLocalInvocation, err)
			}
			d.emit(t, s.stage, events.PhaseFailed, err.Error())
			return err
		}
		d.emit(t, s.stage, events.PhaseSucceeded, "")
	}
	return nil
}

func skipUnless(cond bool, reason string) string {
	if cond {
		return ""
	}
	return reason
}

func describe(stage Stage, t Target) string {
	switch stage {
	case StageSign:
		return "signing " + t.Path
	case StageTransport:
		if t.Plan.Transport == TransportServe {
			return fmt.Sprintf("serving %s to %s on port %d", t.Path, t.SSH.Host, t.Plan.Port)
		}
		return fmt.Sprintf("copying %s to %s", t.Path, t.SSH.Host)
	case StageActivate:
		return fmt.Sprintf("switch-to-configuration %s", t.Plan.Action.Verb())
	case StageReboot:
		return "rebooting " + t.SSH.Host
	default:
		return ""
	}
}

func (d *Deployer) emit(t Target, stage Stage, phase events.Phase, msg string) {
	if d.Observer == nil {
		return
	}
	host := t.SSH.Host
	if host == "" {
		host = t.Plan.Host
	}
	d.Observer.Observe(events.Event{
		Seq:     d.seq.Add(1) - 1,
		RunID:   d.RunID,
		Host:    host,
		Path:    t.Path,
		Stage:   string(stage),
		Phase:   phase,
		Message: msg,
		Time:    time.Now(),
	})
}
