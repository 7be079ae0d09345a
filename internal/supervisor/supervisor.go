// Package supervisor owns a local helper process for the duration of one
// deployment: it spawns it, optionally checks that it survives its first
// moments, and makes sure it is asked to stop exactly once.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/antonkrylov/nix-simple-deploy/internal/proc"
)

const (
	DefaultEarlyExitWindow = time.Second
	DefaultKillAfter       = 5 * time.Second
)

type State int

const (
	Starting State = iota
	Ready
	Exited
	Terminated
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Exited:
		return "exited"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Config struct {
	Runner proc.Runner
	Spec   proc.Spec
	// Strict waits EarlyExitWindow after spawning and fails if the process
	// exits within it.
	Strict          bool
	EarlyExitWindow time.Duration
	// KillAfter bounds the wait after SIGTERM before SIGKILL is sent.
	// Negative disables the escalation.
	KillAfter time.Duration
	Logger    *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Runner == nil {
		c.Runner = proc.ExecRunner{}
	}
	if c.EarlyExitWindow <= 0 {
		c.EarlyExitWindow = DefaultEarlyExitWindow
	}
	if c.KillAfter == 0 {
		c.KillAfter = DefaultKillAfter
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// PrematureExitError reports a process that exited inside the early-exit window.
type PrematureExitError struct {
	Argv     []string
	ExitCode int
	Err      error
}

func (e *PrematureExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s exited immediately (status %d): %v", e.Argv[0], e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s exited immediately (status %d)", e.Argv[0], e.ExitCode)
}

func (e *PrematureExitError) Unwrap() error { return e.Err }

// TerminationError reports a failed graceful-shutdown request.
type TerminationError struct {
	Pid int
	Err error
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("terminate pid %d: %v", e.Pid, e.Err)
}

func (e *TerminationError) Unwrap() error { return e.Err }

type Supervisor struct {
	cfg  Config
	proc proc.Process

	mu    sync.Mutex
	state State

	termOnce sync.Once
	termErr  error
	sigterms int
}

// Start spawns the process described by cfg.Spec. In strict mode it returns a
// *PrematureExitError if the process is gone before the window elapses.
func Start(ctx context.Context, cfg Config) (*Supervisor, error) {
	cfg.setDefaults()
	s := &Supervisor{cfg: cfg, state: Starting}

	p, err := cfg.Runner.Start(ctx, cfg.Spec)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Spec.Name, err)
	}
	s.proc = p
	cfg.Logger.Debug("helper process started", "cmd", cfg.Spec.String(), "pid", p.Pid())

	if !cfg.Strict {
		return s, nil
	}

	timer := time.NewTimer(cfg.EarlyExitWindow)
	defer timer.Stop()
	select {
	case <-p.Done():
		s.setState(Exited)
		waitErr := p.Err()
		return nil, &PrematureExitError{
			Argv:     cfg.Spec.Argv(),
			ExitCode: proc.ExitCode(waitErr),
			Err:      waitErr,
		}
	case <-ctx.Done():
		if err := s.Terminate(); err != nil {
			cfg.Logger.Warn("helper process termination failed", "pid", p.Pid(), "err", err)
		}
		return nil, ctx.Err()
	case <-timer.C:
	}
	s.setState(Ready)
	return s, nil
}

// Run starts the process, calls fn, and always terminates the process before
// returning. An error from fn takes precedence over a termination error.
func Run(ctx context.Context, cfg Config, fn func(context.Context) error) (err error) {
	s, err := Start(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		termErr := s.Terminate()
		if termErr == nil {
			return
		}
		if err != nil {
			s.cfg.Logger.Warn("helper process termination failed", "pid", s.proc.Pid(), "err", termErr)
			return
		}
		err = termErr
	}()
	return fn(ctx)
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// TermRequests reports how many SIGTERMs were sent to the process.
func (s *Supervisor) TermRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sigterms
}

// Terminate asks the process to stop with SIGTERM. Only the first call acts;
// later calls return the first result. A process that already exited is not
// signalled.
func (s *Supervisor) Terminate() error {
	s.termOnce.Do(func() {
		s.termErr = s.terminate()
	})
	return s.termErr
}

func (s *Supervisor) terminate() error {
	select {
	case <-s.proc.Done():
		s.cfg.Logger.Debug("helper process already exited", "pid", s.proc.Pid(), "err", s.proc.Err())
		s.setState(Exited)
		return nil
	default:
	}

	if err := s.signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			s.setState(Exited)
			return nil
		}
		return &TerminationError{Pid: s.proc.Pid(), Err: err}
	}

	if s.cfg.KillAfter < 0 {
		<-s.proc.Done()
		s.setState(Terminated)
		return nil
	}
	timer := time.NewTimer(s.cfg.KillAfter)
	defer timer.Stop()
	select {
	case <-s.proc.Done():
	case <-timer.C:
		s.cfg.Logger.Warn("helper process ignored SIGTERM, killing", "pid", s.proc.Pid(), "after", s.cfg.KillAfter)
		if err := s.signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return &TerminationError{Pid: s.proc.Pid(), Err: err}
		}
		<-s.proc.Done()
	}
	s.setState(Terminated)
	return nil
}

func (s *Supervisor) signal(sig os.Signal) error {
	if sig == syscall.SIGTERM {
		s.mu.Lock()
		s.sigterms++
		s.mu.Unlock()
	}
	return s.proc.Signal(sig)
}
