package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/antonkrylov/nix-simple-deploy/internal/events"
	"github.com/antonkrylov/nix-simple-deploy/internal/proc"
)

type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func (e exitError) ExitCode() int { return e.code }

type call struct {
	argv     []string
	env      []string
	detached bool
	started  bool
}

func (c call) String() string { return strings.Join(c.argv, " ") }

// fakeRunner records every command. Run fails for the first rule whose
// substring occurs in the command line.
type fakeRunner struct {
	mu    sync.Mutex
	calls []call
	fail  map[string]error

	// serverExit makes started processes exit immediately with this error.
	serverExit error
	startErr   error

	// signalErr makes started processes refuse every signal.
	signalErr error
	procs     []*fakeProcess
}

func (r *fakeRunner) Run(_ context.Context, spec proc.Spec) error {
	c := call{argv: spec.Argv(), env: spec.Env}
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
	for sub, err := range r.fail {
		if strings.Contains(c.String(), sub) {
			return err
		}
	}
	return nil
}

func (r *fakeRunner) Start(_ context.Context, spec proc.Spec) (proc.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{argv: spec.Argv(), env: spec.Env, detached: spec.Detached, started: true})
	if r.startErr != nil {
		return nil, r.startErr
	}
	p := &fakeProcess{pid: 1000 + len(r.procs), done: make(chan struct{}), signalErr: r.signalErr}
	if r.serverExit != nil {
		p.exit(r.serverExit)
	}
	r.procs = append(r.procs, p)
	return p, nil
}

func (r *fakeRunner) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.String()
	}
	return out
}

func (r *fakeRunner) find(sub string) (call, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.calls {
		if strings.Contains(c.String(), sub) {
			return c, i
		}
	}
	return call{}, -1
}

func (r *fakeRunner) sshCalls() int {
	n := 0
	for _, c := range r.commands() {
		if strings.HasPrefix(c, "ssh ") {
			n++
		}
	}
	return n
}

// fakeProcess runs until it receives SIGTERM or SIGKILL.
type fakeProcess struct {
	pid  int
	done chan struct{}
	once sync.Once
	err  error

	mu        sync.Mutex
	signals   []os.Signal
	signalErr error
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Err() error {
	<-p.done
	return p.err
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if p.signalErr != nil {
		return p.signalErr
	}
	p.exit(errors.New("signal: " + sig.String()))
	return nil
}

func (p *fakeProcess) sigterms() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.signals {
		if s == syscall.SIGTERM {
			n++
		}
	}
	return n
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Observe(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) trace() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Stage + ":" + string(ev.Phase)
	}
	return out
}
