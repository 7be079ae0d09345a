package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// Spec describes one local process invocation.
type Spec struct {
	Name string
	Args []string
	// Env is appended to the parent environment.
	Env []string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Detached puts the child in its own process group so it survives the
	// parent and does not receive terminal signals aimed at it.
	Detached bool
}

// Argv returns the full command line.
func (s Spec) Argv() []string {
	return append([]string{s.Name}, s.Args...)
}

func (s Spec) String() string {
	return strings.Join(s.Argv(), " ")
}

// Process is a started child process.
type Process interface {
	Pid() int
	// Done is closed once the process has been reaped.
	Done() <-chan struct{}
	// Err returns the wait error; only meaningful after Done is closed.
	Err() error
	Signal(sig os.Signal) error
}

// Runner executes local processes.
type Runner interface {
	// Run blocks until the process exits. When neither Stdout nor Stderr is set
	// the combined output is captured and attached to the returned error.
	Run(ctx context.Context, spec Spec) error
	Start(ctx context.Context, spec Spec) (Process, error)
}

// ExecRunner runs processes with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, spec Spec) error {
	c := command(ctx, spec)
	if spec.Stdout == nil && spec.Stderr == nil {
		out, err := c.CombinedOutput()
		if err != nil {
			return &RunError{Argv: spec.Argv(), Err: err, Output: bytes.TrimSpace(out)}
		}
		return nil
	}
	if err := c.Run(); err != nil {
		return &RunError{Argv: spec.Argv(), Err: err}
	}
	return nil
}

func (ExecRunner) Start(ctx context.Context, spec Spec) (Process, error) {
	c := command(ctx, spec)
	if c.Stdout == nil {
		c.Stdout = io.Discard
	}
	if c.Stderr == nil {
		c.Stderr = io.Discard
	}
	if err := c.Start(); err != nil {
		return nil, &RunError{Argv: spec.Argv(), Err: err}
	}
	p := &execProcess{cmd: c, done: make(chan struct{})}
	go func() {
		p.err = c.Wait()
		close(p.done)
	}()
	return p, nil
}

func command(ctx context.Context, spec Spec) *exec.Cmd {
	c := exec.CommandContext(ctx, spec.Name, spec.Args...)
	if len(spec.Env) > 0 {
		c.Env = append(os.Environ(), spec.Env...)
	}
	c.Stdin = spec.Stdin
	c.Stdout = spec.Stdout
	c.Stderr = spec.Stderr
	if spec.Detached {
		c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
	return c
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Err() error {
	<-p.done
	return p.err
}

func (p *execProcess) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	return p.cmd.Process.Signal(sig)
}

// RunError is returned when a process could not be started or exited non-zero.
type RunError struct {
	Argv   []string
	Err    error
	Output []byte
}

func (e *RunError) Error() string {
	if len(e.Output) > 0 {
		return fmt.Sprintf("%s: %v\n%s", strings.Join(e.Argv, " "), e.Err, e.Output)
	}
	return fmt.Sprintf("%s: %v", strings.Join(e.Argv, " "), e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// ExitCode extracts the exit status from err. It returns 0 for nil and -1 when
// the error did not come from an exited process.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	var fe interface{ ExitCode() int }
	if errors.As(err, &fe) {
		return fe.ExitCode()
	}
	return -1
}

// Exited reports whether err came from a process that ran and then exited
// unsuccessfully, as opposed to one that could not be started.
func Exited(err error) bool {
	var fe interface{ ExitCode() int }
	return errors.As(err, &fe)
}
