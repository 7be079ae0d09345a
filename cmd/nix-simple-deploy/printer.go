package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/antonkrylov/nix-simple-deploy/internal/events"
)

// plainPrinter writes one progress line per stage transition. Failures are left
// to the final error line.
type plainPrinter struct {
	out io.Writer
	mu  sync.Mutex
}

func newPlainPrinter(out io.Writer) *plainPrinter {
	return &plainPrinter{out: out}
}

func (p *plainPrinter) Observe(ev events.Event) {
	var line string
	switch ev.Phase {
	case events.PhaseStarted:
		line = fmt.Sprintf("[nix-simple-deploy] %s: %s", ev.Stage, ev.Message)
	case events.PhaseSucceeded:
		line = fmt.Sprintf("[nix-simple-deploy] %s: done", ev.Stage)
	case events.PhaseSkipped:
		line = fmt.Sprintf("[nix-simple-deploy] %s: skipped (%s)", ev.Stage, ev.Message)
	default:
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line)
}
