package tui

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/antonkrylov/nix-simple-deploy/internal/events"
)

func feed(m model, evs ...events.Event) model {
	for _, ev := range evs {
		next, _ := m.Update(eventMsg{ev: ev})
		m = next.(model)
	}
	return m
}

func TestModelTracksStages(t *testing.T) {
	m := newModel("deploy to host", nil, nil)
	m = feed(m,
		events.Event{Stage: "sign", Phase: events.PhaseSkipped, Message: "no signing key"},
		events.Event{Stage: "transport", Phase: events.PhaseStarted, Message: "copying"},
	)
	view := m.View()
	for _, want := range []string{"deploy to host", "skipped: no signing key", "transport", "copying", "activate"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
	if m.stages["transport"].phase != events.PhaseStarted {
		t.Fatalf("transport phase %s", m.stages["transport"].phase)
	}
}

func TestModelAppendsUnknownStage(t *testing.T) {
	m := feed(newModel("t", []string{"sign"}, nil),
		events.Event{Stage: "prepare", Phase: events.PhaseFailed, Message: "target host is required"})
	if len(m.order) != 2 || m.order[1] != "prepare" {
		t.Fatalf("order %v", m.order)
	}
}

func TestModelQuitsOnDone(t *testing.T) {
	m := newModel("t", nil, nil)
	next, cmd := m.Update(doneMsg{})
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}
	if !strings.Contains(next.(model).View(), "deploy finished") {
		t.Fatalf("view: %s", next.(model).View())
	}
}

func TestCtrlCCancels(t *testing.T) {
	canceled := false
	m := newModel("t", nil, func() { canceled = true })
	m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if !canceled {
		t.Fatalf("ctrl+c should cancel the deployment")
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("a\nb"); got != "a …" {
		t.Fatalf("firstLine = %q", got)
	}
}

func TestRunOutlivesStoppedView(t *testing.T) {
	viewCtx, stopView := context.WithCancel(context.Background())
	stopView()
	canceled := false
	p := New("t", func() { canceled = true }, strings.NewReader(""), io.Discard,
		tea.WithContext(viewCtx), tea.WithoutRenderer(), tea.WithoutSignalHandler())
	deployErr := errors.New("activation failed")
	finished := false
	err := p.Run(func() error {
		finished = true
		return deployErr
	})
	if !errors.Is(err, deployErr) {
		t.Fatalf("Run = %v, want the deployment error", err)
	}
	if !finished {
		t.Fatalf("deployment did not run")
	}
	if canceled {
		t.Fatalf("a stopped view must not cancel the deployment")
	}
	if p.ViewErr() == nil {
		t.Fatalf("expected the view error to be reported")
	}
}
