// Package tui renders deployment progress as a live stage list.
package tui

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/antonkrylov/nix-simple-deploy/internal/events"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#2CD7C7"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#E74C3C"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C7A80"))
	stageWidth   = 10
	defaultOrder = []string{"sign", "transport", "activate", "reboot"}
)

type eventMsg struct {
	ev events.Event
}

type doneMsg struct {
	err error
}

type stageState struct {
	phase   events.Phase
	message string
}

type model struct {
	title   string
	order   []string
	stages  map[string]stageState
	spinner spinner.Model
	cancel  context.CancelFunc

	done bool
	err  error
}

func newModel(title string, order []string, cancel context.CancelFunc) model {
	if len(order) == 0 {
		order = defaultOrder
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return model{
		title:   title,
		order:   append([]string(nil), order...),
		stages:  map[string]stageState{},
		spinner: sp,
		cancel:  cancel,
	}
}

func (m model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch t := msg.(type) {
	case tea.KeyMsg:
		if t.String() == "ctrl+c" {
			// The deployment sees the cancellation and reports back via doneMsg.
			if m.cancel != nil {
				m.cancel()
			}
		}
		return m, nil
	case eventMsg:
		if !m.known(t.ev.Stage) {
			m.order = append(m.order, t.ev.Stage)
		}
		m.stages[t.ev.Stage] = stageState{phase: t.ev.Phase, message: t.ev.Message}
		return m, nil
	case doneMsg:
		m.done = true
		m.err = t.err
		return m, tea.Quit
	}
	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

func (m model) known(stage string) bool {
	for _, s := range m.order {
		if s == stage {
			return true
		}
	}
	return false
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n")
	for _, name := range m.order {
		st, seen := m.stages[name]
		var mark string
		switch {
		case !seen:
			mark = mutedStyle.Render("·")
		case st.phase == events.PhaseStarted:
			mark = m.spinner.View()
		case st.phase == events.PhaseSucceeded:
			mark = okStyle.Render("✓")
		case st.phase == events.PhaseFailed:
			mark = failStyle.Render("✗")
		default:
			mark = mutedStyle.Render("-")
		}
		line := fmt.Sprintf("  %s %-*s", mark, stageWidth, name)
		if st.message != "" {
			msg := st.message
			if st.phase == events.PhaseSkipped {
				msg = mutedStyle.Render("skipped: " + msg)
			}
			line += " " + firstLine(msg)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if m.done {
		if m.err != nil {
			b.WriteString(failStyle.Render("deploy failed"))
		} else {
			b.WriteString(okStyle.Render("deploy finished"))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}

// Progress is a terminal view fed by deployment events.
type Progress struct {
	program *tea.Program
	viewErr error
}

// New prepares a view titled title. Ctrl+C in the view calls cancel.
func New(title string, cancel context.CancelFunc, in io.Reader, out io.Writer, opts ...tea.ProgramOption) *Progress {
	m := newModel(title, nil, cancel)
	opts = append([]tea.ProgramOption{tea.WithInput(in), tea.WithOutput(out)}, opts...)
	return &Progress{program: tea.NewProgram(m, opts...)}
}

// Observe forwards ev to the view.
func (p *Progress) Observe(ev events.Event) {
	p.program.Send(eventMsg{ev: ev})
}

// Run shows the view while fn executes and returns fn's error. If the view
// cannot be drawn fn still runs to completion; ViewErr reports why.
func (p *Progress) Run(fn func() error) error {
	errc := make(chan error, 1)
	go func() {
		err := fn()
		p.program.Send(doneMsg{err: err})
		errc <- err
	}()
	_, p.viewErr = p.program.Run()
	return <-errc
}

// ViewErr is the error that stopped the view, if any. Only valid after Run.
func (p *Progress) ViewErr() error {
	return p.viewErr
}
