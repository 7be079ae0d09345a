package deploy

import (
	"context"
	"log/slog"

	"github.com/antonkrylov/nix-simple-deploy/internal/events"
)

// Observer receives every stage transition of a run.
type Observer interface {
	Observe(events.Event)
}

type ObserverFunc func(events.Event)

func (f ObserverFunc) Observe(ev events.Event) { f(ev) }

// Observers fans an event out to each non-nil observer in order.
type Observers []Observer

func (o Observers) Observe(ev events.Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(ev)
		}
	}
}

// LogObserver writes stage transitions to logger.
func LogObserver(logger *slog.Logger) Observer {
	return ObserverFunc(func(ev events.Event) {
		level := slog.LevelDebug
		if ev.Phase == events.PhaseFailed {
			level = slog.LevelWarn
		}
		logger.Log(context.Background(), level, "stage "+string(ev.Phase),
			"run", ev.RunID,
			"stage", ev.Stage,
			"host", ev.Host,
			"detail", ev.Message,
		)
	})
}
