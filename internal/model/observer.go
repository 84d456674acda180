package model

import (
	"context"
	"log/slog"
	"maps"
	"slices"
)

// Metrics is one progress report. Stage names the loop reporting it.
type Metrics struct {
	Stage  string
	Step   int
	Values map[string]float64
}

// Observer receives progress reports from long running loops.
type Observer interface {
	OnStep(Metrics)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Metrics)

func (f ObserverFunc) OnStep(m Metrics) { f(m) }

// Observers fans a report out to several observers.
type Observers []Observer

func (o Observers) OnStep(m Metrics) {
	for _, obs := range o {
		if obs != nil {
			obs.OnStep(m)
		}
	}
}

type logObserver struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogObserver writes every report to logger at level.
func NewLogObserver(logger *slog.Logger, level slog.Level) Observer {
	return &logObserver{logger: logger.With(slog.String("component", "observer")), level: level}
}

func (l *logObserver) OnStep(m Metrics) {
	attrs := make([]any, 0, len(m.Values)+2)
	attrs = append(attrs, slog.String("stage", m.Stage), slog.Int("step", m.Step))
	for _, k := range slices.Sorted(maps.Keys(m.Values)) {
		attrs = append(attrs, slog.Float64(k, m.Values[k]))
	}
	l.logger.Log(context.Background(), l.level, "progress", attrs...)
}
