package events

import (
	"context"
	"log/slog"
	"sync"

	"theatrum/internal/domain"
)

// Sink receives trace events.
type Sink interface {
	Trace(ev domain.TraceEvent)
}

// Recorder keeps trace events in order.
type Recorder struct {
	mu     sync.Mutex
	events []domain.TraceEvent
}

func (r *Recorder) Trace(ev domain.TraceEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []domain.TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TraceEvent{}, r.events...)
}

// Names returns the recorded event names.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.events))
	for i, ev := range r.events {
		names[i] = ev.Event
	}
	return names
}

// LogSink writes trace events to a logger at debug level.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Trace(ev domain.TraceEvent) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	attrs := []any{"ts", ev.Timestamp}
	if m, ok := ev.Data["internal:method"]; ok {
		attrs = append(attrs, "method", m)
	}
	logger.Debug("trace "+ev.Event, attrs...)
}

type multi []Sink

func (m multi) Trace(ev domain.TraceEvent) {
	for _, s := range m {
		s.Trace(ev)
	}
}

// Multi fans events out to every non-nil sink. It returns nil when none is
// left so callers keep tracing disabled.
func Multi(sinks ...Sink) Sink {
	var out multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return out
	}
}
