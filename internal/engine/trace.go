package engine

import (
	"time"

	"theatrum/internal/domain"
)

const hiddenMethod = "(hidden method)"

// Tracer receives trace events for one executor.
type Tracer interface {
	Trace(ev domain.TraceEvent)
}

// TracerFunc adapts a function to Tracer.
type TracerFunc func(ev domain.TraceEvent)

func (f TracerFunc) Trace(ev domain.TraceEvent) { f(ev) }

// Trace is the handler-facing event sender.
type Trace interface {
	SendEvent(event string, data map[string]any)
}

// tracer is picked once per executor: sinkTracer when a Tracer was given,
// noTracer otherwise. Neither checks for the other at emission time.
type tracer interface {
	Trace
	step(event, method string, nested bool, key string, value any)
	bind(method string) Trace
	resolve(m *Method) string
}

type fieldSender interface {
	sendField(event, key string, value any)
}

func sendField(t Trace, event, key string, value any) {
	if fs, ok := t.(fieldSender); ok {
		fs.sendField(event, key, value)
		return
	}
	t.SendEvent(event, map[string]any{key: value})
}

type sinkTracer struct {
	sink  Tracer
	now   func() time.Time
	names func(*Method) (string, bool)
}

func (t *sinkTracer) SendEvent(event string, data map[string]any) {
	t.sink.Trace(domain.TraceEvent{Timestamp: t.now().UnixMilli(), Event: event, Data: data})
}

func (t *sinkTracer) sendField(event, key string, value any) {
	t.SendEvent(event, map[string]any{key: value})
}

func (t *sinkTracer) step(event, method string, nested bool, key string, value any) {
	data := map[string]any{"internal:method": method}
	if nested {
		data["internal:isInternal"] = true
	}
	if key != "" {
		data[key] = value
	}
	t.SendEvent(event, data)
}

func (t *sinkTracer) bind(method string) Trace {
	return boundTrace{t: t, method: method}
}

func (t *sinkTracer) resolve(m *Method) string {
	if t.names != nil {
		if name, ok := t.names(m); ok {
			return name
		}
	}
	return hiddenMethod
}

// boundTrace attributes every event to one method.
type boundTrace struct {
	t      *sinkTracer
	method string
}

func (b boundTrace) SendEvent(event string, data map[string]any) {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out["internal:method"] = b.method
	b.t.SendEvent(event, out)
}

func (b boundTrace) sendField(event, key string, value any) {
	b.t.step(event, b.method, false, key, value)
}

type noTracer struct{}

func (noTracer) SendEvent(string, map[string]any)       {}
func (noTracer) sendField(string, string, any)          {}
func (noTracer) step(string, string, bool, string, any) {}
func (noTracer) bind(string) Trace                      { return noTrace{} }
func (noTracer) resolve(*Method) string                 { return "" }

type noTrace struct{}

func (noTrace) SendEvent(string, map[string]any) {}
func (noTrace) sendField(string, string, any)    {}
