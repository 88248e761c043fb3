package engine

import (
	"context"
	"time"

	"theatrum/internal/domain"
)

// ExecutorOptions configure an Executor.
type ExecutorOptions struct {
	// Tracer receives trace events. Nil disables tracing.
	Tracer Tracer
	// Extra is exposed to handlers as Context.Extra.
	Extra map[string]any
	// Now defaults to time.Now.
	Now func() time.Time
}

// Response is the non-failing result of RunWithWrapper.
type Response struct {
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Executor runs methods for one actor and owns that call chain's metrics.
// Build one per request: sharing an executor between unrelated concurrent
// calls mixes their metrics.
type Executor struct {
	methods map[string]*Method
	metrics *metricSet
	trace   tracer
	base    Context
}

func newExecutor(methods map[string]*Method, names func(*Method) (string, bool), actor domain.Actor, opts ExecutorOptions) *Executor {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	var tr tracer = noTracer{}
	if opts.Tracer != nil {
		tr = &sinkTracer{sink: opts.Tracer, now: now, names: names}
	}
	x := &Executor{
		methods: methods,
		metrics: newMetricSet(now),
		trace:   tr,
	}
	x.base = Context{
		Actor:   actor,
		Trace:   tr,
		Metrics: x.metrics,
		Extra:   opts.Extra,
		exec:    x,
	}
	sendField(tr, "executor:init", "actor", actor)
	return x
}

// Actor returns the actor the executor is bound to.
func (x *Executor) Actor() domain.Actor { return x.base.Actor }

// Run resolves and authorizes the named method, then invokes it. Gate
// failures are *Error; handler errors are returned unchanged.
func (x *Executor) Run(ctx context.Context, name string, params map[string]any) (any, error) {
	x.trace.step("executor:run", name, false, "params", params)

	m, ok := x.methods[name]
	if !ok || m == nil {
		return nil, ErrUnknownMethod()
	}

	x.trace.step("executor:check_actor", name, false, "", nil)
	if !m.CheckEntity(x.base.Actor.Entity) {
		return nil, ErrUnsupportedActor()
	}

	x.trace.step("executor:check_roles", name, false, "", nil)
	if !m.CheckRoles(x.base.Actor.Roles) {
		return nil, ErrAccessDenied()
	}

	x.trace.step("executor:invoke", name, false, "", nil)
	result, err := m.Invoke(ctx, params, x.contextFor(name))
	if err != nil {
		return nil, err
	}

	x.trace.step("executor:result", name, false, "result", result)
	return result, nil
}

// RunWithWrapper is Run that never fails: framework errors are kept, any
// other error or panic becomes an Internal error.
func (x *Executor) RunWithWrapper(ctx context.Context, name string, params map[string]any) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = Response{Error: ErrInternal()}
		}
	}()
	result, err := x.Run(ctx, name, params)
	if err != nil {
		if fe, ok := AsError(err); ok {
			return Response{Error: fe}
		}
		return Response{Error: ErrInternal()}
	}
	return Response{Result: result}
}

func (x *Executor) invokeNested(ctx context.Context, m *Method, params map[string]any) (any, error) {
	if m == nil {
		return nil, ErrUnknownMethod()
	}
	name := x.trace.resolve(m)

	x.trace.step("executor:run", name, true, "params", params)

	x.trace.step("executor:check_actor", name, false, "", nil)
	if !m.CheckEntity(x.base.Actor.Entity) {
		return nil, ErrUnsupportedActor()
	}

	x.trace.step("executor:invoke", name, false, "", nil)
	return m.Invoke(ctx, params, x.contextFor(name))
}

func (x *Executor) contextFor(name string) *Context {
	c := x.base
	c.Trace = x.trace.bind(name)
	return &c
}

// ExportMetrics returns a snapshot of the metrics with normalized keys.
func (x *Executor) ExportMetrics() map[string]any {
	return x.metrics.export()
}
