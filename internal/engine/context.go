package engine

import (
	"context"
	"fmt"

	"theatrum/internal/domain"
)

// Context is handed to every handler. Actor, Trace and Metrics are always
// set; Extra carries caller supplied values from ExecutorOptions.
type Context struct {
	Actor   domain.Actor
	Trace   Trace
	Metrics Metrics
	Extra   map[string]any

	exec *Executor
}

// Invoke calls another method on behalf of the same actor. Only the entity
// gate is checked: roles are not re-checked, so a handler delegates its own
// authorization to every method it calls this way.
func (c *Context) Invoke(ctx context.Context, m *Method, params map[string]any) (any, error) {
	if c.exec == nil {
		return nil, ErrNotYetImplemented()
	}
	return c.exec.invokeNested(ctx, m, params)
}

// Invoke is Context.Invoke with a typed result.
func Invoke[R any](ctx context.Context, ec *Context, m *Method, params map[string]any) (R, error) {
	var zero R
	out, err := ec.Invoke(ctx, m, params)
	if err != nil {
		return zero, err
	}
	r, ok := out.(R)
	if !ok {
		return zero, fmt.Errorf("nested result is %T, want %T", out, zero)
	}
	return r, nil
}
