package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"theatrum/internal/domain"
)

// Options are the entity and method maps an Engine is built from.
type Options struct {
	Entities map[string]*Entity
	Methods  map[string]*Method
	// Now is the default clock for executors.
	Now func() time.Time
}

// Engine holds the registered entities and methods. It is read-only after
// New and safe for concurrent use.
type Engine struct {
	entities map[string]*Entity
	methods  map[string]*Method
	names    map[*Method]string
	now      func() time.Time
}

func New(opts Options) (*Engine, error) {
	e := &Engine{
		entities: make(map[string]*Entity, len(opts.Entities)),
		methods:  make(map[string]*Method, len(opts.Methods)),
		names:    make(map[*Method]string, len(opts.Methods)),
		now:      opts.Now,
	}
	if e.now == nil {
		e.now = time.Now
	}
	for key, ent := range opts.Entities {
		if ent == nil {
			return nil, fmt.Errorf("entity %s is nil", key)
		}
		if key != ent.Name() {
			return nil, fmt.Errorf("entity registered as %s is named %s", key, ent.Name())
		}
		e.entities[key] = ent
	}
	for name, m := range opts.Methods {
		if name == "" {
			return nil, errors.New("method name is required")
		}
		if m == nil {
			return nil, fmt.Errorf("method %s is nil", name)
		}
		if other, ok := e.names[m]; ok {
			return nil, fmt.Errorf("method %s is already registered as %s", name, other)
		}
		e.methods[name] = m
		e.names[m] = name
	}
	return e, nil
}

// CreateActor builds an actor of the named entity.
func (e *Engine) CreateActor(ctx context.Context, entity string, roles []string, data map[string]any) (domain.Actor, error) {
	ent, ok := e.entities[entity]
	if !ok {
		return domain.Actor{}, ErrInvalidEntity()
	}
	return ent.CreateActor(ctx, roles, data)
}

// CreateExecutor binds an executor to actor and the registered methods.
func (e *Engine) CreateExecutor(actor domain.Actor, opts ExecutorOptions) *Executor {
	if opts.Now == nil {
		opts.Now = e.now
	}
	return newExecutor(e.methods, e.MethodName, actor, opts)
}

// MethodName returns the name a method instance is registered under.
func (e *Engine) MethodName(m *Method) (string, bool) {
	name, ok := e.names[m]
	return name, ok
}

func (e *Engine) Entity(name string) (*Entity, bool) {
	ent, ok := e.entities[name]
	return ent, ok
}

func (e *Engine) Method(name string) (*Method, bool) {
	m, ok := e.methods[name]
	return m, ok
}

// Entities lists entities by name.
func (e *Engine) Entities() []domain.EntityInfo {
	out := make([]domain.EntityInfo, 0, len(e.entities))
	for _, ent := range e.entities {
		out = append(out, ent.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Methods lists methods by name.
func (e *Engine) Methods() []domain.MethodInfo {
	out := make([]domain.MethodInfo, 0, len(e.methods))
	for name, m := range e.methods {
		out = append(out, m.info(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
