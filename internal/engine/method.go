package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"theatrum/internal/domain"
	"theatrum/internal/engine/auth"
	"theatrum/internal/schema"
)

// Handler implements a method. params are already validated.
type Handler func(ctx context.Context, params map[string]any, ec *Context) (any, error)

// MethodOptions configure a new Method.
type MethodOptions struct {
	Entities         []*Entity
	Roles            []string
	RolesCompareMode auth.CompareMode
	Params           schema.Shape
	Docs             domain.MethodDocs
}

// Method is a named operation. It holds no per-call state and may be invoked
// concurrently.
type Method struct {
	handler   Handler
	entities  []string
	roles     []string
	mode      auth.CompareMode
	fields    []string
	validator schema.Validator
	docs      domain.MethodDocs
}

func NewMethod(h Handler, opts MethodOptions) (*Method, error) {
	if h == nil {
		return nil, errors.New("method handler is required")
	}
	entities := make([]string, 0, len(opts.Entities))
	for _, e := range opts.Entities {
		if e == nil {
			return nil, errors.New("method entity is nil")
		}
		entities = append(entities, e.Name())
	}
	return &Method{
		handler:   h,
		entities:  entities,
		roles:     append([]string{}, opts.Roles...),
		mode:      opts.RolesCompareMode,
		fields:    opts.Params.Fields(),
		validator: opts.Params.Validator(),
		docs:      opts.Docs,
	}, nil
}

// MustMethod is NewMethod for package-level declarations.
func MustMethod(h Handler, opts MethodOptions) *Method {
	m, err := NewMethod(h, opts)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Method) Entities() []string { return append([]string{}, m.entities...) }

func (m *Method) Roles() []string { return append([]string{}, m.roles...) }

func (m *Method) CompareMode() auth.CompareMode { return m.mode }

func (m *Method) Fields() []string { return append([]string{}, m.fields...) }

func (m *Method) Docs() domain.MethodDocs { return m.docs }

// CheckEntity reports whether actors of the named entity may call the method.
func (m *Method) CheckEntity(entity string) bool {
	for _, e := range m.entities {
		if e == entity {
			return true
		}
	}
	return false
}

// CheckRoles matches actor roles against the required roles.
func (m *Method) CheckRoles(roles []string) bool {
	return auth.Authorized(m.roles, roles, m.mode)
}

// ValidateParams returns the validated params.
func (m *Method) ValidateParams(ctx context.Context, params map[string]any) (map[string]any, error) {
	out, err := m.validator.Validate(ctx, params)
	if err != nil {
		return nil, err
	}
	validated, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("params validator returned %T", out)
	}
	return validated, nil
}

// Invoke validates params and calls the handler. Handler errors are returned
// unchanged.
func (m *Method) Invoke(ctx context.Context, params map[string]any, ec *Context) (any, error) {
	var c Context
	if ec != nil {
		c = *ec
	}
	if c.Trace == nil {
		c.Trace = noTrace{}
	}
	if c.Metrics == nil {
		c.Metrics = discardMetrics{}
	}
	ec = &c
	ec.Trace.SendEvent("method:invoked", nil)
	sendField(ec.Trace, "method:check_params", "params", params)

	validated, err := m.ValidateParams(ctx, params)
	if err != nil {
		return nil, ErrInvalidParams(err)
	}

	sendField(ec.Trace, "method:startup", "params", validated)

	result, err := m.handler(ctx, validated, ec)
	if err != nil {
		return nil, err
	}

	sendField(ec.Trace, "method:result", "result", result)
	return result, nil
}

func (m *Method) info(name string) domain.MethodInfo {
	fields := make(map[string]struct{}, len(m.fields))
	for _, f := range m.fields {
		fields[f] = struct{}{}
	}
	return domain.MethodInfo{
		Name:             name,
		Entities:         m.Entities(),
		Roles:            m.Roles(),
		RolesCompareMode: m.mode.String(),
		Params:           fields,
		Docs:             m.docs,
	}
}

// Handle adapts a typed function to a Handler. Validated params are decoded
// into P using its json tags.
func Handle[P any, R any](fn func(ctx context.Context, params P, ec *Context) (R, error)) Handler {
	return func(ctx context.Context, raw map[string]any, ec *Context) (any, error) {
		var p P
		if err := DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		return fn(ctx, p, ec)
	}
}

// DecodeParams decodes a params map into out.
func DecodeParams(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  out,
		TagName: "json",
	})
	if err != nil {
		return fmt.Errorf("params decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}
