package engine

import (
	"context"
	"errors"
	"fmt"

	"theatrum/internal/domain"
	"theatrum/internal/engine/auth"
	"theatrum/internal/schema"
)

// EntityOptions configure a new Entity.
type EntityOptions struct {
	Name   string
	Roles  []string
	Schema schema.Shape
	Docs   domain.EntityDocs
}

// Entity is an actor kind: a name, the universe of roles its actors may hold
// and the schema of their data.
type Entity struct {
	name      string
	roles     []string
	fields    []string
	validator schema.Validator
	docs      domain.EntityDocs
}

func NewEntity(opts EntityOptions) (*Entity, error) {
	if opts.Name == "" {
		return nil, errors.New("entity name is required")
	}
	for _, r := range opts.Roles {
		if r == "" {
			return nil, fmt.Errorf("entity %s has empty role", opts.Name)
		}
	}
	return &Entity{
		name:      opts.Name,
		roles:     append([]string{}, opts.Roles...),
		fields:    opts.Schema.Fields(),
		validator: opts.Schema.Validator(),
		docs:      opts.Docs,
	}, nil
}

// MustEntity is NewEntity for package-level declarations.
func MustEntity(opts EntityOptions) *Entity {
	e, err := NewEntity(opts)
	if err != nil {
		panic(err)
	}
	return e
}

func (e *Entity) Name() string { return e.name }

func (e *Entity) Roles() []string { return append([]string{}, e.roles...) }

func (e *Entity) Fields() []string { return append([]string{}, e.fields...) }

func (e *Entity) Docs() domain.EntityDocs { return e.docs }

// ValidateRoles reports whether every role belongs to the entity.
func (e *Entity) ValidateRoles(roles []string) bool {
	return auth.Subset(roles, e.roles)
}

// ValidateData returns the validated data, with defaults filled and unknown
// fields dropped.
func (e *Entity) ValidateData(ctx context.Context, data map[string]any) (map[string]any, error) {
	out, err := e.validator.Validate(ctx, data)
	if err != nil {
		return nil, err
	}
	validated, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("entity %s: validator returned %T", e.name, out)
	}
	return validated, nil
}

// CreateActor validates roles and data and builds an actor of this entity.
func (e *Entity) CreateActor(ctx context.Context, roles []string, data map[string]any) (domain.Actor, error) {
	if !e.ValidateRoles(roles) {
		return domain.Actor{}, ErrInvalidActor(e.name)
	}
	validated, err := e.ValidateData(ctx, data)
	if err != nil {
		return domain.Actor{}, ErrInvalidActor(e.name)
	}
	return domain.Actor{
		Entity: e.name,
		Roles:  append([]string{}, roles...),
		Data:   validated,
	}, nil
}

func (e *Entity) info() domain.EntityInfo {
	fields := make(map[string]struct{}, len(e.fields))
	for _, f := range e.fields {
		fields[f] = struct{}{}
	}
	return domain.EntityInfo{
		Name:   e.name,
		Roles:  e.Roles(),
		Docs:   e.docs,
		Schema: fields,
	}
}
