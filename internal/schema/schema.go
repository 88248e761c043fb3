// Package schema adapts huma's JSON-schema validator to the Validator
// capability used by entities and methods.
package schema

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

var registry = huma.NewMapRegistry("#/components/schemas/", huma.DefaultSchemaNamer)

// Validator checks a value and returns the validated (possibly transformed)
// value. Failures are reported as *ValidationError.
type Validator interface {
	Validate(ctx context.Context, value any) (any, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, value any) (any, error)

func (f ValidatorFunc) Validate(ctx context.Context, value any) (any, error) {
	return f(ctx, value)
}

// Issue is a single failed check. Path is dot separated; empty for the root.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError is an ordered list of issues.
type ValidationError struct {
	Issues []Issue `json:"issues"`
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		if is.Path == "" {
			parts = append(parts, is.Message)
			continue
		}
		parts = append(parts, is.Path+": "+is.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// First returns the first issue that points at a field.
func (e *ValidationError) First() (Issue, bool) {
	for _, is := range e.Issues {
		if is.Path != "" {
			return is, true
		}
	}
	return Issue{}, false
}

// Rule describes one field. Rules are values; modifiers return copies.
type Rule struct {
	schema     *huma.Schema
	shape      Shape
	optional   bool
	hasDefault bool
	def        any
	integer    bool
}

func newRule(s *huma.Schema) Rule {
	s.PrecomputeMessages()
	return Rule{schema: s}
}

func Number() Rule  { return newRule(&huma.Schema{Type: huma.TypeNumber}) }
func Integer() Rule {
	r := newRule(&huma.Schema{Type: huma.TypeInteger})
	r.integer = true
	return r
}
func String() Rule  { return newRule(&huma.Schema{Type: huma.TypeString}) }
func Boolean() Rule { return newRule(&huma.Schema{Type: huma.TypeBoolean}) }

// Any accepts every value.
func Any() Rule { return newRule(&huma.Schema{}) }

// OneOf restricts a string field to the given values.
func OneOf(values ...string) Rule {
	enum := make([]any, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return newRule(&huma.Schema{Type: huma.TypeString, Enum: enum})
}

// Array validates every item against item.
func Array(item Rule) Rule {
	return newRule(&huma.Schema{Type: huma.TypeArray, Items: item.schema})
}

// Object validates a nested record. Nested defaults are filled as well.
func Object(shape Shape) Rule {
	r := newRule(shape.jsonSchema())
	r.shape = shape
	return r
}

func (r Rule) clone() Rule {
	c := *r.schema
	r.schema = &c
	return r
}

func (r Rule) mutate(fn func(s *huma.Schema)) Rule {
	r = r.clone()
	fn(r.schema)
	r.schema.PrecomputeMessages()
	return r
}

// Optional lets the field be absent.
func (r Rule) Optional() Rule {
	r.optional = true
	return r
}

// Default makes the field optional and fills v when it is absent.
func (r Rule) Default(v any) Rule {
	r = r.mutate(func(s *huma.Schema) { s.Default = v })
	r.hasDefault = true
	r.def = v
	return r
}

func (r Rule) Min(v float64) Rule {
	return r.mutate(func(s *huma.Schema) { s.Minimum = &v })
}

func (r Rule) Max(v float64) Rule {
	return r.mutate(func(s *huma.Schema) { s.Maximum = &v })
}

func (r Rule) MinLength(n int) Rule {
	return r.mutate(func(s *huma.Schema) { s.MinLength = &n })
}

func (r Rule) MaxLength(n int) Rule {
	return r.mutate(func(s *huma.Schema) { s.MaxLength = &n })
}

func (r Rule) Pattern(p string) Rule {
	return r.mutate(func(s *huma.Schema) { s.Pattern = p })
}

func (r Rule) Describe(d string) Rule {
	return r.mutate(func(s *huma.Schema) { s.Description = d })
}

// Required reports whether the field must be present in the input.
func (r Rule) Required() bool {
	return !r.optional && !r.hasDefault
}

func (r Rule) validate(path *huma.PathBuffer, v any, res *huma.ValidateResult) {
	if r.schema == nil {
		return
	}
	if f, ok := v.(float64); ok && r.integer && f != math.Trunc(f) {
		res.Add(path, v, "expected integer")
		return
	}
	huma.Validate(registry, r.schema, path, huma.ModeWriteToServer, v, res)
}

// Shape maps field names to rules.
type Shape map[string]Rule

// Fields returns the sorted field names.
func (s Shape) Fields() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s Shape) jsonSchema() *huma.Schema {
	out := &huma.Schema{
		Type:       huma.TypeObject,
		Properties: make(map[string]*huma.Schema, len(s)),
	}
	for _, k := range s.Fields() {
		rule := s[k]
		out.Properties[k] = rule.schema
		if rule.Required() {
			out.Required = append(out.Required, k)
		}
	}
	return out
}

// Validator compiles the shape into a Validator over map[string]any values.
// Unknown keys are dropped and defaults are filled in the returned map.
func (s Shape) Validator() Validator {
	return shapeValidator{shape: s, fields: s.Fields()}
}

type shapeValidator struct {
	shape  Shape
	fields []string
}

func (v shapeValidator) Validate(_ context.Context, value any) (any, error) {
	in, ok := asRecord(value)
	if !ok {
		return nil, &ValidationError{Issues: []Issue{{Message: fmt.Sprintf("expected object, got %T", value)}}}
	}
	out, issues := v.check("", in)
	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return out, nil
}

func (v shapeValidator) check(prefix string, in map[string]any) (map[string]any, []Issue) {
	out := make(map[string]any, len(v.fields))
	var issues []Issue
	for _, name := range v.fields {
		rule := v.shape[name]
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		val, present := in[name]
		if !present || val == nil {
			switch {
			case rule.hasDefault:
				out[name] = rule.def
			case rule.optional:
			default:
				issues = append(issues, Issue{Path: path, Message: "Required"})
			}
			continue
		}
		if rule.shape != nil {
			nested, ok := val.(map[string]any)
			if !ok {
				issues = append(issues, Issue{Path: path, Message: "expected object"})
				continue
			}
			filled, nestedIssues := shapeValidator{shape: rule.shape, fields: rule.shape.Fields()}.check(path, nested)
			if len(nestedIssues) > 0 {
				issues = append(issues, nestedIssues...)
				continue
			}
			out[name] = filled
			continue
		}
		res := &huma.ValidateResult{}
		pb := huma.NewPathBuffer([]byte{}, 0)
		for _, seg := range strings.Split(path, ".") {
			pb.Push(seg)
		}
		rule.validate(pb, val, res)
		if len(res.Errors) > 0 {
			issues = append(issues, toIssues(res.Errors, path)...)
			continue
		}
		out[name] = val
	}
	return out, issues
}

func toIssues(errs []error, fallback string) []Issue {
	issues := make([]Issue, 0, len(errs))
	for _, err := range errs {
		if d, ok := err.(*huma.ErrorDetail); ok {
			loc := d.Location
			if loc == "" {
				loc = fallback
			}
			issues = append(issues, Issue{Path: loc, Message: d.Message})
			continue
		}
		issues = append(issues, Issue{Path: fallback, Message: err.Error()})
	}
	return issues
}

func asRecord(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case nil:
		return map[string]any{}, true
	case map[string]any:
		if v == nil {
			return map[string]any{}, true
		}
		return v, true
	default:
		return nil, false
	}
}
