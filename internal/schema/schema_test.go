package schema_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"theatrum/internal/schema"
)

func TestShapeValidator(t *testing.T) {
	v := schema.Shape{
		"name":  schema.String().MinLength(2),
		"age":   schema.Integer().Min(0).Optional(),
		"limit": schema.Number().Default(10),
		"tags":  schema.Array(schema.String()).Optional(),
		"owner": schema.Object(schema.Shape{
			"id":   schema.String(),
			"kind": schema.OneOf("user", "team").Default("user"),
		}).Optional(),
	}.Validator()

	got, err := v.Validate(context.Background(), map[string]any{
		"name":    "ok",
		"owner":   map[string]any{"id": "u1"},
		"ignored": true,
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	want := map[string]any{
		"name":  "ok",
		"limit": 10,
		"owner": map[string]any{"id": "u1", "kind": "user"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("validated (-want +got):\n%s", diff)
	}
}

func TestShapeValidatorIssues(t *testing.T) {
	v := schema.Shape{
		"a": schema.Number(),
		"b": schema.Number(),
	}.Validator()

	_, err := v.Validate(context.Background(), map[string]any{"a": "x"})
	var ve *schema.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(ve.Issues) != 2 {
		t.Fatalf("expected two issues, got %+v", ve.Issues)
	}
	first, ok := ve.First()
	if !ok || first.Path != "a" {
		t.Fatalf("unexpected first issue %+v", first)
	}
	if ve.Issues[1] != (schema.Issue{Path: "b", Message: "Required"}) {
		t.Fatalf("unexpected second issue %+v", ve.Issues[1])
	}

	_, err = v.Validate(context.Background(), []int{1})
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for non-object, got %v", err)
	}
	if _, ok := ve.First(); ok {
		t.Fatalf("root issue should not point at a field")
	}
}

func TestNestedIssuePath(t *testing.T) {
	v := schema.Shape{
		"owner": schema.Object(schema.Shape{"id": schema.String()}),
	}.Validator()
	_, err := v.Validate(context.Background(), map[string]any{"owner": map[string]any{"id": 5}})
	var ve *schema.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if first, _ := ve.First(); first.Path != "owner.id" {
		t.Fatalf("unexpected path %q", first.Path)
	}
}

func TestNilIsEmptyObject(t *testing.T) {
	got, err := schema.Shape{}.Validator().Validate(context.Background(), nil)
	if err != nil {
		t.Fatalf("validate nil: %v", err)
	}
	if diff := cmp.Diff(map[string]any{}, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestNestedRequiredReportsLeafPath(t *testing.T) {
	v := schema.Shape{
		"o": schema.Object(schema.Shape{"x": schema.Number(), "y": schema.Number().Optional()}),
	}.Validator()
	_, err := v.Validate(context.Background(), map[string]any{"o": map[string]any{"y": 1}})
	var ve *schema.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	want := []schema.Issue{{Path: "o.x", Message: "Required"}}
	if diff := cmp.Diff(want, ve.Issues); diff != "" {
		t.Fatalf("issues (-want +got):\n%s", diff)
	}

	_, err = v.Validate(context.Background(), map[string]any{"o": "nope"})
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if first, _ := ve.First(); first.Path != "o" {
		t.Fatalf("unexpected path %q", first.Path)
	}
}

func TestIntegerRejectsFractions(t *testing.T) {
	v := schema.Shape{"n": schema.Integer().Min(0)}.Validator()
	if _, err := v.Validate(context.Background(), map[string]any{"n": float64(3)}); err != nil {
		t.Fatalf("whole float rejected: %v", err)
	}
	_, err := v.Validate(context.Background(), map[string]any{"n": 2.5})
	var ve *schema.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if first, _ := ve.First(); first.Path != "n" {
		t.Fatalf("unexpected path %q", first.Path)
	}
}
