package domain

import (
	"encoding/json"
	"fmt"
)

// Actor is the validated identity a call executes on behalf of. Data holds the
// entity-specific fields and is flattened next to entity and roles in JSON.
type Actor struct {
	Entity string         `json:"entity"`
	Roles  []string       `json:"roles"`
	Data   map[string]any `json:"-"`
}

func (a Actor) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(a.Data)+2)
	for k, v := range a.Data {
		out[k] = v
	}
	roles := a.Roles
	if roles == nil {
		roles = []string{}
	}
	out["entity"] = a.Entity
	out["roles"] = roles
	return json.Marshal(out)
}

func (a *Actor) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	entity, _ := raw["entity"].(string)
	a.Entity = entity
	a.Roles = []string{}
	if rs, ok := raw["roles"].([]any); ok {
		for _, r := range rs {
			s, ok := r.(string)
			if !ok {
				return fmt.Errorf("actor role %v is not a string", r)
			}
			a.Roles = append(a.Roles, s)
		}
	}
	delete(raw, "entity")
	delete(raw, "roles")
	a.Data = raw
	return nil
}

// Get returns a data field of the actor.
func (a Actor) Get(field string) (any, bool) {
	v, ok := a.Data[field]
	return v, ok
}

type EntityExample struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data"`
}

type EntityDocs struct {
	DisplayName string          `json:"displayName,omitempty"`
	Description string          `json:"description,omitempty"`
	Examples    []EntityExample `json:"examples,omitempty"`
}

type MethodExample struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Params      map[string]any `json:"params"`
	Result      any            `json:"result"`
}

type MethodDocs struct {
	Description string          `json:"description,omitempty"`
	Examples    []MethodExample `json:"examples,omitempty"`
}

// EntityInfo is the introspection view of an entity. Schema exposes field
// names only; validator rules are never serialized.
type EntityInfo struct {
	Name   string              `json:"name"`
	Roles  []string            `json:"roles"`
	Docs   EntityDocs          `json:"docs"`
	Schema map[string]struct{} `json:"schema"`
}

// MethodInfo is the introspection view of a method.
type MethodInfo struct {
	Name             string              `json:"name"`
	Entities         []string            `json:"entities"`
	Roles            []string            `json:"roles"`
	RolesCompareMode string              `json:"rolesCompareMode" enum:"all,any"`
	Params           map[string]struct{} `json:"params"`
	Docs             MethodDocs          `json:"docs"`
}

type TraceEvent struct {
	Timestamp int64          `json:"timestamp"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
}

// ErrorBody is the error payload handed to callers.
type ErrorBody struct {
	Code    int    `json:"code" example:"7"`
	Message string `json:"message" example:"Access denied"`
}

// Execution is a stored console execution.
type Execution struct {
	ID         string         `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Method     string         `json:"method"`
	Entity     string         `json:"entity"`
	Roles      []string       `json:"roles"`
	Params     map[string]any `json:"params,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      *ErrorBody     `json:"error,omitempty"`
	Metrics    map[string]any `json:"metrics,omitempty"`
	Trace      []TraceEvent   `json:"trace,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}
