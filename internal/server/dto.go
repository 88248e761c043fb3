package server

import (
	"theatrum/internal/domain"
)

// Request payloads

type ActorRequest struct {
	Entity string         `json:"entity" minLength:"1" example:"user"`
	Roles  []string       `json:"roles,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

type ExecuteRequest struct {
	// Actor defaults to the bearer token claims.
	Actor  *ActorRequest  `json:"actor,omitempty"`
	Method string         `json:"method" minLength:"1" example:"math.sum"`
	Params map[string]any `json:"params,omitempty"`
	Debug  bool           `json:"debug,omitempty"`
}

type HistoryQuery struct {
	Limit  int    `query:"limit" minimum:"0" maximum:"1000"`
	Method string `query:"method"`
	Entity string `query:"entity"`
	Failed bool   `query:"failed"`
}

// Response payloads

type Flags struct {
	Telemetry bool `json:"telemetry"`
	Debug     bool `json:"debug"`
	History   bool `json:"history"`
}

type FlagsResponse struct {
	Body struct {
		Result Flags `json:"result"`
	}
}

type EntitiesResponse struct {
	Body struct {
		Result []domain.EntityInfo `json:"result"`
	}
}

type MethodsResponse struct {
	Body struct {
		Result []domain.MethodInfo `json:"result"`
	}
}

type ActorResponse struct {
	Body struct {
		Result domain.Actor `json:"result"`
	}
}

// ExecuteResult carries the method result, or {"(error)": ...} when a
// debug run failed.
type ExecuteResult struct {
	Result  any                 `json:"result"`
	Metrics map[string]any      `json:"metrics"`
	Error   *domain.ErrorBody   `json:"error,omitempty"`
	Tracer  []domain.TraceEvent `json:"tracer,omitempty"`
}

type ExecuteResponse struct {
	Body struct {
		Result ExecuteResult `json:"result"`
	}
}

type HistoryResponse struct {
	Body struct {
		Result []domain.Execution `json:"result"`
	}
}

type ExecutionResponse struct {
	Body struct {
		Result domain.Execution `json:"result"`
	}
}
