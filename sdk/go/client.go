package theatrumsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Theatrum console API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	Username    string
	Password    string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api",
		Timeout:  10 * time.Second,
	}
}

// ActorInput describes the actor a call runs as.
type ActorInput struct {
	Entity string         `json:"entity"`
	Roles  []string       `json:"roles,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Actor is a validated actor: entity, roles and the entity data fields
// flattened together.
type Actor map[string]any

type EntityInfo struct {
	Name   string              `json:"name"`
	Roles  []string            `json:"roles"`
	Docs   map[string]any      `json:"docs"`
	Schema map[string]struct{} `json:"schema"`
}

type MethodInfo struct {
	Name             string              `json:"name"`
	Entities         []string            `json:"entities"`
	Roles            []string            `json:"roles"`
	RolesCompareMode string              `json:"rolesCompareMode"`
	Params           map[string]struct{} `json:"params"`
	Docs             map[string]any      `json:"docs"`
}

type TraceEvent struct {
	Timestamp int64          `json:"timestamp"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ExecuteRequest is the body of an execute call. A nil Actor uses the
// bearer token claims.
type ExecuteRequest struct {
	Actor  *ActorInput    `json:"actor,omitempty"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
	Debug  bool           `json:"debug,omitempty"`
}

type ExecuteResult struct {
	Result  any            `json:"result"`
	Metrics map[string]any `json:"metrics"`
	Error   *ErrorBody     `json:"error,omitempty"`
	Tracer  []TraceEvent   `json:"tracer,omitempty"`
}

type Flags struct {
	Telemetry bool `json:"telemetry"`
	Debug     bool `json:"debug"`
	History   bool `json:"history"`
}

type Execution struct {
	ID         string         `json:"id"`
	TS         string         `json:"ts"`
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

// HistoryFilters narrow History.
type HistoryFilters struct {
	Limit  int
	Method string
	Entity string
	Failed bool
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%d message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Flags returns the console feature flags.
func (c *Client) Flags(ctx context.Context) (Flags, error) {
	var resp Flags
	err := c.do(ctx, http.MethodGet, "flags", nil, &resp)
	return resp, err
}

// Entities lists the registered entities.
func (c *Client) Entities(ctx context.Context) ([]EntityInfo, error) {
	var resp []EntityInfo
	err := c.do(ctx, http.MethodGet, "entities", nil, &resp)
	return resp, err
}

// Methods lists the registered methods.
func (c *Client) Methods(ctx context.Context) ([]MethodInfo, error) {
	var resp []MethodInfo
	err := c.do(ctx, http.MethodGet, "methods", nil, &resp)
	return resp, err
}

// CreateActor validates an actor on the server.
func (c *Client) CreateActor(ctx context.Context, in ActorInput) (Actor, error) {
	var resp Actor
	err := c.do(ctx, http.MethodPost, "actor", in, &resp)
	return resp, err
}

// Execute runs a method.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	var resp ExecuteResult
	err := c.do(ctx, http.MethodPost, "execute", req, &resp)
	return resp, err
}

// History returns recent executions, newest first.
func (c *Client) History(ctx context.Context, f HistoryFilters) ([]Execution, error) {
	q := url.Values{}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	if f.Method != "" {
		q.Set("method", f.Method)
	}
	if f.Entity != "" {
		q.Set("entity", f.Entity)
	}
	if f.Failed {
		q.Set("failed", "true")
	}
	endpoint := "history"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Execution
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Execution fetches one stored execution.
func (c *Client) Execution(ctx context.Context, id string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodGet, "history/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// do sends a request and decodes the result field of the response envelope
// into out.
func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.Username != "":
		req.SetBasicAuth(c.Username, c.Password)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error *ErrorBody `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	var env struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return err
	}
	if len(env.Result) == 0 {
		return nil
	}
	return json.Unmarshal(env.Result, out)
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
