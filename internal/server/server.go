package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"theatrum/internal/domain"
	"theatrum/internal/engine"
	"theatrum/internal/events"
	"theatrum/internal/repo"
)

// Config for the console HTTP handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Console  ConsoleOptions
	Auth     AuthConfig
	// History stores executions when non-nil.
	History        *repo.Repo
	HistoryLimit   int
	RequestTimeout time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// ConsoleOptions mirror the console section of theatrum.yml.
type ConsoleOptions struct {
	EnableCORS       bool
	EnableBasicAuth  bool
	DisableTelemetry bool
	DisableLogging   bool
	// Debug runs every execution in debug mode.
	Debug bool
	// Password replaces the generated basic auth password.
	Password string
}

type apiErrorBody struct {
	Code    int    `json:"code" example:"7"`
	Message string `json:"message" example:"Access denied"`
}

// apiError models the {"error":{code,message}} envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type console struct {
	cfg    Config
	engine *engine.Engine
	log    *slog.Logger
	now    func() time.Time
}

// New returns an HTTP handler exposing the console API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	cfg.BasePath = basePath
	c := &console{cfg: cfg, engine: cfg.Engine, log: cfg.Logger, now: cfg.Now}
	if c.log == nil {
		c.log = slog.Default()
	}
	if cfg.Console.DisableLogging {
		c.log = slog.New(discardHandler{})
	}
	c.log = c.log.With("component", "console")
	if c.now == nil {
		c.now = time.Now
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, int(engine.Unknown), errorMessage(msg, errs))
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		return newAPIError(status, int(engine.Unknown), errorMessage(msg, errs))
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(poweredBy)
	if cfg.RequestTimeout > 0 {
		router.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	if cfg.Console.DisableTelemetry {
		c.log.Info("telemetry disabled, no data will be collected from this machine")
	} else {
		c.log.Info("telemetry enabled")
	}
	c.log.Info("cors", "enabled", cfg.Console.EnableCORS)
	if cfg.Console.EnableCORS {
		router.Use(corsMiddleware)
	}
	c.log.Info("basic auth", "enabled", cfg.Console.EnableBasicAuth)
	var creds *basicCredentials
	if cfg.Console.EnableBasicAuth {
		creds = &basicCredentials{Username: BasicAuthUser, Password: cfg.Console.Password}
		if creds.Password == "" {
			creds.Password = generatePassword()
			c.log.Info("basic auth credentials", "username", creds.Username, "password", creds.Password)
		} else {
			c.log.Info("basic auth credentials", "username", creds.Username)
		}
	}
	c.log.Info("jwt auth", "enabled", cfg.Auth.JWTSecret != "")
	router.Use(newAuthMiddleware(basePath, cfg.Auth, creds))

	hcfg := huma.DefaultConfig("Theatrum Console API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(api)
	registerFlags(group, c)
	registerEntities(group, c)
	registerMethods(group, c)
	registerActor(group, c)
	registerExecute(group, c)
	registerHistory(group, c)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status, code int, message string) huma.StatusError {
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message},
	}
}

func errorMessage(msg string, errs []error) string {
	if len(errs) == 0 {
		return msg
	}
	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			parts = append(parts, err.Error())
		}
	}
	if len(parts) == 0 {
		return msg
	}
	return msg + ": " + strings.Join(parts, "; ")
}

func (c *console) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	if fe, ok := engine.AsError(err); ok {
		return newAPIError(statusForKind(fe.Kind), int(fe.Kind), fe.Message)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, int(engine.NotFound), "Not found")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusGatewayTimeout, int(engine.Unknown), "Request timed out")
	}
	c.log.Error("unhandled error", "error", err)
	return newAPIError(http.StatusInternalServerError, int(engine.Unknown), "Internal error in console backend")
}

func statusForKind(k engine.ErrorKind) int {
	switch k {
	case engine.InvalidEntity, engine.InvalidActor, engine.InvalidParams:
		return http.StatusBadRequest
	case engine.UnsupportedActor, engine.AccessDenied:
		return http.StatusForbidden
	case engine.UnknownMethod, engine.NotFound:
		return http.StatusNotFound
	case engine.NotYetImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func poweredBy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Powered-By", "Theatrum Console")
		next.ServeHTTP(w, r)
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	docPath := path.Join(basePath, "openapi.json")
	r.Get(docPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{
							Type: huma.TypeObject,
							Properties: map[string]*huma.Schema{
								"error": {
									Type: huma.TypeObject,
									Properties: map[string]*huma.Schema{
										"code":    {Type: huma.TypeInteger},
										"message": {Type: huma.TypeString},
									},
								},
							},
						},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["basicAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "basic"}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Security = []map[string][]string{{"basicAuth": {}}, {"bearerAuth": {}}}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerFlags(api huma.API, c *console) {
	huma.Register(api, huma.Operation{
		OperationID: "flags",
		Method:      http.MethodGet,
		Path:        "/flags",
		Summary:     "Console feature flags",
	}, func(ctx context.Context, _ *struct{}) (*FlagsResponse, error) {
		out := &FlagsResponse{}
		out.Body.Result = Flags{
			Telemetry: !c.cfg.Console.DisableTelemetry,
			Debug:     c.cfg.Console.Debug,
			History:   c.cfg.History != nil,
		}
		return out, nil
	})
}

func registerEntities(api huma.API, c *console) {
	huma.Register(api, huma.Operation{
		OperationID: "entities",
		Method:      http.MethodGet,
		Path:        "/entities",
		Summary:     "List entities",
	}, func(ctx context.Context, _ *struct{}) (*EntitiesResponse, error) {
		out := &EntitiesResponse{}
		out.Body.Result = c.engine.Entities()
		return out, nil
	})
}

func registerMethods(api huma.API, c *console) {
	huma.Register(api, huma.Operation{
		OperationID: "methods",
		Method:      http.MethodGet,
		Path:        "/methods",
		Summary:     "List methods",
	}, func(ctx context.Context, _ *struct{}) (*MethodsResponse, error) {
		out := &MethodsResponse{}
		out.Body.Result = c.engine.Methods()
		return out, nil
	})
}

func registerActor(api huma.API, c *console) {
	huma.Register(api, huma.Operation{
		OperationID: "create-actor",
		Method:      http.MethodPost,
		Path:        "/actor",
		Summary:     "Validate and build an actor",
	}, func(ctx context.Context, input *struct {
		Body ActorRequest
	}) (*ActorResponse, error) {
		actor, err := c.engine.CreateActor(ctx, input.Body.Entity, input.Body.Roles, input.Body.Data)
		if err != nil {
			return nil, c.handleError(err)
		}
		out := &ActorResponse{}
		out.Body.Result = actor
		return out, nil
	})
}

func registerExecute(api huma.API, c *console) {
	huma.Register(api, huma.Operation{
		OperationID: "execute",
		Method:      http.MethodPost,
		Path:        "/execute",
		Summary:     "Execute a method as an actor",
	}, func(ctx context.Context, input *struct {
		Body ExecuteRequest
	}) (*ExecuteResponse, error) {
		out, err := c.execute(ctx, input.Body)
		if err != nil {
			return nil, c.handleError(err)
		}
		return out, nil
	})
}

func (c *console) execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	debug := req.Debug || c.cfg.Console.Debug
	start := c.now()
	actor, err := c.resolveActor(ctx, req.Actor)
	if err != nil {
		return nil, err
	}

	var rec *events.Recorder
	var sinks []events.Sink
	if debug {
		rec = &events.Recorder{}
		sinks = append(sinks, rec)
	}
	if c.log.Enabled(ctx, slog.LevelDebug) {
		sinks = append(sinks, events.LogSink{Logger: c.log})
	}
	x := c.engine.CreateExecutor(actor, engine.ExecutorOptions{Tracer: events.Multi(sinks...), Now: c.now})

	executeStart := c.now()
	result, errBody, err := wrap(ctx, x, req.Method, req.Params, debug)
	end := c.now()

	c.record(ctx, req, actor, start, end, result, errBody, err, rec)
	if err != nil {
		return nil, err
	}

	metrics := x.ExportMetrics()
	metrics["commonTime"] = end.Sub(start).Milliseconds()
	metrics["executeTime"] = end.Sub(executeStart).Milliseconds()

	out := &ExecuteResponse{}
	out.Body.Result.Result = result
	out.Body.Result.Metrics = metrics
	if errBody != nil {
		out.Body.Result.Result = map[string]any{"(error)": errBody}
	}
	if debug {
		out.Body.Result.Error = errBody
		out.Body.Result.Tracer = rec.Events()
	}
	return out, nil
}

// resolveActor prefers the actor in the request body and falls back to the
// bearer token claims.
func (c *console) resolveActor(ctx context.Context, in *ActorRequest) (domain.Actor, error) {
	if in != nil {
		return c.engine.CreateActor(ctx, in.Entity, in.Roles, in.Data)
	}
	if p, ok := principalFromContext(ctx); ok {
		return c.engine.CreateActor(ctx, p.Entity, p.Roles, p.Data)
	}
	return domain.Actor{}, newAPIError(http.StatusBadRequest, int(engine.Unknown), "Invalid body: actor required")
}

// wrap runs the method. In debug mode every failure is returned as an error
// body with the raw message; otherwise framework errors pass through and
// anything else becomes an Internal error.
func wrap(ctx context.Context, x *engine.Executor, method string, params map[string]any, debug bool) (result any, body *domain.ErrorBody, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			if debug {
				body = &domain.ErrorBody{Code: int(engine.Unknown), Message: fmt.Sprint(r)}
				return
			}
			err = engine.ErrInternal()
		}
	}()
	result, runErr := x.Run(ctx, method, params)
	if runErr == nil {
		return result, nil, nil
	}
	fe, isFramework := engine.AsError(runErr)
	if debug {
		if isFramework {
			b := fe.Body()
			return nil, &b, nil
		}
		return nil, &domain.ErrorBody{Code: int(engine.Unknown), Message: runErr.Error()}, nil
	}
	if isFramework {
		return nil, nil, fe
	}
	return nil, nil, engine.ErrInternal()
}

// tsLayout keeps a fixed width so stored timestamps sort as strings.
const tsLayout = "2006-01-02T15:04:05.000000Z07:00"

func (c *console) record(ctx context.Context, req ExecuteRequest, actor domain.Actor, start, end time.Time, result any, errBody *domain.ErrorBody, err error, rec *events.Recorder) {
	if c.cfg.History == nil {
		return
	}
	e := domain.Execution{
		ID:         uuid.NewString(),
		TS:         start.UTC().Format(tsLayout),
		Method:     req.Method,
		Entity:     actor.Entity,
		Roles:      actor.Roles,
		Params:     req.Params,
		Result:     result,
		Error:      errBody,
		DurationMS: end.Sub(start).Milliseconds(),
	}
	if fe, ok := engine.AsError(err); ok {
		b := fe.Body()
		e.Error = &b
	}
	if rec != nil {
		e.Trace = rec.Events()
	}
	// history must not fail the call
	ctx = context.WithoutCancel(ctx)
	if err := c.cfg.History.InsertExecution(ctx, e); err != nil {
		c.log.Warn("store execution", "method", req.Method, "error", err)
		return
	}
	if c.cfg.HistoryLimit > 0 {
		if _, err := c.cfg.History.PruneExecutions(ctx, c.cfg.HistoryLimit); err != nil {
			c.log.Warn("prune history", "error", err)
		}
	}
}

func registerHistory(api huma.API, c *console) {
	huma.Register(api, huma.Operation{
		OperationID: "history",
		Method:      http.MethodGet,
		Path:        "/history",
		Summary:     "Recent executions",
	}, func(ctx context.Context, input *HistoryQuery) (*HistoryResponse, error) {
		if c.cfg.History == nil {
			return nil, newAPIError(http.StatusNotFound, int(engine.NotFound), "History disabled")
		}
		items, err := c.cfg.History.ListExecutions(ctx, repo.ExecutionFilters{
			Method: input.Method,
			Entity: input.Entity,
			Failed: input.Failed,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, c.handleError(err)
		}
		if items == nil {
			items = []domain.Execution{}
		}
		out := &HistoryResponse{}
		out.Body.Result = items
		return out, nil
	})
	huma.Register(api, huma.Operation{
		OperationID: "history-get",
		Method:      http.MethodGet,
		Path:        "/history/{id}",
		Summary:     "Get one execution",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*ExecutionResponse, error) {
		if c.cfg.History == nil {
			return nil, newAPIError(http.StatusNotFound, int(engine.NotFound), "History disabled")
		}
		e, err := c.cfg.History.GetExecution(ctx, input.ID)
		if err != nil {
			return nil, c.handleError(err)
		}
		out := &ExecutionResponse{}
		out.Body.Result = e
		return out, nil
	})
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
