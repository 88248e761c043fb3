package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"theatrum/internal/domain"
	"theatrum/internal/engine"
	"theatrum/internal/engine/auth"
	"theatrum/internal/schema"
)

type testEnv struct {
	Engine   *engine.Engine
	User     *engine.Entity
	Admin    *engine.Entity
	Sum      *engine.Method
	Multiply *engine.Method
	Secret   *engine.Method
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	user := engine.MustEntity(engine.EntityOptions{Name: "user", Schema: schema.Shape{}})
	admin := engine.MustEntity(engine.EntityOptions{
		Name:   "admin",
		Roles:  []string{"admin", "auditor"},
		Schema: schema.Shape{"adminId": schema.Number()},
	})
	sum := engine.MustMethod(engine.Handle(func(_ context.Context, p struct {
		A float64 `json:"a"`
		B float64 `json:"b"`
	}, _ *engine.Context) (float64, error) {
		return p.A + p.B, nil
	}), engine.MethodOptions{
		Entities: []*engine.Entity{user, admin},
		Params:   schema.Shape{"a": schema.Number(), "b": schema.Number()},
	})
	secret := engine.MustMethod(func(_ context.Context, _ map[string]any, _ *engine.Context) (any, error) {
		return "secret", nil
	}, engine.MethodOptions{
		Entities: []*engine.Entity{user, admin},
		Roles:    []string{"admin"},
	})
	multiply := engine.MustMethod(engine.Handle(func(ctx context.Context, p struct {
		A float64 `json:"a"`
		B int     `json:"b"`
	}, ec *engine.Context) (float64, error) {
		var result float64
		for i := 0; i < p.B; i++ {
			next, err := engine.Invoke[float64](ctx, ec, sum, map[string]any{"a": result, "b": p.A})
			if err != nil {
				return 0, err
			}
			result = next
		}
		if _, err := ec.Invoke(ctx, secret, nil); err != nil {
			return 0, err
		}
		return result, nil
	}), engine.MethodOptions{
		Entities: []*engine.Entity{user},
		Params:   schema.Shape{"a": schema.Number(), "b": schema.Number()},
	})
	eng, err := engine.New(engine.Options{
		Entities: map[string]*engine.Entity{"user": user, "admin": admin},
		Methods: map[string]*engine.Method{
			"math.sum":      sum,
			"math.multiply": multiply,
			"secret.read":   secret,
		},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return testEnv{Engine: eng, User: user, Admin: admin, Sum: sum, Multiply: multiply, Secret: secret, Ctx: context.Background()}
}

func (env testEnv) actor(t *testing.T, entity string, roles []string, data map[string]any) domain.Actor {
	t.Helper()
	a, err := env.Engine.CreateActor(env.Ctx, entity, roles, data)
	if err != nil {
		t.Fatalf("create actor: %v", err)
	}
	return a
}

func TestValidateRoles(t *testing.T) {
	e := engine.MustEntity(engine.EntityOptions{Name: "user", Roles: []string{"user.test"}})
	cases := []struct {
		roles []string
		want  bool
	}{
		{nil, true},
		{[]string{}, true},
		{[]string{"user.test"}, true},
		{[]string{"other"}, false},
		{[]string{"user.test", "other"}, false},
	}
	for _, c := range cases {
		if got := e.ValidateRoles(c.roles); got != c.want {
			t.Fatalf("ValidateRoles(%v) = %v, want %v", c.roles, got, c.want)
		}
	}
}

func TestCreateActor(t *testing.T) {
	env := newTestEnv(t)
	a := env.actor(t, "admin", []string{"admin"}, map[string]any{"adminId": 7, "extra": "dropped"})
	want := domain.Actor{Entity: "admin", Roles: []string{"admin"}, Data: map[string]any{"adminId": 7}}
	if diff := cmp.Diff(want, a); diff != "" {
		t.Fatalf("actor mismatch (-want +got):\n%s", diff)
	}

	_, err := env.Engine.CreateActor(env.Ctx, "admin", []string{"root"}, map[string]any{"adminId": 7})
	if engine.KindOf(err) != engine.InvalidActor {
		t.Fatalf("expected invalid actor for unknown role, got %v", err)
	}
	if !strings.Contains(err.Error(), `"admin"`) {
		t.Fatalf("expected entity name in message: %v", err)
	}
	_, err = env.Engine.CreateActor(env.Ctx, "admin", nil, map[string]any{"adminId": "seven"})
	if engine.KindOf(err) != engine.InvalidActor {
		t.Fatalf("expected invalid actor for bad data, got %v", err)
	}
	_, err = env.Engine.CreateActor(env.Ctx, "ghost", nil, nil)
	if engine.KindOf(err) != engine.InvalidEntity {
		t.Fatalf("expected invalid entity, got %v", err)
	}
}

func TestValidateDataFillsDefaults(t *testing.T) {
	e := engine.MustEntity(engine.EntityOptions{
		Name: "device",
		Schema: schema.Shape{
			"id":     schema.String(),
			"tier":   schema.OneOf("free", "pro").Default("free"),
			"labels": schema.Array(schema.String()).Optional(),
		},
	})
	got, err := e.ValidateData(context.Background(), map[string]any{"id": "d-1"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"id": "d-1", "tier": "free"}, got); diff != "" {
		t.Fatalf("validated data (-want +got):\n%s", diff)
	}
}

func TestRunSum(t *testing.T) {
	env := newTestEnv(t)
	x := env.Engine.CreateExecutor(env.actor(t, "user", nil, nil), engine.ExecutorOptions{})
	got, err := x.Run(env.Ctx, "math.sum", map[string]any{"a": 4, "b": 5})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != float64(9) {
		t.Fatalf("expected 9, got %v", got)
	}
}

func TestNestedInvokeSkipsRoleGate(t *testing.T) {
	env := newTestEnv(t)
	x := env.Engine.CreateExecutor(env.actor(t, "user", nil, nil), engine.ExecutorOptions{})
	got, err := x.Run(env.Ctx, "math.multiply", map[string]any{"a": 2, "b": 5})
	if err != nil {
		t.Fatalf("run multiply: %v", err)
	}
	if got != float64(10) {
		t.Fatalf("expected 10, got %v", got)
	}
	if _, err := x.Run(env.Ctx, "secret.read", nil); engine.KindOf(err) != engine.AccessDenied {
		t.Fatalf("direct call should be denied, got %v", err)
	}
}

func TestNestedInvokeChecksEntity(t *testing.T) {
	adminOnly := engine.MustMethod(func(context.Context, map[string]any, *engine.Context) (any, error) {
		return true, nil
	}, engine.MethodOptions{Entities: []*engine.Entity{engine.MustEntity(engine.EntityOptions{Name: "admin"})}})
	user := engine.MustEntity(engine.EntityOptions{Name: "user"})
	outer := engine.MustMethod(func(ctx context.Context, _ map[string]any, ec *engine.Context) (any, error) {
		return ec.Invoke(ctx, adminOnly, nil)
	}, engine.MethodOptions{Entities: []*engine.Entity{user}})
	eng, err := engine.New(engine.Options{
		Entities: map[string]*engine.Entity{"user": user},
		Methods:  map[string]*engine.Method{"outer": outer},
	})
	if err != nil {
		t.Fatal(err)
	}
	actor, err := eng.CreateActor(context.Background(), "user", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	var events []domain.TraceEvent
	x := eng.CreateExecutor(actor, engine.ExecutorOptions{Tracer: engine.TracerFunc(func(ev domain.TraceEvent) {
		events = append(events, ev)
	})})
	if _, err := x.Run(context.Background(), "outer", nil); engine.KindOf(err) != engine.UnsupportedActor {
		t.Fatalf("expected unsupported actor, got %v", err)
	}
	var hidden bool
	for _, ev := range events {
		if ev.Event == "executor:run" && ev.Data["internal:isInternal"] == true {
			hidden = ev.Data["internal:method"] == "(hidden method)"
		}
	}
	if !hidden {
		t.Fatalf("expected nested call to be traced as hidden method: %+v", events)
	}
}

func TestRunGates(t *testing.T) {
	env := newTestEnv(t)
	user := env.actor(t, "user", nil, nil)
	x := env.Engine.CreateExecutor(user, engine.ExecutorOptions{})

	_, err := x.Run(env.Ctx, "unknown.method", map[string]any{})
	if engine.KindOf(err) != engine.UnknownMethod {
		t.Fatalf("expected unknown method, got %v", err)
	}
	fe, ok := engine.AsError(err)
	if !ok || fe.Body().Code != 3 {
		t.Fatalf("expected code 3, got %+v", fe)
	}

	if _, err := x.Run(env.Ctx, "secret.read", nil); engine.KindOf(err) != engine.AccessDenied {
		t.Fatalf("expected access denied, got %v", err)
	}
	adm := env.Engine.CreateExecutor(env.actor(t, "admin", []string{"admin"}, map[string]any{"adminId": 1}), engine.ExecutorOptions{})
	if got, err := adm.Run(env.Ctx, "secret.read", nil); err != nil || got != "secret" {
		t.Fatalf("admin secret: %v %v", got, err)
	}
	if _, err := adm.Run(env.Ctx, "math.multiply", map[string]any{"a": 1, "b": 1}); engine.KindOf(err) != engine.UnsupportedActor {
		t.Fatalf("expected unsupported actor, got %v", err)
	}

	_, err = x.Run(env.Ctx, "math.sum", map[string]any{"a": "four", "b": 5})
	if engine.KindOf(err) != engine.InvalidParams {
		t.Fatalf("expected invalid params, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "Invalid param 'a': ") {
		t.Fatalf("unexpected message %q", err.Error())
	}
	_, err = x.Run(env.Ctx, "math.sum", map[string]any{"a": 1})
	if err == nil || err.Error() != "Invalid param 'b': Required" {
		t.Fatalf("unexpected missing param error %v", err)
	}
}

func TestAccessGateProceedsToParams(t *testing.T) {
	user := engine.MustEntity(engine.EntityOptions{Name: "user", Roles: []string{"admin"}})
	m := engine.MustMethod(func(context.Context, map[string]any, *engine.Context) (any, error) {
		return "ok", nil
	}, engine.MethodOptions{
		Entities: []*engine.Entity{user},
		Roles:    []string{"admin"},
		Params:   schema.Shape{"n": schema.Number()},
	})
	eng, err := engine.New(engine.Options{
		Entities: map[string]*engine.Entity{"user": user},
		Methods:  map[string]*engine.Method{"admin.op": m},
	})
	if err != nil {
		t.Fatal(err)
	}
	plain, _ := eng.CreateActor(context.Background(), "user", []string{}, nil)
	if _, err := eng.CreateExecutor(plain, engine.ExecutorOptions{}).Run(context.Background(), "admin.op", nil); engine.KindOf(err) != engine.AccessDenied {
		t.Fatalf("expected access denied, got %v", err)
	}
	admin, _ := eng.CreateActor(context.Background(), "user", []string{"admin"}, nil)
	if _, err := eng.CreateExecutor(admin, engine.ExecutorOptions{}).Run(context.Background(), "admin.op", nil); engine.KindOf(err) != engine.InvalidParams {
		t.Fatalf("expected invalid params, got %v", err)
	}
}

func TestCheckRolesCompareModes(t *testing.T) {
	all := engine.MustMethod(func(context.Context, map[string]any, *engine.Context) (any, error) { return nil, nil },
		engine.MethodOptions{Roles: []string{"a", "b"}})
	anyOf := engine.MustMethod(func(context.Context, map[string]any, *engine.Context) (any, error) { return nil, nil },
		engine.MethodOptions{Roles: []string{"a", "b"}, RolesCompareMode: auth.Any})
	open := engine.MustMethod(func(context.Context, map[string]any, *engine.Context) (any, error) { return nil, nil },
		engine.MethodOptions{RolesCompareMode: auth.Any})

	if all.CheckRoles([]string{"a"}) {
		t.Fatalf("all mode should require every role")
	}
	if !all.CheckRoles([]string{"b", "a", "c"}) {
		t.Fatalf("all mode should pass with every role")
	}
	if !anyOf.CheckRoles([]string{"b"}) {
		t.Fatalf("any mode should pass with one role")
	}
	if anyOf.CheckRoles([]string{"c"}) {
		t.Fatalf("any mode should fail without roles")
	}
	if !open.CheckRoles(nil) {
		t.Fatalf("empty required roles should pass")
	}
}

func TestTraceOrdering(t *testing.T) {
	env := newTestEnv(t)
	var events []domain.TraceEvent
	x := env.Engine.CreateExecutor(env.actor(t, "user", nil, nil), engine.ExecutorOptions{
		Tracer: engine.TracerFunc(func(ev domain.TraceEvent) { events = append(events, ev) }),
	})
	if _, err := x.Run(env.Ctx, "math.sum", map[string]any{"a": 1, "b": 2}); err != nil {
		t.Fatalf("run: %v", err)
	}
	var names []string
	for _, ev := range events {
		names = append(names, ev.Event)
	}
	want := []string{
		"executor:init",
		"executor:run", "executor:check_actor", "executor:check_roles", "executor:invoke",
		"method:invoked", "method:check_params", "method:startup", "method:result",
		"executor:result",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("trace order (-want +got):\n%s", diff)
	}
	for _, ev := range events[1:] {
		if ev.Data["internal:method"] != "math.sum" {
			t.Fatalf("event %s not attributed to math.sum: %v", ev.Event, ev.Data)
		}
	}
	if events[len(events)-1].Data["result"] != float64(3) {
		t.Fatalf("result event data %v", events[len(events)-1].Data)
	}
}

func TestNestedTraceAttribution(t *testing.T) {
	env := newTestEnv(t)
	var events []domain.TraceEvent
	x := env.Engine.CreateExecutor(env.actor(t, "user", nil, nil), engine.ExecutorOptions{
		Tracer: engine.TracerFunc(func(ev domain.TraceEvent) { events = append(events, ev) }),
	})
	if _, err := x.Run(env.Ctx, "math.multiply", map[string]any{"a": 3, "b": 1}); err != nil {
		t.Fatalf("run: %v", err)
	}
	var nested []string
	for _, ev := range events {
		if ev.Data["internal:method"] == "math.sum" {
			nested = append(nested, ev.Event)
		}
		if ev.Event == "executor:check_roles" && ev.Data["internal:method"] != "math.multiply" {
			t.Fatalf("nested call checked roles: %v", ev.Data)
		}
	}
	want := []string{
		"executor:run", "executor:check_actor", "executor:invoke",
		"method:invoked", "method:check_params", "method:startup", "method:result",
	}
	if diff := cmp.Diff(want, nested); diff != "" {
		t.Fatalf("nested trace (-want +got):\n%s", diff)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(5 * time.Millisecond)
	return c.now
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t)
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var ec *engine.Context
	capture := engine.MustMethod(func(_ context.Context, _ map[string]any, c *engine.Context) (any, error) {
		ec = c
		return nil, nil
	}, engine.MethodOptions{Entities: []*engine.Entity{env.User}})
	eng, err := engine.New(engine.Options{
		Entities: map[string]*engine.Entity{"user": env.User},
		Methods:  map[string]*engine.Method{"capture": capture},
	})
	if err != nil {
		t.Fatal(err)
	}
	actor, _ := eng.CreateActor(env.Ctx, "user", nil, nil)
	x := eng.CreateExecutor(actor, engine.ExecutorOptions{Now: clock.Now})
	if _, err := x.Run(env.Ctx, "capture", nil); err != nil {
		t.Fatal(err)
	}

	ec.Metrics.EndRecord("missing")
	if len(x.ExportMetrics()) != 0 {
		t.Fatalf("EndRecord without start changed metrics: %v", x.ExportMetrics())
	}

	ec.Metrics.Set("Cache Hit", true)
	ec.Metrics.StartRecord("DB Time")
	ec.Metrics.EndRecord("DB Time")
	ec.Metrics.EndRecord("DB Time")
	ec.Metrics.Set("label", "x")
	ec.Metrics.EndRecord("label")
	got := x.ExportMetrics()
	want := map[string]any{"user_cache_hit": true, "user_db_time": int64(5), "user_label": "x"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("metrics (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(got, x.ExportMetrics()); diff != "" {
		t.Fatalf("export not idempotent:\n%s", diff)
	}
	ec.Metrics.Unset("label")
	if _, ok := x.ExportMetrics()["user_label"]; ok {
		t.Fatalf("unset did not remove metric")
	}
}

var errBoom = errors.New("boom")

func TestHandlerErrors(t *testing.T) {
	user := engine.MustEntity(engine.EntityOptions{Name: "user"})
	failing := engine.MustMethod(func(context.Context, map[string]any, *engine.Context) (any, error) {
		return nil, errBoom
	}, engine.MethodOptions{Entities: []*engine.Entity{user}})
	panicking := engine.MustMethod(func(context.Context, map[string]any, *engine.Context) (any, error) {
		panic("handler bug")
	}, engine.MethodOptions{Entities: []*engine.Entity{user}})
	eng, err := engine.New(engine.Options{
		Entities: map[string]*engine.Entity{"user": user},
		Methods:  map[string]*engine.Method{"fail": failing, "panic": panicking},
	})
	if err != nil {
		t.Fatal(err)
	}
	actor, _ := eng.CreateActor(context.Background(), "user", nil, nil)
	x := eng.CreateExecutor(actor, engine.ExecutorOptions{})

	if _, err := x.Run(context.Background(), "fail", nil); !errors.Is(err, errBoom) {
		t.Fatalf("Run should return handler error unchanged, got %v", err)
	}
	resp := x.RunWithWrapper(context.Background(), "fail", nil)
	if resp.Error == nil || resp.Error.Kind != engine.Internal || resp.Error.Message != "Internal error" {
		t.Fatalf("expected internal error, got %+v", resp)
	}
	resp = x.RunWithWrapper(context.Background(), "panic", nil)
	if resp.Error == nil || resp.Error.Kind != engine.Internal {
		t.Fatalf("expected internal error for panic, got %+v", resp)
	}
	resp = x.RunWithWrapper(context.Background(), "nope", nil)
	if resp.Error == nil || resp.Error.Kind != engine.UnknownMethod {
		t.Fatalf("expected unknown method, got %+v", resp)
	}
}

func TestNewRejectsBadRegistrations(t *testing.T) {
	user := engine.MustEntity(engine.EntityOptions{Name: "user"})
	m := engine.MustMethod(func(context.Context, map[string]any, *engine.Context) (any, error) { return nil, nil },
		engine.MethodOptions{Entities: []*engine.Entity{user}})
	if _, err := engine.New(engine.Options{Methods: map[string]*engine.Method{"a": m, "b": m}}); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if _, err := engine.New(engine.Options{Entities: map[string]*engine.Entity{"member": user}}); err == nil {
		t.Fatalf("expected entity name mismatch error")
	}
}

func TestIntrospection(t *testing.T) {
	env := newTestEnv(t)
	entities := env.Engine.Entities()
	if len(entities) != 2 || entities[0].Name != "admin" {
		t.Fatalf("unexpected entities %+v", entities)
	}
	if diff := cmp.Diff(map[string]struct{}{"adminId": {}}, entities[0].Schema); diff != "" {
		t.Fatalf("entity schema (-want +got):\n%s", diff)
	}
	methods := env.Engine.Methods()
	if len(methods) != 3 || methods[0].Name != "math.multiply" {
		t.Fatalf("unexpected methods %+v", methods)
	}
	if diff := cmp.Diff([]string{"user", "admin"}, methods[1].Entities); diff != "" {
		t.Fatalf("sum entities (-want +got):\n%s", diff)
	}
	if name, ok := env.Engine.MethodName(env.Sum); !ok || name != "math.sum" {
		t.Fatalf("reverse lookup: %s %v", name, ok)
	}
}

func TestNoTracerTakesNoTimestamps(t *testing.T) {
	env := newTestEnv(t)
	var calls int
	now := func() time.Time {
		calls++
		return time.Unix(0, 0)
	}
	x := env.Engine.CreateExecutor(env.actor(t, "user", nil, nil), engine.ExecutorOptions{Now: now})
	got, err := x.Run(env.Ctx, "math.multiply", map[string]any{"a": 2, "b": 5})
	if err != nil {
		t.Fatalf("run multiply: %v", err)
	}
	if got != float64(10) {
		t.Fatalf("expected 10, got %v", got)
	}
	if calls != 0 {
		t.Fatalf("expected no clock reads without a tracer, got %d", calls)
	}
	if _, err := x.Run(env.Ctx, "unknown.method", nil); engine.KindOf(err) != engine.UnknownMethod {
		t.Fatalf("expected unknown method, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("gate failure read the clock %d times", calls)
	}
}

func TestMethodInvokeLeavesContextUntouched(t *testing.T) {
	env := newTestEnv(t)
	shared := &engine.Context{Actor: env.actor(t, "user", nil, nil)}
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Sum.Invoke(env.Ctx, map[string]any{"a": 1, "b": 2}, shared)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("invoke %d: %v", i, err)
		}
	}
	if shared.Trace != nil || shared.Metrics != nil {
		t.Fatalf("Invoke filled the caller's context: %+v", shared)
	}
}
