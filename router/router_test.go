package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/hazyhaar/pdpatch/dbopen"
	"github.com/hazyhaar/pdpatch/plan"
	"github.com/hazyhaar/pdpatch/settings"
	"github.com/hazyhaar/pdpatch/strategy"
	"github.com/hazyhaar/pdpatch/tabcache"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type staticSettings struct {
	st  settings.Strategy
	err error
}

func (s staticSettings) Strategy(context.Context) (settings.Strategy, error) { return s.st, s.err }

// recorder returns a handler that records the strategy it ran as and
// returns a one-step PDP plan.
func recorder(ran *[]strategy.ID, mu *sync.Mutex) strategy.Func {
	return func(_ context.Context, p *plan.Payload, sc strategy.Context) (*plan.Plan, error) {
		mu.Lock()
		*ran = append(*ran, sc.StrategyID)
		mu.Unlock()
		out := plan.New(sc.StrategyID.String(), p.URL)
		out.IsPDP = true
		out.Patch = []plan.Step{{Selector: "#t", Op: plan.OpSetText, Value: "x"}}
		return out, nil
	}
}

func allHandlers(h strategy.Strategy) Handlers {
	return Handlers{Heuristics: h, Generator: h, StructuredData: h, Vision: h}
}

// strongPayload carries a single Product JSON-LD block, which passes the
// signal gate on any product-looking URL.
func strongPayload(url string) *plan.Payload {
	return &plan.Payload{URL: url, JSONLD: []any{map[string]any{"@type": "Product"}}}
}

func newRouter(t *testing.T, cfg Config) *Router {
	t.Helper()
	r := New(cfg)
	t.Cleanup(r.Close)
	return r
}

func TestStrategyFor(t *testing.T) {
	ctx := context.Background()
	st := settings.Strategy{
		Global: "generator",
		PerDomain: []settings.Override{
			{Pattern: "*.example.com", StrategyID: "structured_data"},
			{Pattern: "shop.example.com", StrategyID: "vision"},
			{Pattern: "legacy.test", StrategyID: "ocrStrategy"},
		},
	}
	r := newRouter(t, Config{Settings: staticSettings{st: st}})

	tests := []struct {
		url  string
		want strategy.ID
	}{
		{"https://sub.example.com/p", strategy.StructuredData},
		{"https://shop.example.com/p", strategy.StructuredData}, // first match wins
		{"https://other.test/p", strategy.Generator},
		{"https://LEGACY.test/p", strategy.Vision},
		{"::bad", strategy.Generator},
	}
	for _, tt := range tests {
		if got := r.StrategyFor(ctx, tt.url); got != tt.want {
			t.Errorf("StrategyFor(%q): got %v, want %v", tt.url, got, tt.want)
		}
	}

	r = newRouter(t, Config{Settings: staticSettings{st: settings.Strategy{Global: "s2"}}})
	if got := r.StrategyFor(ctx, "https://x.test/p"); got != strategy.Default {
		t.Errorf("unknown id: got %v, want default", got)
	}
	r = newRouter(t, Config{Settings: staticSettings{err: errors.New("db down")}})
	if got := r.StrategyFor(ctx, "https://x.test/p"); got != strategy.Default {
		t.Errorf("settings error: got %v, want default", got)
	}
}

func TestResolve_DomainDispatch(t *testing.T) {
	var (
		mu  sync.Mutex
		ran []strategy.ID
	)
	r := newRouter(t, Config{
		Settings: staticSettings{st: settings.Strategy{
			Global:    "generator",
			PerDomain: []settings.Override{{Pattern: "*.example.com", StrategyID: "structured_data"}},
		}},
		Handlers: allHandlers(recorder(&ran, &mu)),
	})
	ctx := context.Background()

	p, err := r.Resolve(ctx, "t1", strongPayload("https://sub.example.com/p"))
	if err != nil {
		t.Fatal(err)
	}
	if p.Meta.StrategyID != "structured_data" || !p.IsPDP {
		t.Errorf("plan meta: %+v pdp=%v", p.Meta, p.IsPDP)
	}
	if _, err := r.Resolve(ctx, "t2", strongPayload("https://other.test/p")); err != nil {
		t.Fatal(err)
	}
	if len(ran) != 2 || ran[0] != strategy.StructuredData || ran[1] != strategy.Generator {
		t.Errorf("dispatched: got %v", ran)
	}
}

func TestResolve_UnknownAndMissingHandlersFallBack(t *testing.T) {
	var (
		mu  sync.Mutex
		ran []strategy.ID
	)
	ctx := context.Background()

	r := newRouter(t, Config{
		Settings: staticSettings{st: settings.Strategy{Global: "s9"}},
		Handlers: Handlers{Heuristics: recorder(&ran, &mu)},
	})
	if _, err := r.Resolve(ctx, "t", strongPayload("https://x.test/p")); err != nil {
		t.Fatal(err)
	}

	// Registered id without a handler.
	r = newRouter(t, Config{
		Settings: staticSettings{st: settings.Strategy{Global: "vision"}},
		Handlers: Handlers{Heuristics: recorder(&ran, &mu)},
	})
	p, err := r.Resolve(ctx, "t", strongPayload("https://x.test/p"))
	if err != nil {
		t.Fatal(err)
	}
	if p.Meta.StrategyID != "heuristics" {
		t.Errorf("strategy id: got %q, want heuristics", p.Meta.StrategyID)
	}
	if len(ran) != 2 || ran[0] != strategy.Heuristics || ran[1] != strategy.Heuristics {
		t.Errorf("dispatched: got %v", ran)
	}

	r = newRouter(t, Config{})
	if _, err := r.Resolve(ctx, "t", strongPayload("https://x.test/p")); !errors.Is(err, ErrNoHandler) {
		t.Errorf("no handlers: got %v, want ErrNoHandler", err)
	}
	if r.State("t") != ErrorReady {
		t.Errorf("state: got %v, want error_ready", r.State("t"))
	}
}

func TestResolve_GatesCostlyStrategies(t *testing.T) {
	var calls atomic.Int32
	gen := strategy.Func(func(_ context.Context, p *plan.Payload, _ strategy.Context) (*plan.Plan, error) {
		calls.Add(1)
		return plan.New("generator", p.URL), nil
	})
	r := newRouter(t, Config{
		Settings: staticSettings{st: settings.Strategy{Global: "generator"}},
		Handlers: Handlers{Generator: gen},
	})

	p, err := r.Resolve(context.Background(), "t", &plan.Payload{URL: "https://x.test/p"})
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 0 {
		t.Error("gated strategy was called")
	}
	if !p.Meta.Gated || p.IsPDP || p.Meta.Score == nil {
		t.Errorf("gated plan: %+v", p.Meta)
	}

	if _, err := r.Resolve(context.Background(), "t", strongPayload("https://x.test/p")); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Errorf("strong evidence: calls = %d, want 1", calls.Load())
	}
}

func TestResolve_EmptyPatchIsNotPDP(t *testing.T) {
	h := strategy.Func(func(_ context.Context, p *plan.Payload, _ strategy.Context) (*plan.Plan, error) {
		out := plan.New("heuristics", p.URL)
		out.IsPDP = true
		return out, nil
	})
	r := newRouter(t, Config{Handlers: Handlers{Heuristics: h}})
	p, err := r.Resolve(context.Background(), "t", &plan.Payload{URL: "https://x.test/p"})
	if err != nil {
		t.Fatal(err)
	}
	if p.IsPDP {
		t.Error("empty patch must force is_pdp=false")
	}
	if p.Meta.StrategyID != "heuristics" || p.Meta.ProcessMS < 0 {
		t.Errorf("meta: %+v", p.Meta)
	}
	if r.State("t") != PlanReady {
		t.Errorf("state: got %v, want plan_ready", r.State("t"))
	}
}

func TestResolve_FailureKeepsPlanForSameURL(t *testing.T) {
	var (
		mu   sync.Mutex
		ran  []strategy.ID
		fail atomic.Bool
	)
	ok := recorder(&ran, &mu)
	h := strategy.Func(func(ctx context.Context, p *plan.Payload, sc strategy.Context) (*plan.Plan, error) {
		if fail.Load() {
			return nil, errors.New("backend down")
		}
		return ok(ctx, p, sc)
	})
	r := newRouter(t, Config{Handlers: Handlers{Heuristics: h}})
	ctx := context.Background()
	payload := &plan.Payload{URL: "https://x.test/p"}

	if _, err := r.Resolve(ctx, "t", payload); err != nil {
		t.Fatal(err)
	}
	fail.Store(true)
	if _, err := r.Resolve(ctx, "t", payload); err == nil {
		t.Fatal("expected failure")
	}
	if _, ok := r.Plan(ctx, "t"); !ok {
		t.Error("previous plan for the same URL should survive a failed recompute")
	}
	if msg, ok := r.Error(ctx, "t"); !ok || msg != "backend down" {
		t.Errorf("error: got %q %v", msg, ok)
	}
	if r.State("t") != ErrorReady {
		t.Errorf("state: got %v", r.State("t"))
	}

	if _, err := r.Resolve(ctx, "t", &plan.Payload{URL: "https://x.test/other"}); err == nil {
		t.Fatal("expected failure")
	}
	if _, ok := r.Plan(ctx, "t"); ok {
		t.Error("plan of another URL must not survive")
	}

	fail.Store(false)
	if _, err := r.Resolve(ctx, "t", payload); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Error(ctx, "t"); ok {
		t.Error("success must clear the error")
	}
}

func TestNavigate_DebouncesAndResets(t *testing.T) {
	fired := make(chan string, 4)
	var mu sync.Mutex
	var ran []strategy.ID
	r := newRouter(t, Config{
		Handlers:         Handlers{Heuristics: recorder(&ran, &mu)},
		NavigateDebounce: 20 * time.Millisecond,
		OnNavigate:       func(_, url string) { fired <- url },
	})
	ctx := context.Background()
	if _, err := r.Resolve(ctx, "t", &plan.Payload{URL: "https://x.test/a"}); err != nil {
		t.Fatal(err)
	}

	r.Navigate("t", "https://x.test/b")
	r.Navigate("t", "https://x.test/c")
	r.Navigate("t", "https://x.test/d")

	select {
	case got := <-fired:
		if got != "https://x.test/d" {
			t.Errorf("fired: got %q, want last URL", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("navigation never fired")
	}
	select {
	case got := <-fired:
		t.Errorf("extra navigation fired: %q", got)
	case <-time.After(100 * time.Millisecond):
	}

	if r.State("t") != Idle || r.URL("t") != "https://x.test/d" {
		t.Errorf("after navigation: state=%v url=%q", r.State("t"), r.URL("t"))
	}
	if _, ok := r.Plan(ctx, "t"); ok {
		t.Error("navigation must clear the plan")
	}
}

func TestResolve_StaleAfterNavigation(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := strategy.Func(func(_ context.Context, p *plan.Payload, _ strategy.Context) (*plan.Plan, error) {
		close(entered)
		<-release
		out := plan.New("heuristics", p.URL)
		out.Patch = []plan.Step{{Selector: "#t", Op: plan.OpSetText, Value: "x"}}
		return out, nil
	})
	r := newRouter(t, Config{Handlers: Handlers{Heuristics: h}})

	type result struct {
		p   *plan.Plan
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := r.Resolve(context.Background(), "t", &plan.Payload{URL: "https://x.test/a"})
		done <- result{p, err}
	}()
	<-entered
	r.Reset("t", "https://x.test/b")
	close(release)

	res := <-done
	if !errors.Is(res.err, ErrStale) || res.p == nil {
		t.Fatalf("got %v %v, want plan with ErrStale", res.p, res.err)
	}
	if _, ok := r.Plan(context.Background(), "t"); ok {
		t.Error("stale plan must not be recorded")
	}
	if r.State("t") != Idle {
		t.Errorf("state: got %v, want idle", r.State("t"))
	}
}

func TestResolve_SerializesPerTab(t *testing.T) {
	var inFlight, peak atomic.Int32
	h := strategy.Func(func(_ context.Context, p *plan.Payload, _ strategy.Context) (*plan.Plan, error) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return plan.New("heuristics", p.URL), nil
	})
	r := newRouter(t, Config{Handlers: Handlers{Heuristics: h}})

	var wg sync.WaitGroup
	for _, u := range []string{"/a", "/b", "/c", "/d", "/e"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Resolve(context.Background(), "t", &plan.Payload{URL: "https://x.test" + u}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if peak.Load() != 1 {
		t.Errorf("concurrent resolves on one tab: %d", peak.Load())
	}
}

func TestResolve_CoalescesSameURL(t *testing.T) {
	var calls atomic.Int32
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h := strategy.Func(func(_ context.Context, p *plan.Payload, _ strategy.Context) (*plan.Plan, error) {
		calls.Add(1)
		entered <- struct{}{}
		<-release
		out := plan.New("heuristics", p.URL)
		out.Patch = []plan.Step{{Selector: "#t", Op: plan.OpSetText, Value: "x"}}
		return out, nil
	})
	r := newRouter(t, Config{Handlers: Handlers{Heuristics: h}})
	payload := &plan.Payload{URL: "https://x.test/p"}

	results := make(chan *plan.Plan, 2)
	resolve := func() {
		p, err := r.Resolve(context.Background(), "t", payload)
		if err != nil {
			t.Error(err)
		}
		results <- p
	}
	go resolve()
	<-entered
	go resolve()
	time.Sleep(50 * time.Millisecond)
	close(release)

	a, b := <-results, <-results
	if calls.Load() != 1 {
		t.Errorf("strategy calls: got %d, want 1", calls.Load())
	}
	if a == b {
		t.Error("shared results must not alias")
	}
}

func TestPlan_FallsBackToCache(t *testing.T) {
	cache, err := tabcache.New(dbopen.OpenMemory(t), tabcache.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()
	var mu sync.Mutex
	var ran []strategy.ID
	ctx := context.Background()

	r1 := New(Config{Handlers: Handlers{Heuristics: recorder(&ran, &mu)}, Cache: cache})
	if _, err := r1.Resolve(ctx, "t", &plan.Payload{URL: "https://x.test/p"}); err != nil {
		t.Fatal(err)
	}
	r1.SetSummary("t", &plan.Summary{StepsTotal: 1, StepsApplied: 1})
	r1.Close()

	r2 := newRouter(t, Config{Cache: cache})
	p, ok := r2.Plan(ctx, "t")
	if !ok || p.Meta.URL != "https://x.test/p" {
		t.Fatalf("cached plan: %+v %v", p, ok)
	}
	if s, ok := r2.Summary(ctx, "t"); !ok || s.StepsApplied != 1 {
		t.Errorf("cached summary: %+v %v", s, ok)
	}

	r2.Forget("t")
	if _, ok := r2.Plan(ctx, "t"); ok {
		t.Error("forgotten tab still cached")
	}
}

func TestResolve_PanicBecomesTabError(t *testing.T) {
	h := strategy.Func(func(context.Context, *plan.Payload, strategy.Context) (*plan.Plan, error) {
		panic("nil selector table")
	})
	r := newRouter(t, Config{Handlers: Handlers{Heuristics: h}})
	ctx := context.Background()

	_, err := r.Resolve(ctx, "t", &plan.Payload{URL: "https://x.test/p"})
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("got %v, want panic error", err)
	}
	if r.State("t") != ErrorReady {
		t.Errorf("state: got %v, want error_ready", r.State("t"))
	}
	if msg, ok := r.Error(ctx, "t"); !ok || !strings.Contains(msg, "nil selector table") {
		t.Errorf("tab error: %q %v", msg, ok)
	}
}

func TestNavigate_HookPanicIsContained(t *testing.T) {
	called := make(chan struct{})
	r := newRouter(t, Config{
		NavigateDebounce: 5 * time.Millisecond,
		OnNavigate: func(string, string) {
			close(called)
			panic("hook failed")
		},
	})
	r.Navigate("t", "https://x.test/next")
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("navigation hook never ran")
	}
	// The timer goroutine survived the panic and the tab was reset.
	r.Close()
	if r.URL("t") != "https://x.test/next" {
		t.Errorf("url: got %q", r.URL("t"))
	}
}

func TestResolve_CallerCancelDoesNotAffectOthers(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h := strategy.Func(func(ctx context.Context, p *plan.Payload, _ strategy.Context) (*plan.Plan, error) {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		out := plan.New("heuristics", p.URL)
		out.Patch = []plan.Step{{Selector: "#t", Op: plan.OpSetText, Value: "x"}}
		return out, nil
	})
	r := newRouter(t, Config{Handlers: Handlers{Heuristics: h}})
	payload := &plan.Payload{URL: "https://x.test/p"}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Resolve(first, "t", payload)
		firstErr <- err
	}()
	<-entered

	type result struct {
		p   *plan.Plan
		err error
	}
	second := make(chan result, 1)
	go func() {
		p, err := r.Resolve(context.Background(), "t", payload)
		second <- result{p, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller: got %v", err)
	}
	close(release)

	res := <-second
	if res.err != nil || res.p == nil {
		t.Fatalf("live caller: got %v %v", res.p, res.err)
	}
	if r.State("t") != PlanReady {
		t.Errorf("state: got %v, want plan_ready", r.State("t"))
	}
	if msg, ok := r.Error(context.Background(), "t"); ok {
		t.Errorf("cancellation recorded as tab error: %q", msg)
	}
}

func TestDebouncer_LateTimerDoesNotStealRearmedWindow(t *testing.T) {
	var mu sync.Mutex
	var flushed []string
	d := newDebouncer(debounceConfig{Window: time.Hour}, func(_, v string) {
		mu.Lock()
		flushed = append(flushed, v)
		mu.Unlock()
	})
	defer d.close()

	d.add("t", "a")
	d.mu.Lock()
	old := d.windows["t"].seq
	d.mu.Unlock()
	d.add("t", "b")

	// The first timer fires after the window was re-armed.
	d.wg.Add(1)
	d.fire("t", old)

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 0 {
		t.Errorf("flushed early: %v", flushed)
	}
	if d.pending() != 1 {
		t.Errorf("pending windows: got %d, want 1", d.pending())
	}
}

func TestSetSummaryAt_RejectsOtherGeneration(t *testing.T) {
	ctx := context.Background()
	r := newRouter(t, Config{Settings: staticSettings{}})

	r.Reset("t", "https://a.test/p")
	gen := r.Generation("t")
	r.Reset("t", "https://a.test/q")

	if err := r.SetSummaryAt("t", gen, &plan.Summary{StepsApplied: 1}); !errors.Is(err, ErrStale) {
		t.Fatalf("got %v, want ErrStale", err)
	}
	if _, ok := r.Summary(ctx, "t"); ok {
		t.Error("stale summary was recorded")
	}

	if err := r.SetSummaryAt("t", r.Generation("t"), &plan.Summary{StepsApplied: 1}); err != nil {
		t.Fatal(err)
	}
	if sum, ok := r.Summary(ctx, "t"); !ok || sum.StepsApplied != 1 {
		t.Errorf("summary: %+v %v", sum, ok)
	}
	if g := r.Generation("unknown"); g != 0 {
		t.Errorf("unknown tab generation: %d", g)
	}
}
