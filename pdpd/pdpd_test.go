package pdpd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/pdpatch/backend"
	"github.com/hazyhaar/pdpatch/dbopen"
	"github.com/hazyhaar/pdpatch/observability"
	"github.com/hazyhaar/pdpatch/patch"
	"github.com/hazyhaar/pdpatch/plan"
	"github.com/hazyhaar/pdpatch/router"
	"github.com/hazyhaar/pdpatch/settings"
)

const productURL = "https://shop.example.com/p/trail-runner-2"

const productPage = `<html lang="en"><head>
<script type="application/ld+json">{"@context":"https://schema.org","@type":"Product",
 "name":"Red Running Shoes","description":"<p>Lightweight trail shoe with grippy outsole.</p>"}</script>
</head><body>
<div class="crumbs"><span>Home</span></div>
<h1 class="product-title">Trail Runner 2 Red Running Shoes</h1>
<div id="desc"><p>Lightweight trail shoe with grippy outsole.</p></div>
<footer><p>Unrelated Footer Text</p></footer>
</body></html>`

// copyBackend serves /api/generate with fixed copy.
func copyBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != backend.PathGenerate {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(backend.Copy{Title: "Red Trail Runner", Description: "<p>New copy</p>"})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newService(t *testing.T, cfg *Config) *Service {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = copyBackend(t).URL
	}
	cfg.Apply.RetryDelay = time.Millisecond
	svc, err := New(cfg, nil, WithDB(dbopen.OpenMemory(t)))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := svc.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return svc
}

func useStrategy(t *testing.T, svc *Service, id string) {
	t.Helper()
	if _, err := svc.PutSettings(context.Background(), Settings{Strategy: settings.Strategy{Global: id}}); err != nil {
		t.Fatal(err)
	}
}

func tabHTML(t *testing.T, svc *Service, tabID string) string {
	t.Helper()
	html, err := svc.docs.HTML(tabID)
	if err != nil {
		t.Fatal(err)
	}
	return html
}

func TestService_ResolveApplyRevertReapply(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, nil)
	useStrategy(t, svc, "structured_data")

	if err := svc.Open(ctx, "tab1", productURL, productPage); err != nil {
		t.Fatal(err)
	}
	p, err := svc.Resolve(ctx, "tab1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsPDP || len(p.Patch) != 2 {
		t.Fatalf("plan: pdp=%v patch=%v", p.IsPDP, p.Patch)
	}
	if p.Meta.StrategyID != "structured_data" || p.Meta.URL != productURL {
		t.Errorf("meta: %+v", p.Meta)
	}
	if got := svc.State("tab1"); got != router.PlanReady {
		t.Errorf("state: got %v, want %v", got, router.PlanReady)
	}

	out, err := svc.Apply(ctx, "tab1")
	if err != nil {
		t.Fatal(err)
	}
	if out.Summary.StepsApplied != 2 || len(out.Attempts) != 1 {
		t.Fatalf("apply: %+v attempts=%v", out.Summary, out.Attempts)
	}
	html := tabHTML(t, svc, "tab1")
	if !strings.Contains(html, "Red Trail Runner") || !strings.Contains(html, "<p>New copy</p>") {
		t.Errorf("applied document: %s", html)
	}

	if _, err := svc.Revert(ctx, "tab1"); err != nil {
		t.Fatal(err)
	}
	html = tabHTML(t, svc, "tab1")
	if strings.Contains(html, "data-pdp") || !strings.Contains(html, "Lightweight trail shoe with grippy outsole.") {
		t.Errorf("reverted document: %s", html)
	}

	sum, err := svc.Reapply(ctx, "tab1")
	if err != nil {
		t.Fatal(err)
	}
	if sum.StepsApplied != 2 {
		t.Errorf("reapply applied: got %d, want 2", sum.StepsApplied)
	}
	html = tabHTML(t, svc, "tab1")
	if got := strings.Count(html, `data-pdp="1"`); got != 2 {
		t.Errorf("wrappers after reapply: got %d, want 2\n%s", got, html)
	}

	events, err := svc.Events(ctx, "tab1", 10)
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := []string{
		observability.EventPatchReapply,
		observability.EventPatchReverted,
		observability.EventPatchApplied,
		observability.EventPlanResolved,
		observability.EventTabNavigated,
	}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("events: got %v, want %v", types, want)
	}
}

func TestService_ApplyWithoutPlan(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, nil)

	if _, err := svc.Apply(ctx, "nope"); !errors.Is(err, ErrNoPlan) {
		t.Errorf("apply: got %v, want ErrNoPlan", err)
	}
	if _, err := svc.Revert(ctx, "nope"); !errors.Is(err, ErrNoPlan) {
		t.Errorf("revert: got %v, want ErrNoPlan", err)
	}

	// The heuristics strategy never proposes copy, so its plan is not
	// applicable.
	if err := svc.Open(ctx, "tab1", productURL, productPage); err != nil {
		t.Fatal(err)
	}
	p, err := svc.Resolve(ctx, "tab1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.IsPDP {
		t.Errorf("heuristics plan should not be PDP without a patch")
	}
	if _, err := svc.Apply(ctx, "tab1"); !errors.Is(err, ErrNoPlan) {
		t.Errorf("apply: got %v, want ErrNoPlan", err)
	}
}

func TestService_RevertBeforeApply(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, nil)
	useStrategy(t, svc, "structured_data")
	if err := svc.Open(ctx, "tab1", productURL, productPage); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Resolve(ctx, "tab1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Revert(ctx, "tab1"); !errors.Is(err, ErrNothingApplied) {
		t.Errorf("revert: got %v, want ErrNothingApplied", err)
	}
}

func TestService_Allowlist(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, nil)

	if _, err := svc.PutSettings(ctx, Settings{Allowlist: []string{"*.other.com"}}); err != nil {
		t.Fatal(err)
	}
	if err := svc.Open(ctx, "tab1", productURL, productPage); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Resolve(ctx, "tab1", nil); !errors.Is(err, ErrNotAllowed) {
		t.Errorf("resolve: got %v, want ErrNotAllowed", err)
	}

	if _, err := svc.PutSettings(ctx, Settings{Allowlist: []string{"shop .com"}}); !errors.Is(err, settings.ErrInvalidPattern) {
		t.Errorf("bad pattern: got %v", err)
	}
	st, err := svc.Settings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Allowlist) != 1 || st.Allowlist[0] != "*.other.com" {
		t.Errorf("allowlist changed by a rejected update: %v", st.Allowlist)
	}
	if st.Strategy.Global != "heuristics" {
		t.Errorf("global: got %q", st.Strategy.Global)
	}
}

func TestService_NavigateRecomputesAndAutoApplies(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{}
	cfg.Router.Debounce = 50 * time.Millisecond
	cfg.Apply.AutoApply = true
	svc := newService(t, cfg)
	useStrategy(t, svc, "structured_data")

	if err := svc.Open(ctx, "tab1", "https://shop.example.com/", productPage); err != nil {
		t.Fatal(err)
	}
	svc.Navigate("tab1", "https://shop.example.com/p/other")
	svc.Navigate("tab1", productURL)

	deadline := time.Now().Add(3 * time.Second)
	for {
		_, applied := svc.Summary(ctx, "tab1")
		if p, ok := svc.Plan(ctx, "tab1"); applied && ok && p.Meta.URL == productURL {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no auto apply; state=%v", svc.State("tab1"))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !strings.Contains(tabHTML(t, svc, "tab1"), "Red Trail Runner") {
		t.Errorf("auto apply did not patch the document")
	}
}

func TestService_StrategyFailureIsRecorded(t *testing.T) {
	ctx := context.Background()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	cfg := &Config{}
	cfg.Backend.BaseURL = down.URL
	svc := newService(t, cfg)
	useStrategy(t, svc, "generator")

	if err := svc.Open(ctx, "tab1", productURL, productPage); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Resolve(ctx, "tab1", nil); err == nil {
		t.Fatal("expected generator failure")
	}
	msg, ok := svc.LastError(ctx, "tab1")
	if !ok || !strings.Contains(msg, "status 502") {
		t.Errorf("last error: %q %v", msg, ok)
	}
	if got := svc.State("tab1"); got != router.ErrorReady {
		t.Errorf("state: got %v", got)
	}
}

func TestService_InspectHTML(t *testing.T) {
	svc := newService(t, nil)
	useStrategy(t, svc, "structured_data")

	out, err := svc.InspectHTML(context.Background(), productURL, productPage)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Signals.StrongProduct || !out.Plan.IsPDP {
		t.Errorf("inspection: signals=%+v pdp=%v", out.Signals, out.Plan.IsPDP)
	}
	if !strings.Contains(out.Report, "PDP detected") || !strings.Contains(out.Report, "Red Trail Runner") {
		t.Errorf("report:\n%s", out.Report)
	}
	if _, err := svc.Inspect(context.Background(), productURL); !errors.Is(err, ErrNoBrowser) {
		t.Errorf("inspect without browser: got %v", err)
	}
}

func TestReport(t *testing.T) {
	p := plan.New("structured_data", productURL)
	p.IsPDP = true
	p.Meta.ProcessMS = 1250
	p.Meta.StrategyID = "structured_data"
	p.Fields[plan.FieldTitle] = plan.Field{Selector: "#t", Original: "Old title", Proposed: "New title"}
	p.Fields[plan.FieldDescription] = plan.Field{
		Selector: "#d",
		Original: `<p>Old body</p><script>alert(1)</script>`,
		Proposed: "<p>New body</p>",
		HTML:     true,
	}
	sum := &plan.Summary{Results: []plan.StepResult{
		{Index: 0, Selector: "#t", Op: plan.OpSetText, Status: plan.StatusApplied, Value: plan.Str("Applied title")},
		{Index: 1, Selector: "#extra", Op: plan.OpSetText, Status: plan.StatusApplied, Value: plan.Str("Bonus line")},
		{Index: 2, Selector: "#gone", Op: plan.OpSetText, Status: plan.StatusSkipped, Note: "selector not found"},
	}}

	md, err := Report(p, sum)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"## PDP detected · 1.25s",
		"### Title",
		"`#t`",
		"Old title",
		"Applied title",
		"New body",
		"### Shipping",
		"(no selector)",
		"Additional applied changes",
		"Bonus line",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("report missing %q:\n%s", want, md)
		}
	}
	for _, unwanted := range []string{"alert(1)", "#gone", "New title"} {
		if strings.Contains(md, unwanted) {
			t.Errorf("report contains %q:\n%s", unwanted, md)
		}
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pdpd.yaml")
	data := `
listen: ":9000"
router:
  threshold: 3
  default_strategy: structured_data
  debounce: 100ms
apply:
  auto_apply: true
backend:
  base_url: http://localhost:8000
browser:
  enabled: true
  headless: false
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.defaults()
	if cfg.Listen != ":9000" || cfg.DBPath != "pdpd.db" {
		t.Errorf("listen/db: %q %q", cfg.Listen, cfg.DBPath)
	}
	if cfg.Router.Threshold != 3 || cfg.Router.Debounce != 100*time.Millisecond || cfg.Router.DefaultStrategy != "structured_data" {
		t.Errorf("router: %+v", cfg.Router)
	}
	if !cfg.Apply.AutoApply || cfg.Apply.MaxAttempts != 3 {
		t.Errorf("apply: %+v", cfg.Apply)
	}
	if !cfg.Browser.Enabled || cfg.Browser.headless() {
		t.Errorf("browser: %+v", cfg.Browser)
	}
	if cfg.Backend.Timeout != 60*time.Second {
		t.Errorf("backend timeout: %v", cfg.Backend.Timeout)
	}
}

func TestDBConfig_Options(t *testing.T) {
	cfg := DBConfig{BusyTimeout: 2 * time.Second, Synchronous: "FULL"}
	db := dbopen.OpenMemory(t, cfg.options()...)

	var busy, sync int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busy); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRow("PRAGMA synchronous").Scan(&sync); err != nil {
		t.Fatal(err)
	}
	if busy != 2000 || sync != 2 {
		t.Errorf("pragmas: busy_timeout=%d synchronous=%d", busy, sync)
	}
	if _, err := db.Exec(`INSERT INTO event_log (event_id, event_type, tab_id, created_at) VALUES ('e', 'x', 't', 0)`); err != nil {
		t.Errorf("observability schema not applied: %v", err)
	}
}

// navigatingApplier applies the patch, then moves the tab to another page
// before the runner returns.
type navigatingApplier struct {
	svc  *Service
	next string
}

func (a *navigatingApplier) Apply(ctx context.Context, tabID string, world patch.World, steps []plan.Step) (*plan.Summary, error) {
	sum, err := a.svc.docs.Apply(ctx, tabID, world, steps)
	a.svc.router.Reset(tabID, a.next)
	return sum, err
}

func TestService_ApplyAcrossNavigationIsStale(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, nil)
	useStrategy(t, svc, "structured_data")

	if err := svc.Open(ctx, "tab1", productURL, productPage); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Resolve(ctx, "tab1", nil); err != nil {
		t.Fatal(err)
	}
	svc.runner = &patch.Runner{
		Applier: &navigatingApplier{svc: svc, next: "https://shop.example.com/p/other"},
		Delay:   time.Millisecond,
	}

	if _, err := svc.Apply(ctx, "tab1"); !errors.Is(err, router.ErrStale) {
		t.Fatalf("apply: got %v, want ErrStale", err)
	}
	if sum, ok := svc.router.Summary(ctx, "tab1"); ok && sum.HasApplied() {
		t.Errorf("summary recorded for the new page: %+v", sum)
	}
	if got := svc.router.URL("tab1"); got != "https://shop.example.com/p/other" {
		t.Errorf("url: got %q", got)
	}
}

func TestService_RevertAcrossNavigationIsStale(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, nil)
	useStrategy(t, svc, "structured_data")

	if err := svc.Open(ctx, "tab1", productURL, productPage); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Resolve(ctx, "tab1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Apply(ctx, "tab1"); err != nil {
		t.Fatal(err)
	}
	svc.runner = &patch.Runner{
		Applier: &navigatingApplier{svc: svc, next: "https://shop.example.com/p/other"},
		Delay:   time.Millisecond,
	}
	if _, err := svc.Revert(ctx, "tab1"); !errors.Is(err, router.ErrStale) {
		t.Fatalf("revert: got %v, want ErrStale", err)
	}
}
