// CLAUDE:SUMMARY Strategy router: per-domain strategy resolution, signal gating, per-tab serialized resolves, debounced navigation and plan/error caching.
// Package router turns page payloads into plans.
//
// A Router resolves which strategy runs for a URL (first matching
// per-domain override, else the global id, else the default), gates costly
// strategies behind the signal classifier, and owns the per-tab lifecycle:
//
//	Idle → Processing → {PlanReady | ErrorReady} → Idle (on navigation)
//
// Resolves for one tab are serialized. Concurrent resolves of the same
// (tab, url) share one strategy call. A navigation bumps the tab's
// generation; results computed under an older generation are handed back
// with ErrStale and never cached.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hazyhaar/pdpatch/observability"
	"github.com/hazyhaar/pdpatch/plan"
	"github.com/hazyhaar/pdpatch/settings"
	"github.com/hazyhaar/pdpatch/signals"
	"github.com/hazyhaar/pdpatch/strategy"
	"github.com/hazyhaar/pdpatch/tabcache"
)

// ErrStale is returned alongside a result that was computed for a tab that
// navigated away in the meantime.
var ErrStale = errors.New("router: result superseded by navigation")

// ErrNoHandler is returned when neither the resolved nor the default
// strategy has a handler.
var ErrNoHandler = errors.New("router: no strategy handler")

// State is the per-tab lifecycle phase.
type State int

const (
	Idle State = iota
	Processing
	PlanReady
	ErrorReady
)

func (s State) String() string {
	switch s {
	case Processing:
		return "processing"
	case PlanReady:
		return "plan_ready"
	case ErrorReady:
		return "error_ready"
	default:
		return "idle"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// SettingsSource provides the strategy configuration.
type SettingsSource interface {
	Strategy(ctx context.Context) (settings.Strategy, error)
}

// Handlers holds one resolver per strategy variant. A nil handler falls back
// to the default strategy's handler.
type Handlers struct {
	Heuristics     strategy.Strategy
	Generator      strategy.Strategy
	StructuredData strategy.Strategy
	Vision         strategy.Strategy
}

func (h Handlers) get(id strategy.ID) strategy.Strategy {
	switch id {
	case strategy.Heuristics:
		return h.Heuristics
	case strategy.Generator:
		return h.Generator
	case strategy.StructuredData:
		return h.StructuredData
	case strategy.Vision:
		return h.Vision
	}
	return nil
}

// Config configures a Router.
type Config struct {
	Settings SettingsSource
	Handlers Handlers

	// Threshold is the signal score at or below which costly strategies
	// are skipped unless the evidence is strong. Default: signals.DefaultThreshold.
	Threshold int
	// NavigateDebounce coalesces navigation events per tab. Default: 250ms.
	NavigateDebounce time.Duration
	// OnNavigate runs after a debounced navigation has reset the tab.
	OnNavigate func(tabID, url string)
	// ResolveTimeout bounds one shared strategy call. Zero means no bound
	// beyond what the strategy enforces itself.
	ResolveTimeout time.Duration

	Cache   *tabcache.Cache
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

func (c *Config) defaults() {
	if c.Threshold == 0 {
		c.Threshold = signals.DefaultThreshold
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type tabState struct {
	run sync.Mutex // held for the duration of one resolve

	state   State
	url     string
	gen     uint64
	plan    *plan.Plan
	planURL string
	summary *plan.Summary
	err     string
}

// Router dispatches payloads to strategies and tracks per-tab state.
type Router struct {
	cfg      Config
	group    singleflight.Group
	navigate *debouncer

	mu   sync.Mutex
	tabs map[string]*tabState
}

// New creates a Router.
func New(cfg Config) *Router {
	cfg.defaults()
	r := &Router{cfg: cfg, tabs: make(map[string]*tabState)}
	r.navigate = newDebouncer(debounceConfig{Window: cfg.NavigateDebounce}, r.onNavigate)
	return r
}

// Close cancels pending navigations and waits for running ones.
func (r *Router) Close() {
	r.navigate.close()
}

func (r *Router) tab(tabID string) *tabState {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tabs[tabID]
	if !ok {
		t = &tabState{}
		r.tabs[tabID] = t
	}
	return t
}

// StrategyFor returns the strategy configured for rawURL: the first
// per-domain override whose pattern matches the hostname, else the global
// id. Unknown ids and settings failures yield strategy.Default.
func (r *Router) StrategyFor(ctx context.Context, rawURL string) strategy.ID {
	if r.cfg.Settings == nil {
		return strategy.Default
	}
	st, err := r.cfg.Settings.Strategy(ctx)
	if err != nil {
		r.cfg.Logger.Warn("router: settings unavailable, using default strategy", "error", err)
		return strategy.Default
	}

	configured := st.Global
	if u, err := url.Parse(rawURL); err == nil {
		host := strings.ToLower(u.Hostname())
		for _, o := range st.PerDomain {
			if settings.MatchHost(o.Pattern, host) {
				configured = o.StrategyID
				break
			}
		}
	}
	id, ok := strategy.ParseID(configured)
	if !ok {
		r.cfg.Logger.Debug("router: unknown strategy id, using default", "id", configured)
		return strategy.Default
	}
	return id
}

// Resolve runs the configured strategy for payload on behalf of tabID and
// records the outcome for the tab. Strategy failures are returned and kept
// as the tab's error. When the tab navigated during the call, the result is
// returned with ErrStale and not recorded.
//
// The strategy call is shared by every caller resolving the same (tab, url)
// and does not observe any caller's cancellation: a caller whose ctx ends
// stops waiting and gets ctx.Err(), the others still get the result.
func (r *Router) Resolve(ctx context.Context, tabID string, p *plan.Payload) (*plan.Plan, error) {
	if p == nil {
		return nil, errors.New("router: nil payload")
	}
	key := tabID + "\x00" + p.URL
	ch := r.group.DoChan(key, func() (any, error) {
		work := context.WithoutCancel(ctx)
		if r.cfg.ResolveTimeout > 0 {
			var cancel context.CancelFunc
			work, cancel = context.WithTimeout(work, r.cfg.ResolveTimeout)
			defer cancel()
		}
		return r.resolve(work, tabID, p)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		out, _ := res.Val.(*plan.Plan)
		if out != nil {
			// Callers sharing a flight must not alias one plan.
			out = out.Clone()
		}
		return out, res.Err
	}
}

func (r *Router) resolve(ctx context.Context, tabID string, p *plan.Payload) (*plan.Plan, error) {
	t := r.tab(tabID)
	t.run.Lock()
	defer t.run.Unlock()

	r.mu.Lock()
	gen := t.gen
	t.state = Processing
	if t.url == "" {
		t.url = p.URL
	}
	r.mu.Unlock()

	id := r.StrategyFor(ctx, p.URL)
	start := time.Now()
	out, used, err := r.dispatch(ctx, id, p, tabID)
	elapsed := time.Since(start)

	r.mu.Lock()
	defer r.mu.Unlock()
	stale := t.gen != gen

	if err != nil {
		r.cfg.Metrics.ResolveObserved(used.String(), "error", elapsed)
		if stale {
			return nil, fmt.Errorf("%w: %w", ErrStale, err)
		}
		if errors.Is(err, context.Canceled) {
			// Not a strategy verdict; leave the tab as it was.
			t.state = Idle
			if t.plan != nil {
				t.state = PlanReady
			} else if t.err != "" {
				t.state = ErrorReady
			}
			return nil, err
		}
		r.cfg.Logger.Warn("router: strategy failed", "tab", tabID, "strategy", used, "url", p.URL, "error", err)
		t.err = err.Error()
		t.state = ErrorReady
		// A failure keeps the last good plan only for the same page.
		if t.planURL != p.URL {
			t.plan, t.planURL, t.summary = nil, "", nil
			r.cacheClear(tabcache.NSPlan, tabID)
		}
		r.cacheSet(tabcache.NSError, tabID, t.err)
		return nil, err
	}

	if len(out.Patch) == 0 {
		out.IsPDP = false
	}
	out.Meta.ProcessMS = elapsed.Milliseconds()
	out.Meta.StrategyID = used.String()
	if out.Meta.URL == "" {
		out.Meta.URL = p.URL
	}

	outcome := "not_pdp"
	switch {
	case out.Meta.Gated:
		outcome = "gated"
	case out.IsPDP:
		outcome = "pdp"
	}
	r.cfg.Metrics.ResolveObserved(used.String(), outcome, elapsed)
	if out.Meta.Score != nil {
		r.cfg.Metrics.Score(*out.Meta.Score)
	}

	if stale {
		return out, ErrStale
	}
	r.cfg.Logger.Debug("router: plan ready", "tab", tabID, "strategy", used, "pdp", out.IsPDP, "steps", len(out.Patch), "ms", out.Meta.ProcessMS)
	t.plan, t.planURL, t.err = out, p.URL, ""
	t.state = PlanReady
	r.cacheSet(tabcache.NSPlan, tabID, out)
	r.cacheClear(tabcache.NSError, tabID)
	return out, nil
}

// dispatch runs the handler for id, falling back to the default strategy
// when id has none. It returns the strategy that actually ran. A panicking
// strategy is reported as an error.
func (r *Router) dispatch(ctx context.Context, id strategy.ID, p *plan.Payload, tabID string) (out *plan.Plan, used strategy.ID, err error) {
	used = id
	defer func() {
		if v := recover(); v != nil {
			r.cfg.Logger.Error("router: strategy panic", "tab", tabID, "strategy", used, "panic", v, "stack", string(debug.Stack()))
			out, err = nil, fmt.Errorf("router: strategy %s panicked: %v", used, v)
		}
	}()

	h := r.cfg.Handlers.get(id)
	if h == nil {
		id = strategy.Default
		used = id
		h = r.cfg.Handlers.get(id)
	}
	if h == nil {
		return nil, id, ErrNoHandler
	}

	if id.Costly() {
		res := signals.EvaluatePayload(p)
		if !res.Gate(r.cfg.Threshold) {
			gated := plan.New(id.String(), p.URL)
			gated.Meta.Gated = true
			score := res.Score
			gated.Meta.Score = &score
			return gated, id, nil
		}
	}

	out, err = h.Resolve(ctx, p, strategy.Context{StrategyID: id, TabID: tabID})
	if err != nil {
		return nil, id, err
	}
	if out == nil {
		return nil, id, fmt.Errorf("router: strategy %s returned no plan", id)
	}
	return out, id, nil
}

// Navigate records a URL change for tabID. Events are coalesced per tab and
// only the last URL within the debounce window resets the tab.
func (r *Router) Navigate(tabID, url string) {
	r.navigate.add(tabID, url)
}

func (r *Router) onNavigate(tabID, url string) {
	// Runs on a timer goroutine, where a panic would end the process.
	defer func() {
		if v := recover(); v != nil {
			r.cfg.Logger.Error("router: navigation hook panic", "tab", tabID, "url", url, "panic", v, "stack", string(debug.Stack()))
		}
	}()
	r.Reset(tabID, url)
	if r.cfg.OnNavigate != nil {
		r.cfg.OnNavigate(tabID, url)
	}
}

// Reset immediately clears the tab's plan, summary and error, moves it to
// Idle on url and invalidates in-flight resolves.
func (r *Router) Reset(tabID, url string) {
	t := r.tab(tabID)
	r.mu.Lock()
	t.gen++
	t.state = Idle
	t.url = url
	t.plan, t.planURL, t.summary, t.err = nil, "", nil, ""
	r.mu.Unlock()
	if r.cfg.Cache != nil {
		r.cfg.Cache.ClearTab(tabID)
	}
	r.cfg.Logger.Debug("router: tab reset", "tab", tabID, "url", url)
}

// Forget drops every trace of tabID, including pending navigations.
func (r *Router) Forget(tabID string) {
	r.navigate.cancel(tabID)
	r.mu.Lock()
	if t, ok := r.tabs[tabID]; ok {
		t.gen++
		delete(r.tabs, tabID)
	}
	r.mu.Unlock()
	if r.cfg.Cache != nil {
		r.cfg.Cache.ClearTab(tabID)
	}
}

// State returns the tab's lifecycle phase.
func (r *Router) State(tabID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tabs[tabID]; ok {
		return t.state
	}
	return Idle
}

// URL returns the tab's current URL.
func (r *Router) URL(tabID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tabs[tabID]; ok {
		return t.url
	}
	return ""
}

// Plan returns a copy of the tab's plan. A tab unknown to this process is
// looked up in the durable cache.
func (r *Router) Plan(ctx context.Context, tabID string) (*plan.Plan, bool) {
	r.mu.Lock()
	t, known := r.tabs[tabID]
	var p *plan.Plan
	if known && t.plan != nil {
		p = t.plan.Clone()
	}
	r.mu.Unlock()
	if p != nil || known {
		return p, p != nil
	}
	return cached[*plan.Plan](ctx, r, tabcache.NSPlan, tabID)
}

// Summary returns the tab's last apply summary.
func (r *Router) Summary(ctx context.Context, tabID string) (*plan.Summary, bool) {
	r.mu.Lock()
	t, known := r.tabs[tabID]
	var s *plan.Summary
	if known {
		s = t.summary
	}
	r.mu.Unlock()
	if s != nil || known {
		return s, s != nil
	}
	return cached[*plan.Summary](ctx, r, tabcache.NSSummary, tabID)
}

// Generation returns the tab's navigation counter. It changes on every
// Reset, so a caller can detect that the page it planned for is gone.
func (r *Router) Generation(tabID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tabs[tabID]; ok {
		return t.gen
	}
	return 0
}

// SetSummaryAt records s only if the tab is still at generation gen, and
// returns ErrStale otherwise.
func (r *Router) SetSummaryAt(tabID string, gen uint64, s *plan.Summary) error {
	t := r.tab(tabID)
	r.mu.Lock()
	if t.gen != gen {
		r.mu.Unlock()
		return ErrStale
	}
	t.summary = s
	r.mu.Unlock()
	if s == nil {
		r.cacheClear(tabcache.NSSummary, tabID)
		return nil
	}
	r.cacheSet(tabcache.NSSummary, tabID, s)
	return nil
}

// SetSummary records the summary of applying the tab's plan.
func (r *Router) SetSummary(tabID string, s *plan.Summary) {
	t := r.tab(tabID)
	r.mu.Lock()
	t.summary = s
	r.mu.Unlock()
	if s == nil {
		r.cacheClear(tabcache.NSSummary, tabID)
		return
	}
	r.cacheSet(tabcache.NSSummary, tabID, s)
}

// Error returns the tab's last strategy error, if any.
func (r *Router) Error(ctx context.Context, tabID string) (string, bool) {
	r.mu.Lock()
	t, known := r.tabs[tabID]
	var msg string
	if known {
		msg = t.err
	}
	r.mu.Unlock()
	if msg != "" || known {
		return msg, msg != ""
	}
	return cached[string](ctx, r, tabcache.NSError, tabID)
}

func cached[T any](ctx context.Context, r *Router, ns, tabID string) (T, bool) {
	var zero T
	if r.cfg.Cache == nil {
		return zero, false
	}
	v, ok, err := tabcache.GetJSON[T](ctx, r.cfg.Cache, ns, tabID)
	if err != nil {
		r.cfg.Logger.Warn("router: cache read failed", "ns", ns, "tab", tabID, "error", err)
		return zero, false
	}
	return v, ok
}

func (r *Router) cacheSet(ns, tabID string, v any) {
	if r.cfg.Cache == nil {
		return
	}
	if err := tabcache.SetJSON(r.cfg.Cache, ns, tabID, v); err != nil {
		r.cfg.Logger.Warn("router: cache write failed", "ns", ns, "tab", tabID, "error", err)
	}
}

func (r *Router) cacheClear(ns, tabID string) {
	if r.cfg.Cache != nil {
		r.cfg.Cache.Clear(ns, tabID)
	}
}
