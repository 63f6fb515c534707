// CLAUDE:SUMMARY PDP service orchestrator: wires router, strategies, executor, patch runner, tab cache, settings, metrics and events; exposes resolve/apply/revert/reapply/report/inspect.
// Package pdpd is the PDP patch service. It owns one SQLite database,
// one executor (in-memory documents or a live Chrome) and the router that
// turns pages into plans, and exposes them over HTTP and MCP.
package pdpd

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hazyhaar/pdpatch/backend"
	"github.com/hazyhaar/pdpatch/dbopen"
	"github.com/hazyhaar/pdpatch/extract"
	"github.com/hazyhaar/pdpatch/idgen"
	"github.com/hazyhaar/pdpatch/observability"
	"github.com/hazyhaar/pdpatch/page"
	"github.com/hazyhaar/pdpatch/patch"
	"github.com/hazyhaar/pdpatch/plan"
	"github.com/hazyhaar/pdpatch/router"
	"github.com/hazyhaar/pdpatch/settings"
	"github.com/hazyhaar/pdpatch/shield"
	"github.com/hazyhaar/pdpatch/signals"
	"github.com/hazyhaar/pdpatch/strategy"
	"github.com/hazyhaar/pdpatch/tabcache"
)

var (
	// ErrNotAllowed is returned when the page's host is not allowlisted.
	ErrNotAllowed = errors.New("pdpd: host not allowlisted")
	// ErrNoPlan is returned when a tab has no PDP plan to act on.
	ErrNoPlan = errors.New("pdpd: no PDP plan for tab")
	// ErrNothingApplied is returned by revert and reapply before any step
	// of the current plan was applied.
	ErrNothingApplied = errors.New("pdpd: nothing applied on tab")
	// ErrNoBrowser is returned by operations that need a live browser.
	ErrNoBrowser = errors.New("pdpd: browser not enabled")
	// ErrNoDocument is returned when a document is loaded into a service
	// that drives a live browser, or when neither html nor a browser is
	// available to open a tab.
	ErrNoDocument = errors.New("pdpd: no document source")
)

// Settings is the user-editable configuration: strategy selection and the
// host allowlist.
type Settings struct {
	Strategy  settings.Strategy `json:"strategy"`
	Allowlist []string          `json:"allowlist"`
}

// Inspection is the result of a one-shot page inspection.
type Inspection struct {
	Signals signals.Result `json:"signals"`
	Plan    *plan.Plan     `json:"plan"`
	Report  string         `json:"report"`
}

// Option customises New.
type Option func(*Service)

// WithDB uses db instead of opening Config.DBPath. The caller keeps
// ownership of db.
func WithDB(db *sql.DB) Option { return func(s *Service) { s.db = db } }

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option { return func(s *Service) { s.registry = reg } }

// Service is the PDP patch service.
type Service struct {
	cfg    Config
	logger *slog.Logger

	db       *sql.DB
	ownsDB   bool
	registry *prometheus.Registry
	metrics  *observability.Metrics
	mstore   *observability.Store
	events   *observability.EventLogger

	settings *settings.Store
	cache    *tabcache.Cache
	router   *router.Router
	runner   *patch.Runner
	backend  *backend.Client

	exec    page.Executor
	docs    *page.DocExecutor
	browser *page.Browser

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the service. A nil cfg uses defaults; a nil logger uses
// slog.Default.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{cfg: *cfg, logger: logger}
	for _, o := range opts {
		o(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.openStorage(); err != nil {
		s.closeStorage()
		s.cancel()
		return nil, err
	}
	s.wire()
	return s, nil
}

func (s *Service) openStorage() error {
	if s.db == nil {
		db, err := dbopen.Open(s.cfg.DBPath, s.cfg.DB.options()...)
		if err != nil {
			return fmt.Errorf("pdpd: open db: %w", err)
		}
		s.db, s.ownsDB = db, true
	} else if err := observability.Init(s.db); err != nil {
		return fmt.Errorf("pdpd: observability schema: %w", err)
	}
	if err := shield.Init(s.ctx, s.db); err != nil {
		return fmt.Errorf("pdpd: rate limit schema: %w", err)
	}
	st, err := settings.Open(s.db, s.cfg.Router.DefaultStrategy)
	if err != nil {
		return err
	}
	s.settings = st

	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s.mstore = observability.NewStore(s.db, s.cfg.Metrics.BufferSize, s.cfg.Metrics.FlushInterval)
	s.metrics = observability.NewMetrics(s.registry).WithStore(s.mstore)
	s.events = observability.NewEventLogger(s.db, nil)

	cache, err := tabcache.New(s.db, tabcache.Options{
		WriteBuffer: s.cfg.Cache.WriteBuffer,
		Logger:      s.logger,
		Metrics:     s.metrics,
	})
	if err != nil {
		return err
	}
	s.cache = cache
	return nil
}

func (s *Service) wire() {
	if s.cfg.Browser.Enabled {
		s.browser = page.NewBrowser(page.Config{
			RemoteURL:        s.cfg.Browser.RemoteURL,
			Headful:          !s.cfg.Browser.headless(),
			Stealth:          s.cfg.Browser.Stealth,
			NavTimeout:       s.cfg.Browser.NavTimeout,
			RecycleInterval:  s.cfg.Browser.RecycleInterval,
			ResourceBlocking: s.cfg.Browser.ResourceBlocking,
			Logger:           s.logger,
		})
		s.exec = page.NewRodExecutor(s.browser)
	} else {
		s.docs = page.NewDocExecutor()
		s.exec = s.docs
	}

	s.runner = &patch.Runner{
		Applier:     s.exec,
		Delay:       s.cfg.Apply.RetryDelay,
		MaxAttempts: s.cfg.Apply.MaxAttempts,
		Logger:      s.logger,
		Metrics:     s.metrics,
	}

	handlers := router.Handlers{
		Heuristics: &strategy.HeuristicsStrategy{
			Pages:     s.exec,
			Threshold: s.cfg.Router.Threshold,
			Logger:    s.logger,
		},
	}
	if s.cfg.Backend.BaseURL != "" {
		s.backend = backend.New(s.cfg.Backend.BaseURL, s.cfg.Backend.Timeout)
		s.backend.Logger = s.logger
		s.backend.Breaker = backend.NewBreaker(s.cfg.Backend.BreakerThreshold, s.cfg.Backend.BreakerReset)
		gen := &strategy.GeneratorStrategy{Backend: s.backend, Metrics: s.metrics}
		handlers.Generator = strategy.Func(func(ctx context.Context, p *plan.Payload, sc strategy.Context) (*plan.Plan, error) {
			out, err := gen.Resolve(ctx, p, sc)
			if err == nil && out.IsPDP {
				strategy.FillOriginals(ctx, s.exec, sc.TabID, out)
			}
			return out, err
		})
		handlers.StructuredData = &strategy.StructuredDataStrategy{Pages: s.exec, Writer: s.backend, Logger: s.logger}
		if vp, ok := s.exec.(strategy.VisionPages); ok {
			handlers.Vision = &strategy.VisionStrategy{Pages: vp, Reader: s.backend, Metrics: s.metrics, Logger: s.logger}
		}
	} else {
		// Without a backend the JSON-LD texts themselves are proposed.
		handlers.StructuredData = &strategy.StructuredDataStrategy{Pages: s.exec, Logger: s.logger}
	}

	s.router = router.New(router.Config{
		Settings:         s.settings,
		Handlers:         handlers,
		Threshold:        s.cfg.Router.Threshold,
		NavigateDebounce: s.cfg.Router.Debounce,
		OnNavigate:       s.onNavigate,
		ResolveTimeout:   s.cfg.Router.ResolveTimeout,
		Cache:            s.cache,
		Metrics:          s.metrics,
		Logger:           s.logger,
	})
}

// Start launches the browser when enabled and the retention loop. The
// browser's recycle monitor stops with ctx.
func (s *Service) Start(ctx context.Context) error {
	if s.browser != nil {
		if err := s.browser.Start(ctx); err != nil {
			return fmt.Errorf("pdpd: start browser: %w", err)
		}
	}
	s.wg.Add(1)
	go s.retentionLoop()
	s.logger.Info("pdpd: started",
		"browser", s.browser != nil,
		"backend", s.backend != nil,
		"default_strategy", s.cfg.Router.DefaultStrategy)
	return nil
}

// Close stops background work and releases every resource. Pending
// navigations are dropped; a running recompute is cancelled.
func (s *Service) Close() error {
	s.cancel()
	s.router.Close()
	s.wg.Wait()
	var errs []error
	if s.browser != nil {
		errs = append(errs, s.browser.Close())
	}
	errs = append(errs, s.closeStorage())
	return errors.Join(errs...)
}

func (s *Service) closeStorage() error {
	var errs []error
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if s.mstore != nil {
		errs = append(errs, s.mstore.Close())
	}
	if s.ownsDB && s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

func (s *Service) retentionLoop() {
	defer s.wg.Done()
	tick := time.NewTicker(time.Hour)
	defer tick.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-tick.C:
			s.cleanup(s.ctx)
		}
	}
}

func (s *Service) cleanup(ctx context.Context) {
	ret := s.cfg.Metrics.Retention
	if n, err := s.mstore.Cleanup(ctx, ret); err != nil {
		s.logger.Warn("pdpd: metrics cleanup failed", "error", err)
	} else if n > 0 {
		s.logger.Debug("pdpd: metrics cleanup", "deleted", n)
	}
	if _, err := s.events.Cleanup(ctx, ret); err != nil {
		s.logger.Warn("pdpd: event cleanup failed", "error", err)
	}
}

// Registry returns the Prometheus registry the service reports to.
func (s *Service) Registry() *prometheus.Registry { return s.registry }

// Open loads a page into tabID and resets the tab. With html, the
// document is used as is (in-memory executor); otherwise the live browser
// navigates to pageURL.
func (s *Service) Open(ctx context.Context, tabID, pageURL, html string) error {
	switch {
	case html != "" && s.docs != nil:
		if err := s.docs.Load(tabID, html); err != nil {
			return err
		}
	case html == "" && s.browser != nil:
		if _, err := s.browser.Open(ctx, tabID, pageURL); err != nil {
			return err
		}
	default:
		return ErrNoDocument
	}
	s.router.Reset(tabID, pageURL)
	s.event(ctx, observability.EventTabNavigated, tabID, pageURL, nil, true)
	return nil
}

// CloseTab forgets everything about tabID.
func (s *Service) CloseTab(tabID string) {
	s.router.Forget(tabID)
	if s.docs != nil {
		s.docs.Forget(tabID)
	}
	if s.browser != nil {
		if err := s.browser.CloseTab(tabID); err != nil {
			s.logger.Debug("pdpd: close tab", "tab", tabID, "error", err)
		}
	}
}

// Navigate reports an in-page URL change. After the debounce window the
// tab is reset and its plan recomputed from the current document.
func (s *Service) Navigate(tabID, pageURL string) {
	s.router.Navigate(tabID, pageURL)
}

func (s *Service) onNavigate(tabID, pageURL string) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Router.ResolveTimeout)
	defer cancel()
	s.event(ctx, observability.EventTabNavigated, tabID, pageURL, nil, true)

	p, err := s.Resolve(ctx, tabID, nil)
	switch {
	case errors.Is(err, router.ErrStale), errors.Is(err, ErrNotAllowed), errors.Is(err, context.Canceled):
		return
	case err != nil:
		s.logger.Warn("pdpd: recompute failed", "tab", tabID, "url", pageURL, "error", err)
		return
	}
	if s.cfg.Apply.AutoApply && p.IsPDP {
		if _, err := s.Apply(ctx, tabID); err != nil && !errors.Is(err, ErrNoPlan) {
			s.logger.Warn("pdpd: auto apply failed", "tab", tabID, "error", err)
		}
	}
}

// Payload builds the strategy payload from the tab's current document.
func (s *Service) Payload(ctx context.Context, tabID string) (*plan.Payload, error) {
	doc, err := s.exec.Snapshot(ctx, tabID)
	if err != nil {
		return nil, fmt.Errorf("pdpd: snapshot %s: %w", tabID, err)
	}
	return extract.FromDocument(doc, s.router.URL(tabID), extract.Options{}), nil
}

// Resolve computes the plan of tabID. A nil payload is built from the
// tab's current document.
func (s *Service) Resolve(ctx context.Context, tabID string, p *plan.Payload) (*plan.Plan, error) {
	if p == nil {
		var err error
		if p, err = s.Payload(ctx, tabID); err != nil {
			return nil, err
		}
	}
	if p.URL == "" {
		p.URL = s.router.URL(tabID)
	}
	ok, err := s.settings.ShouldRun(ctx, p.URL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAllowed, p.URL)
	}

	out, err := s.router.Resolve(ctx, tabID, p)
	if err != nil {
		if !errors.Is(err, router.ErrStale) {
			s.event(ctx, observability.EventPlanFailed, tabID, p.URL, map[string]any{"error": err.Error()}, false)
		}
		return out, err
	}
	s.event(ctx, observability.EventPlanResolved, tabID, p.URL, map[string]any{
		"strategy": out.Meta.StrategyID,
		"is_pdp":   out.IsPDP,
		"steps":    len(out.Patch),
		"gated":    out.Meta.Gated,
	}, true)
	return out, nil
}

// Apply runs the tab's plan and records the summary.
func (s *Service) Apply(ctx context.Context, tabID string) (*patch.Outcome, error) {
	gen := s.router.Generation(tabID)
	p, ok := s.router.Plan(ctx, tabID)
	if !ok || !p.IsPDP || len(p.Patch) == 0 {
		return nil, ErrNoPlan
	}
	if s.router.Generation(tabID) != gen {
		return nil, router.ErrStale
	}
	out, err := s.runner.Run(ctx, tabID, p.Patch)
	if err != nil {
		s.event(ctx, observability.EventPatchApplied, tabID, p.Meta.URL, map[string]any{"error": err.Error()}, false)
		return out, err
	}
	if err := s.router.SetSummaryAt(tabID, gen, out.Summary); err != nil {
		// The tab navigated while the patch ran; the summary belongs to a gone page.
		s.event(ctx, observability.EventPatchApplied, tabID, p.Meta.URL, map[string]any{"error": err.Error()}, false)
		return out, err
	}
	s.event(ctx, observability.EventPatchApplied, tabID, p.Meta.URL, map[string]any{
		"applied":  out.Summary.StepsApplied,
		"skipped":  out.Summary.StepsSkipped,
		"errors":   out.Summary.StepsError,
		"attempts": len(out.Attempts),
	}, out.Summary.HasApplied())
	return out, nil
}

// Revert restores the values recorded by the last apply. The apply
// summary is kept so the changes can be reapplied.
func (s *Service) Revert(ctx context.Context, tabID string) (*plan.Summary, error) {
	return s.derived(ctx, tabID, observability.EventPatchReverted, patch.BuildInverse)
}

// Reapply re-runs the changes of the last apply exactly as they landed.
func (s *Service) Reapply(ctx context.Context, tabID string) (*plan.Summary, error) {
	return s.derived(ctx, tabID, observability.EventPatchReapply, patch.BuildReapply)
}

func (s *Service) derived(ctx context.Context, tabID, event string, build func(*plan.Plan, *plan.Summary) *plan.Plan) (*plan.Summary, error) {
	gen := s.router.Generation(tabID)
	p, ok := s.router.Plan(ctx, tabID)
	if !ok {
		return nil, ErrNoPlan
	}
	sum, ok := s.router.Summary(ctx, tabID)
	if !ok || !sum.HasApplied() {
		return nil, ErrNothingApplied
	}
	if s.router.Generation(tabID) != gen {
		return nil, router.ErrStale
	}
	d := build(p, sum)
	out, err := s.runner.Run(ctx, tabID, d.Patch)
	if err != nil {
		s.event(ctx, event, tabID, p.Meta.URL, map[string]any{"error": err.Error()}, false)
		return nil, err
	}
	if s.router.Generation(tabID) != gen {
		s.event(ctx, event, tabID, p.Meta.URL, map[string]any{"error": router.ErrStale.Error()}, false)
		return out.Summary, router.ErrStale
	}
	s.event(ctx, event, tabID, p.Meta.URL, map[string]any{
		"steps":   len(d.Patch),
		"applied": out.Summary.StepsApplied,
	}, true)
	return out.Summary, nil
}

// Evaluate classifies raw page HTML.
func (s *Service) Evaluate(pageURL, html string) signals.Result {
	res := signals.Evaluate(pageURL, html)
	s.metrics.Score(res.Score)
	return res
}

// Plan returns the current plan of tabID.
func (s *Service) Plan(ctx context.Context, tabID string) (*plan.Plan, bool) {
	return s.router.Plan(ctx, tabID)
}

// Summary returns the last apply summary of tabID.
func (s *Service) Summary(ctx context.Context, tabID string) (*plan.Summary, bool) {
	return s.router.Summary(ctx, tabID)
}

// LastError returns the last strategy failure of tabID.
func (s *Service) LastError(ctx context.Context, tabID string) (string, bool) {
	return s.router.Error(ctx, tabID)
}

// State returns the processing state of tabID.
func (s *Service) State(tabID string) router.State {
	return s.router.State(tabID)
}

// Events returns the latest events of tabID, newest first.
func (s *Service) Events(ctx context.Context, tabID string, limit int) ([]observability.Event, error) {
	return s.events.Recent(ctx, tabID, limit)
}

// Settings returns the current settings.
func (s *Service) Settings(ctx context.Context) (Settings, error) {
	st, err := s.settings.Strategy(ctx)
	if err != nil {
		return Settings{}, err
	}
	allow, err := s.settings.Allowlist(ctx)
	if err != nil {
		return Settings{}, err
	}
	if allow == nil {
		allow = []string{}
	}
	return Settings{Strategy: st, Allowlist: allow}, nil
}

// PutSettings replaces the strategy settings and the allowlist in one
// transaction. Patterns are validated before anything is written.
func (s *Service) PutSettings(ctx context.Context, in Settings) (Settings, error) {
	if in.Strategy.Global == "" {
		in.Strategy.Global = s.settings.Default()
	}
	if err := s.settings.Replace(ctx, in.Strategy, in.Allowlist); err != nil {
		return Settings{}, err
	}
	s.logger.Info("pdpd: settings updated", "global", in.Strategy.Global,
		"overrides", len(in.Strategy.PerDomain), "allowlist", len(in.Allowlist))
	return s.Settings(ctx)
}

// Report renders the tab's plan and last apply as markdown.
func (s *Service) Report(ctx context.Context, tabID string) (string, error) {
	p, ok := s.router.Plan(ctx, tabID)
	if !ok {
		return "", ErrNoPlan
	}
	sum, _ := s.router.Summary(ctx, tabID)
	return Report(p, sum)
}

// Inspect opens pageURL in a scratch browser tab, resolves and applies its
// plan, and reports the result. The tab is closed afterwards.
func (s *Service) Inspect(ctx context.Context, pageURL string) (*Inspection, error) {
	if s.browser == nil {
		return nil, ErrNoBrowser
	}
	return s.inspect(ctx, pageURL, "")
}

// InspectHTML is Inspect over an already fetched document.
func (s *Service) InspectHTML(ctx context.Context, pageURL, html string) (*Inspection, error) {
	if s.docs == nil {
		return nil, ErrNoDocument
	}
	return s.inspect(ctx, pageURL, html)
}

func (s *Service) inspect(ctx context.Context, pageURL, html string) (*Inspection, error) {
	tabID := "inspect-" + idgen.New()
	if err := s.Open(ctx, tabID, pageURL, html); err != nil {
		return nil, err
	}
	defer s.CloseTab(tabID)

	payload, err := s.Payload(ctx, tabID)
	if err != nil {
		return nil, err
	}
	res := signals.EvaluatePayload(payload)
	p, err := s.Resolve(ctx, tabID, payload)
	if err != nil {
		return nil, err
	}
	var sum *plan.Summary
	if p.IsPDP {
		out, err := s.Apply(ctx, tabID)
		if err != nil && !errors.Is(err, ErrNoPlan) {
			return nil, err
		}
		if out != nil {
			sum = out.Summary
		}
	}
	md, err := Report(p, sum)
	if err != nil {
		return nil, err
	}
	return &Inspection{Signals: res, Plan: p, Report: md}, nil
}

func (s *Service) event(ctx context.Context, typ, tabID, pageURL string, details map[string]any, ok bool) {
	var raw string
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			raw = string(b)
		}
	}
	s.events.Log(context.WithoutCancel(ctx), observability.Event{
		Type:    typ,
		TabID:   tabID,
		URL:     pageURL,
		Details: raw,
		Success: ok,
	})
}
