// CLAUDE:SUMMARY Chrome lifecycle for live tabs: launch or connect via Rod, stealth tabs keyed by tab id, navigation with timeout, idle recycling.
package page

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Config configures the browser.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	// Headful shows the browser window. Default: headless.
	Headful bool

	// Stealth opens tabs through go-rod/stealth.
	Stealth bool

	// NavTimeout bounds navigation and load. Default: 30s.
	NavTimeout time.Duration

	// RecycleInterval is the maximum lifetime of a Chrome process. Chrome is
	// only recycled while no tab is open. Default: 4h.
	RecycleInterval time.Duration

	// ResourceBlocking lists resource types to block (images, fonts, media, stylesheets).
	ResourceBlocking []string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 4 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Tab is a live page bound to a tab id.
type Tab struct {
	ID   string
	URL  string
	Page *rod.Page
}

// Browser owns one Chrome process and the tabs opened in it.
type Browser struct {
	cfg     Config
	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	startAt time.Time
	closed  bool
	tabs    map[string]*Tab
	done    chan struct{}
}

// NewBrowser creates a Browser. Call Start to launch Chrome.
func NewBrowser(cfg Config) *Browser {
	cfg.defaults()
	return &Browser{cfg: cfg, tabs: make(map[string]*Tab), done: make(chan struct{})}
}

// Start launches Chrome (or connects to a remote instance) and starts the
// recycle monitor.
func (b *Browser) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("page: browser is closed")
	}
	if b.browser != nil {
		return nil
	}
	rb, err := b.launch()
	if err != nil {
		return err
	}
	b.browser = rb
	b.startAt = time.Now()

	go b.monitorLoop(ctx)
	return nil
}

// Open navigates tabID to pageURL, creating the tab on first use.
func (b *Browser) Open(ctx context.Context, tabID, pageURL string) (*Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser == nil {
		return nil, fmt.Errorf("page: no active browser")
	}
	t, ok := b.tabs[tabID]
	if !ok {
		p, err := b.newPage()
		if err != nil {
			return nil, fmt.Errorf("page: create tab: %w", err)
		}
		if len(b.cfg.ResourceBlocking) > 0 {
			applyResourceBlocking(p, b.cfg.ResourceBlocking)
		}
		t = &Tab{ID: tabID, Page: p}
		b.tabs[tabID] = t
	}

	navCtx, cancel := context.WithTimeout(ctx, b.cfg.NavTimeout)
	defer cancel()

	if err := t.Page.Context(navCtx).Navigate(pageURL); err != nil {
		return nil, fmt.Errorf("page: navigate %s: %w", pageURL, err)
	}
	if err := t.Page.Context(navCtx).WaitLoad(); err != nil {
		b.cfg.Logger.Warn("page: wait load timeout", "tab", tabID, "url", pageURL, "error", err)
	}
	t.URL = pageURL
	return t, nil
}

// Tab returns the open tab bound to tabID.
func (b *Browser) Tab(tabID string) (*Tab, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tabs[tabID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTab, tabID)
	}
	return t, nil
}

// CloseTab closes and forgets tabID.
func (b *Browser) CloseTab(tabID string) error {
	b.mu.Lock()
	t, ok := b.tabs[tabID]
	delete(b.tabs, tabID)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return t.Page.Close()
}

// Close shuts down Chrome.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	b.cleanup()
	return nil
}

func (b *Browser) newPage() (*rod.Page, error) {
	if b.cfg.Stealth {
		return stealth.Page(b.browser)
	}
	return b.browser.Page(proto.TargetCreateTarget{URL: ""})
}

func (b *Browser) launch() (*rod.Browser, error) {
	log := b.cfg.Logger

	var wsURL string
	if b.cfg.RemoteURL != "" {
		wsURL = b.cfg.RemoteURL
		log.Info("page: connecting to remote chrome", "url", wsURL)
	} else {
		l := launcher.New().Headless(!b.cfg.Headful)
		// Anti-detection flags.
		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("page: launch: %w", err)
		}
		wsURL = u
		b.lnch = l
		log.Info("page: launched local chrome", "url", wsURL, "stealth", b.cfg.Stealth)
	}

	rb := rod.New().ControlURL(wsURL)
	if err := rb.Connect(); err != nil {
		return nil, fmt.Errorf("page: connect: %w", err)
	}
	if err := rb.IgnoreCertErrors(true); err != nil {
		log.Warn("page: ignore cert errors failed", "error", err)
	}
	return rb, nil
}

func (b *Browser) cleanup() {
	for id, t := range b.tabs {
		t.Page.Close()
		delete(b.tabs, id)
	}
	if b.browser != nil {
		b.browser.Close()
		b.browser = nil
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
		b.lnch = nil
	}
}

func (b *Browser) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-ticker.C:
			b.recycleIfIdle()
		}
	}
}

func (b *Browser) recycleIfIdle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.browser == nil || len(b.tabs) > 0 || time.Since(b.startAt) < b.cfg.RecycleInterval {
		return
	}
	log := b.cfg.Logger
	log.Info("page: recycling chrome", "uptime", time.Since(b.startAt))
	b.cleanup()
	rb, err := b.launch()
	if err != nil {
		log.Error("page: relaunch failed", "error", err)
		return
	}
	b.browser = rb
	b.startAt = time.Now()
}
