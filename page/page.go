// CLAUDE:SUMMARY Execution-context collaborator: Executor interface (snapshot, apply, layout) with an in-memory goquery implementation.
// Package page is the boundary between the PDP core and a live page. An
// Executor snapshots a tab's DOM, runs patches against it in a chosen script
// world and reports element geometry for vision mapping.
//
// DocExecutor keeps parsed documents in memory and is what tests and the
// one-shot CLI paths use. RodExecutor drives a real Chrome tab.
package page

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/hazyhaar/pdpatch/patch"
	"github.com/hazyhaar/pdpatch/plan"
)

var (
	// ErrUnknownTab is returned for a tab id the executor has never seen.
	ErrUnknownTab = errors.New("page: unknown tab")
	// ErrNoLayout is returned by executors that have no rendering engine.
	ErrNoLayout = errors.New("page: layout not available")
)

// LayoutTags is the element set measured by Layout. Box.Index counts
// matches of this selector in document order, so a box maps back onto a
// snapshot with doc.Find(LayoutTags).Eq(index).
const LayoutTags = "h1,h2,h3,p,div,span,li,dd,dt,strong,em,section,article,td,th"

// Box is the document-space rectangle of one visible element, in CSS pixels.
type Box struct {
	Index int     `json:"index"`
	Tag   string  `json:"tag"`
	Text  string  `json:"text,omitempty"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	W     float64 `json:"w"`
	H     float64 `json:"h"`
}

// Area returns the box area, at least 1.
func (b Box) Area() float64 {
	return max(1, b.W*b.H)
}

// Layout is the rendered geometry of a page.
type Layout struct {
	DevicePixelRatio float64 `json:"device_pixel_ratio"`
	PageWidth        float64 `json:"page_width_css"`
	PageHeight       float64 `json:"page_height_css"`
	Boxes            []Box   `json:"boxes"`
}

// Executor runs work inside a tab.
type Executor interface {
	Snapshot(ctx context.Context, tabID string) (*goquery.Document, error)
	Apply(ctx context.Context, tabID string, world patch.World, steps []plan.Step) (*plan.Summary, error)
	Layout(ctx context.Context, tabID string) (*Layout, error)
}

// DocExecutor holds one parsed document per tab. Worlds are
// indistinguishable in memory, so Apply ignores the world argument.
type DocExecutor struct {
	mu   sync.Mutex
	docs map[string]*goquery.Document
}

// NewDocExecutor returns an empty DocExecutor.
func NewDocExecutor() *DocExecutor {
	return &DocExecutor{docs: make(map[string]*goquery.Document)}
}

// Load parses html as the current document of tabID, replacing any previous one.
func (e *DocExecutor) Load(tabID, html string) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return fmt.Errorf("page: parse %s: %w", tabID, err)
	}
	e.mu.Lock()
	e.docs[tabID] = doc
	e.mu.Unlock()
	return nil
}

// Forget drops the document of tabID.
func (e *DocExecutor) Forget(tabID string) {
	e.mu.Lock()
	delete(e.docs, tabID)
	e.mu.Unlock()
}

// HTML renders the current document of tabID.
func (e *DocExecutor) HTML(tabID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, ok := e.docs[tabID]
	if !ok {
		return "", ErrUnknownTab
	}
	return goquery.OuterHtml(doc.Selection)
}

// Snapshot returns a copy of the tab's document. Mutating it does not
// affect the tab.
func (e *DocExecutor) Snapshot(ctx context.Context, tabID string) (*goquery.Document, error) {
	src, err := e.HTML(tabID)
	if err != nil {
		return nil, err
	}
	return goquery.NewDocumentFromReader(strings.NewReader(src))
}

// Apply runs steps against the tab's document.
func (e *DocExecutor) Apply(ctx context.Context, tabID string, _ patch.World, steps []plan.Step) (*plan.Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, ok := e.docs[tabID]
	if !ok {
		return nil, ErrUnknownTab
	}
	return patch.Apply(doc, steps), nil
}

// Layout always fails: an unrendered tree has no geometry.
func (e *DocExecutor) Layout(context.Context, string) (*Layout, error) {
	return nil, ErrNoLayout
}
