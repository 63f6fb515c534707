// CLAUDE:SUMMARY Strategy variants (heuristics, generator, structured data, vision), id parsing with legacy names, and the Resolve contract.
// Package strategy turns page evidence into plans.
//
// The set of strategies is closed: ID enumerates every variant and the
// router dispatches over it with a switch. Each strategy implements
// Strategy and may use the page executor, the selector matcher and the
// generator backend.
package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/hazyhaar/pdpatch/plan"
)

// ID names a strategy variant.
type ID int

const (
	Heuristics ID = iota
	Generator
	StructuredData
	Vision
)

// All lists every variant in declaration order.
var All = []ID{Heuristics, Generator, StructuredData, Vision}

// Default is used whenever a configured id is unknown or has no handler.
const Default = Heuristics

func (id ID) String() string {
	switch id {
	case Heuristics:
		return "heuristics"
	case Generator:
		return "generator"
	case StructuredData:
		return "structured_data"
	case Vision:
		return "vision"
	default:
		return fmt.Sprintf("strategy(%d)", int(id))
	}
}

// Costly reports whether the strategy calls a paid or slow backend and is
// therefore gated by the classifier.
func (id ID) Costly() bool {
	return id == Generator || id == StructuredData || id == Vision
}

// legacyIDs maps historical setting values onto variants.
var legacyIDs = map[string]ID{
	"heuristicsstrategy": Heuristics,
	"llmstrategy":        Generator,
	"webllmstrategy":     Generator,
	"jsonldstrategy":     StructuredData,
	"ocrstrategy":        Vision,
	"llm":                Generator,
	"jsonld":             StructuredData,
	"ocr":                Vision,
}

// ParseID parses a canonical or legacy strategy id, case-insensitively.
func ParseID(s string) (ID, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	for _, id := range All {
		if key == id.String() {
			return id, true
		}
	}
	id, ok := legacyIDs[key]
	return id, ok
}

// MarshalText encodes the canonical id.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText accepts canonical and legacy ids.
func (id *ID) UnmarshalText(b []byte) error {
	v, ok := ParseID(string(b))
	if !ok {
		return fmt.Errorf("strategy: unknown id %q", b)
	}
	*id = v
	return nil
}

// Context identifies the request a strategy runs for.
type Context struct {
	StrategyID ID
	TabID      string
}

// Strategy resolves a payload into a plan.
type Strategy interface {
	Resolve(ctx context.Context, p *plan.Payload, sc Context) (*plan.Plan, error)
}

// Func adapts a function to Strategy.
type Func func(ctx context.Context, p *plan.Payload, sc Context) (*plan.Plan, error)

// Resolve calls f.
func (f Func) Resolve(ctx context.Context, p *plan.Payload, sc Context) (*plan.Plan, error) {
	return f(ctx, p, sc)
}

// Snapshotter reads the current DOM of a tab.
type Snapshotter interface {
	Snapshot(ctx context.Context, tabID string) (*goquery.Document, error)
}

// fillOriginals sets each field's Original from doc when missing: inner
// HTML for markup fields, text otherwise.
func fillOriginals(p *plan.Plan, doc *goquery.Document) {
	if p == nil || doc == nil {
		return
	}
	for k, f := range p.Fields {
		if f.Original != "" || f.Selector == "" {
			continue
		}
		node, err := findFirst(doc, f.Selector)
		if err != nil || node.Length() == 0 {
			continue
		}
		if f.HTML {
			f.Original, _ = node.Html()
		} else {
			f.Original = node.Text()
		}
		p.Fields[k] = f
	}
}

// FillOriginals snapshots tabID and fills missing field originals. Errors
// leave the plan untouched.
func FillOriginals(ctx context.Context, snap Snapshotter, tabID string, p *plan.Plan) {
	if snap == nil || tabID == "" || p == nil || len(p.Fields) == 0 {
		return
	}
	doc, err := snap.Snapshot(ctx, tabID)
	if err != nil {
		return
	}
	fillOriginals(p, doc)
}
