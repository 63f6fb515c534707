package strategy

import (
	"context"
	"log/slog"

	"github.com/PuerkitoBio/goquery"

	"github.com/hazyhaar/pdpatch/backend"
	"github.com/hazyhaar/pdpatch/match"
	"github.com/hazyhaar/pdpatch/patch"
	"github.com/hazyhaar/pdpatch/plan"
)

// CopyWriter rewrites product copy.
type CopyWriter interface {
	Generate(ctx context.Context, req backend.GenerateRequest) (*backend.Copy, error)
}

// StructuredDataStrategy reads the first JSON-LD product, locates its texts
// on the page with the selector matcher and proposes rewritten copy,
// falling back to the structured text itself.
type StructuredDataStrategy struct {
	Pages  Snapshotter
	Writer CopyWriter
	Logger *slog.Logger
}

// Resolve implements Strategy.
func (s *StructuredDataStrategy) Resolve(ctx context.Context, p *plan.Payload, sc Context) (*plan.Plan, error) {
	out := plan.New(StructuredData.String(), p.URL)
	product := PickFirstProduct(p.JSONLD)
	if product == nil {
		return out, nil
	}
	out.IsPDP = true
	targets := ExtractProductTexts(product)
	log := logger(s.Logger)

	var (
		doc     *goquery.Document
		matches map[string]match.Result
	)
	if s.Pages != nil && sc.TabID != "" {
		var err error
		if doc, err = s.Pages.Snapshot(ctx, sc.TabID); err != nil {
			log.Warn("strategy: structured data snapshot failed", "tab", sc.TabID, "error", err)
		} else {
			matches = match.FindBest(targets, match.Candidates(doc))
		}
	}

	var generated *backend.Copy
	if s.Writer != nil {
		g, err := s.Writer.Generate(ctx, backend.GenerateRequest{
			URL:         p.URL,
			Language:    p.Language,
			Title:       targets[plan.FieldTitle],
			Description: targets[plan.FieldDescription],
			Shipping:    targets[plan.FieldShipping],
			Returns:     targets[plan.FieldReturns],
		})
		if err != nil {
			log.Warn("strategy: generate failed, using structured text", "url", p.URL, "error", err)
			out.Meta.Warnings = append(out.Meta.Warnings, "generator unavailable")
		} else {
			generated = g
		}
	}

	for _, key := range plan.FieldKeys {
		sel := matches[key].Selector
		val := targets[key]
		if generated != nil {
			if g := generated.Get(key); g != "" && !patch.Denied(g) {
				val = g
			}
		}
		if sel == "" || val == "" {
			continue
		}
		isHTML := plan.IsHTMLField(key)
		out.Fields[key] = plan.Field{
			Selector:  sel,
			Extracted: targets[key],
			Proposed:  val,
			HTML:      isHTML,
		}
		out.Patch = append(out.Patch, plan.Step{Selector: sel, Op: plan.OpFor(isHTML), Value: val})
	}
	fillOriginals(out, doc)
	return out, nil
}
