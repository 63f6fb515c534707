package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hazyhaar/pdpatch/backend"
	"github.com/hazyhaar/pdpatch/observability"
	"github.com/hazyhaar/pdpatch/patch"
	"github.com/hazyhaar/pdpatch/plan"
)

// Analyzer returns a raw plan document for a payload.
type Analyzer interface {
	Analyze(ctx context.Context, p *plan.Payload) (json.RawMessage, error)
}

// GeneratorStrategy delegates the whole plan to the generator backend and
// validates what comes back.
type GeneratorStrategy struct {
	Backend Analyzer
	Metrics *observability.Metrics
}

// Resolve implements Strategy.
func (g *GeneratorStrategy) Resolve(ctx context.Context, p *plan.Payload, _ Context) (*plan.Plan, error) {
	if g.Backend == nil {
		return nil, errors.New("strategy: generator backend not configured")
	}
	raw, err := g.Backend.Analyze(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("strategy: generator: %w", err)
	}
	out, denied, err := ValidatePlan(raw)
	if err != nil {
		return nil, fmt.Errorf("strategy: generator: %w", err)
	}
	for range denied {
		g.Metrics.Denied()
	}
	if out.Meta.URL == "" {
		out.Meta.URL = p.URL
	}
	return out, nil
}

// ValidatePlan decodes a generator plan document and enforces the plan
// contract:
//   - is_pdp must be a boolean, or ErrInvalidPlan is returned;
//   - patch keeps only entries with a string selector and a supported op,
//     and a value or a valueRef resolving to a string;
//   - a field proposal matching the content denylist is blanked.
//
// Text-only proposals are reduced to plain text. The number of blanked
// proposals is returned alongside the plan.
func ValidatePlan(raw []byte) (*plan.Plan, int, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", backend.ErrInvalidPlan, err)
	}
	isPDP, ok := doc["is_pdp"].(bool)
	if !ok {
		return nil, 0, backend.ErrInvalidPlan
	}

	out := plan.New(Generator.String(), str(doc["url"]))
	out.IsPDP = isPDP
	out.Meta.TraceID = str(doc["trace_id"])
	if c, ok := doc["confidence"].(float64); ok {
		c = max(0, min(1, c))
		out.Confidence = &c
	}
	if ws, ok := doc["warnings"].([]any); ok {
		for _, w := range ws {
			if s, ok := w.(string); ok {
				out.Meta.Warnings = append(out.Meta.Warnings, s)
			}
		}
	}

	denied := 0
	fields, _ := doc["fields"].(map[string]any)
	for _, key := range plan.FieldKeys {
		m, ok := fields[key].(map[string]any)
		if !ok {
			continue
		}
		f := plan.Field{
			Selector:     str(m["selector"]),
			SelectorNote: str(m["selector_note"]),
			Original:     str(m["original"]),
			Extracted:    str(m["extracted"]),
			Proposed:     str(m["proposed"]),
			HTML:         plan.IsHTMLField(key),
		}
		switch {
		case patch.Denied(f.Proposed):
			f.Proposed = ""
			denied++
		case !f.HTML:
			f.Proposed = PlainText(f.Proposed)
		}
		// valueRefs resolve against the validated proposal.
		m["proposed"] = f.Proposed
		out.Fields[key] = f
	}

	steps, _ := doc["patch"].([]any)
	for _, item := range steps {
		st, ok := validStep(doc, item)
		if ok {
			out.Patch = append(out.Patch, st)
		}
	}
	return out, denied, nil
}

func validStep(doc map[string]any, item any) (plan.Step, bool) {
	m, ok := item.(map[string]any)
	if !ok {
		return plan.Step{}, false
	}
	sel, ok := m["selector"].(string)
	if !ok {
		return plan.Step{}, false
	}
	op, _ := m["op"].(string)
	if !plan.Op(op).Valid() {
		return plan.Step{}, false
	}

	if _, has := m["value"]; has {
		// Round-trip through plan.Step so a non-string value is kept and
		// reported per step at apply time.
		buf, err := json.Marshal(m)
		if err != nil {
			return plan.Step{}, false
		}
		var st plan.Step
		if err := json.Unmarshal(buf, &st); err != nil {
			return plan.Step{}, false
		}
		return st, true
	}

	ref, ok := m["valueRef"].(string)
	if !ok {
		return plan.Step{}, false
	}
	v, ok := resolveRef(doc, ref).(string)
	if !ok {
		return plan.Step{}, false
	}
	allowEmpty, _ := m["allowEmpty"].(bool)
	noPrefix, _ := m["noPrefix"].(bool)
	return plan.Step{Selector: sel, Op: plan.Op(op), Value: v, AllowEmpty: allowEmpty, NoPrefix: noPrefix}, true
}

// resolveRef walks a dot path such as "fields.title.proposed" through doc.
// Numeric segments index arrays.
func resolveRef(doc map[string]any, ref string) any {
	var cur any = doc
	for _, part := range strings.Split(ref, ".") {
		switch t := cur.(type) {
		case map[string]any:
			cur = t[part]
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(t) {
				return nil
			}
			cur = t[i]
		default:
			return nil
		}
	}
	return cur
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
