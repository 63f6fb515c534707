// CLAUDE:SUMMARY Canonical data model shared by strategies, the router and the patch engine: Plan, Field, Step, Summary, Payload.
// Package plan holds the data exchanged between page strategies, the strategy
// router and the patch engine.
//
// A Strategy turns a Payload into a Plan. The Plan's Patch is applied to a
// page, producing a Summary. A Summary together with its Plan is all that is
// needed to build the inverse (revert) or forward (reapply) patch.
package plan

import "encoding/json"

// Field keys, in display order.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldShipping    = "shipping"
	FieldReturns     = "returns"
)

// FieldKeys lists the content regions a plan may rewrite.
var FieldKeys = []string{FieldTitle, FieldDescription, FieldShipping, FieldReturns}

// IsHTMLField reports whether a region is rewritten as markup rather than text.
func IsHTMLField(key string) bool {
	return key == FieldDescription || key == FieldShipping || key == FieldReturns
}

// Op is a DOM mutation kind.
type Op string

const (
	OpSetText Op = "setText"
	OpSetHTML Op = "setHTML"
)

// Valid reports whether op is one of the supported mutations.
func (op Op) Valid() bool {
	return op == OpSetText || op == OpSetHTML
}

// OpFor returns the mutation used to write a field of the given kind.
func OpFor(html bool) Op {
	if html {
		return OpSetHTML
	}
	return OpSetText
}

// Field describes one content region: where it lives and what it becomes.
type Field struct {
	Selector     string `json:"selector"`
	SelectorNote string `json:"selector_note,omitempty"`
	Original     string `json:"original,omitempty"`
	Extracted    string `json:"extracted,omitempty"`
	Proposed     string `json:"proposed"`
	HTML         bool   `json:"html"`
}

// Step is one DOM mutation instruction.
type Step struct {
	Selector   string `json:"selector"`
	Op         Op     `json:"op"`
	Value      string `json:"value"`
	AllowEmpty bool   `json:"allowEmpty,omitempty"`
	NoPrefix   bool   `json:"noPrefix,omitempty"`

	// badValue is set when a decoded step carried a non-string value.
	badValue bool
}

// HasStringValue reports whether the step's value was a string on the wire.
// Steps built in Go always have one.
func (s Step) HasStringValue() bool { return !s.badValue }

// UnmarshalJSON accepts any JSON type for value so that a malformed step is
// reported per step by the applier instead of failing the whole patch.
func (s *Step) UnmarshalJSON(data []byte) error {
	var raw struct {
		Selector   string          `json:"selector"`
		Op         Op              `json:"op"`
		Value      json.RawMessage `json:"value"`
		AllowEmpty bool            `json:"allowEmpty"`
		NoPrefix   bool            `json:"noPrefix"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Step{Selector: raw.Selector, Op: raw.Op, AllowEmpty: raw.AllowEmpty, NoPrefix: raw.NoPrefix}
	if len(raw.Value) == 0 || string(raw.Value) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw.Value, &s.Value); err != nil {
		s.badValue = true
	}
	return nil
}

// Meta carries bookkeeping stamped by strategies and the router.
type Meta struct {
	ProcessMS  int64    `json:"process_ms"`
	StrategyID string   `json:"strategy_id,omitempty"`
	Source     string   `json:"source,omitempty"`
	URL        string   `json:"url,omitempty"`
	Score      *int     `json:"score,omitempty"`
	Gated      bool     `json:"gated,omitempty"`
	TraceID    string   `json:"trace_id,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Plan is the canonical output of a strategy.
type Plan struct {
	IsPDP      bool             `json:"is_pdp"`
	Confidence *float64         `json:"confidence,omitempty"`
	Fields     map[string]Field `json:"fields"`
	Patch      []Step           `json:"patch"`
	Meta       Meta             `json:"meta"`
}

// New returns an empty, non-PDP plan for the given source.
func New(source, url string) *Plan {
	return &Plan{
		Fields: map[string]Field{},
		Patch:  []Step{},
		Meta:   Meta{Source: source, URL: url},
	}
}

// Clone returns a copy whose fields map and patch slice can be mutated
// without affecting p.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Fields = make(map[string]Field, len(p.Fields))
	for k, v := range p.Fields {
		c.Fields[k] = v
	}
	c.Patch = append([]Step(nil), p.Patch...)
	c.Meta.Warnings = append([]string(nil), p.Meta.Warnings...)
	if p.Confidence != nil {
		v := *p.Confidence
		c.Confidence = &v
	}
	if p.Meta.Score != nil {
		v := *p.Meta.Score
		c.Meta.Score = &v
	}
	return &c
}

// FieldBySelector returns the first field (in FieldKeys order) whose selector
// equals sel.
func (p *Plan) FieldBySelector(sel string) (string, Field, bool) {
	if p == nil || sel == "" {
		return "", Field{}, false
	}
	for _, k := range FieldKeys {
		if f, ok := p.Fields[k]; ok && f.Selector == sel {
			return k, f, true
		}
	}
	return "", Field{}, false
}

// Payload is the page evidence handed to strategies.
type Payload struct {
	URL         string            `json:"url"`
	Title       string            `json:"title"`
	Meta        map[string]string `json:"meta,omitempty"`
	HTMLExcerpt string            `json:"html_excerpt"`
	Language    string            `json:"language"`
	JSONLD      []any             `json:"jsonld,omitempty"`
}
