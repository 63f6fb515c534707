package patch

import "github.com/hazyhaar/pdpatch/plan"

// Plan sources stamped on synthesized plans.
const (
	SourceRevert  = "revert"
	SourceReapply = "reapply"
)

// BuildInverse returns a plan that undoes every applied step of sum. Each
// step writes back the captured prev content unwrapped; when prev is absent
// the field whose selector matches supplies its original. Steps run in
// reverse apply order so that repeated writes to one node unwind correctly.
func BuildInverse(p *plan.Plan, sum *plan.Summary) *plan.Plan {
	out := derived(p, SourceRevert)
	if sum == nil {
		return out
	}
	for i := len(sum.Results) - 1; i >= 0; i-- {
		r := sum.Results[i]
		if r.Status != plan.StatusApplied || !r.Op.Valid() {
			continue
		}
		var value string
		switch {
		case r.Prev != nil:
			value = *r.Prev
		default:
			_, f, ok := p.FieldBySelector(r.Selector)
			if !ok {
				continue
			}
			value = f.Original
		}
		out.Patch = append(out.Patch, plan.Step{
			Selector:   r.Selector,
			Op:         r.Op,
			Value:      value,
			NoPrefix:   true,
			AllowEmpty: true,
		})
	}
	out.IsPDP = len(out.Patch) > 0
	return out
}

// BuildReapply returns a plan that redoes every applied step of sum. The
// recorded value is written as-is: setHTML values already contain their
// wrapper, setText values are re-wrapped only if they were wrapped before.
// When the value is absent the matching field's proposed text is used.
func BuildReapply(p *plan.Plan, sum *plan.Summary) *plan.Plan {
	out := derived(p, SourceReapply)
	if sum == nil {
		return out
	}
	for _, r := range sum.Results {
		if r.Status != plan.StatusApplied || !r.Op.Valid() {
			continue
		}
		if r.Value != nil {
			out.Patch = append(out.Patch, plan.Step{
				Selector:   r.Selector,
				Op:         r.Op,
				Value:      *r.Value,
				NoPrefix:   r.Op == plan.OpSetHTML || !r.Wrapped,
				AllowEmpty: true,
			})
			continue
		}
		if _, f, ok := p.FieldBySelector(r.Selector); ok && f.Proposed != "" {
			out.Patch = append(out.Patch, plan.Step{
				Selector: r.Selector,
				Op:       r.Op,
				Value:    f.Proposed,
			})
		}
	}
	out.IsPDP = len(out.Patch) > 0
	return out
}

// derived starts a synthesized plan that keeps p's fields and page identity.
func derived(p *plan.Plan, source string) *plan.Plan {
	if p == nil {
		return plan.New(source, "")
	}
	out := p.Clone()
	out.Patch = []plan.Step{}
	out.Meta.Source = source
	return out
}
