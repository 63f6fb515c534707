package pdpd

import (
	"fmt"
	"html"
	"strings"
	"sync"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/pdpatch/plan"
)

var fieldLabels = map[string]string{
	plan.FieldTitle:       "Title",
	plan.FieldDescription: "Description",
	plan.FieldShipping:    "Shipping",
	plan.FieldReturns:     "Returns",
}

var (
	mdConverter = sync.OnceValue(func() *converter.Converter {
		return converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		)
	})
	// Page markup is shown, never trusted.
	reportPolicy = sync.OnceValue(bluemonday.UGCPolicy)
)

// Report renders p as markdown: the verdict, then per field its selector
// with the previous and current content, then any applied change outside
// the field selectors. sum may be nil.
func Report(p *plan.Plan, sum *plan.Summary) (string, error) {
	var b strings.Builder
	verdict := "No PDP detected"
	if p.IsPDP {
		verdict = "PDP detected"
	}
	fmt.Fprintf(&b, "<h2>%s · %.2fs</h2>", verdict, float64(p.Meta.ProcessMS)/1000)

	meta := []string{"strategy " + html.EscapeString(p.Meta.StrategyID)}
	if p.Meta.Score != nil {
		meta = append(meta, fmt.Sprintf("score %d", *p.Meta.Score))
	}
	if p.Meta.Gated {
		meta = append(meta, "gated")
	}
	fmt.Fprintf(&b, "<p>%s</p>", strings.Join(meta, " · "))
	if p.Meta.URL != "" {
		fmt.Fprintf(&b, "<p><code>%s</code></p>", html.EscapeString(p.Meta.URL))
	}
	if len(p.Meta.Warnings) > 0 {
		b.WriteString("<ul>")
		for _, w := range p.Meta.Warnings {
			fmt.Fprintf(&b, "<li>%s</li>", html.EscapeString(w))
		}
		b.WriteString("</ul>")
	}

	primary := map[string]bool{}
	for _, key := range plan.FieldKeys {
		f := p.Fields[key]
		fmt.Fprintf(&b, "<h3>%s</h3>", fieldLabels[key])
		if f.Selector == "" {
			b.WriteString("<p><em>(no selector)</em></p>")
			continue
		}
		primary[f.Selector] = true
		fmt.Fprintf(&b, "<p><code>%s</code></p>", html.EscapeString(f.Selector))

		current := appliedValue(sum, f.Selector)
		if current == "" {
			current = f.Proposed
		}
		b.WriteString("<h4>Previous</h4>")
		b.WriteString(reportBlock(f.Original, f.HTML))
		b.WriteString("<h4>Current</h4>")
		b.WriteString(reportBlock(current, f.HTML))
	}

	var extras []plan.StepResult
	if sum != nil {
		for _, r := range sum.Results {
			if r.Status == plan.StatusApplied && r.Selector != "" && !primary[r.Selector] {
				extras = append(extras, r)
			}
		}
	}
	if len(extras) > 0 {
		b.WriteString("<h3>Additional applied changes</h3><ul>")
		for _, r := range extras {
			val := "(no value)"
			if r.Value != nil && *r.Value != "" {
				val = *r.Value
			}
			fmt.Fprintf(&b, "<li><code>%s</code> <code>%s</code>: %s</li>",
				r.Op, html.EscapeString(r.Selector), html.EscapeString(val))
		}
		b.WriteString("</ul>")
	}

	md, err := mdConverter().ConvertString(b.String())
	if err != nil {
		return "", fmt.Errorf("pdpd: render report: %w", err)
	}
	return md, nil
}

func reportBlock(content string, isHTML bool) string {
	if content == "" {
		return "<p><em>(empty)</em></p>"
	}
	if isHTML {
		return "<div>" + reportPolicy().Sanitize(content) + "</div>"
	}
	return "<p>" + html.EscapeString(content) + "</p>"
}

// appliedValue is the value an applied step wrote at selector.
func appliedValue(sum *plan.Summary, selector string) string {
	if sum == nil {
		return ""
	}
	for _, r := range sum.Results {
		if r.Status == plan.StatusApplied && r.Selector == selector && r.Value != nil {
			return *r.Value
		}
	}
	return ""
}
