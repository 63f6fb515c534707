// CLAUDE:SUMMARY Patch engine: applies setText/setHTML steps to a goquery tree with per-step isolation, denylist, wrap marker and prev capture.
// Package patch applies content patches to an HTML tree, and synthesizes the
// inverse (revert) and forward (reapply) patches from an apply summary.
//
// Apply is the reference semantics. The in-page script run by the browser
// executor mirrors it step for step, so summaries from either are
// interchangeable.
package patch

import (
	"fmt"
	"regexp"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/pdpatch/plan"
)

// WrapStyle is the inline style of the marker wrapping patched content.
const WrapStyle = "background:#ECFDF5;color:#065F46;border:1px solid #A7F3D0;padding:4px 6px;border-radius:6px;display:inline-block;"

// Step notes.
const (
	NoteNotFound       = "selector not found"
	NoteBadSelector    = "invalid selector"
	NoteNotString      = "value not string"
	NoteEmpty          = "empty value"
	NoteDenied         = "value denied by policy"
	NoteUnknownOp      = "unknown op"
	NoteNotRestorable  = "original not restorable"
	noteExceptionLabel = "exception"
)

// denylist rejects content that could inject executable markup.
var denylist = regexp.MustCompile(`(?i)(<script|javascript:|on\w+=|<iframe|<object)`)

// Denied reports whether v matches the content-injection denylist.
func Denied(v string) bool { return denylist.MatchString(v) }

// WrapHTML returns inner wrapped in the patched-content marker.
func WrapHTML(inner string) string {
	return `<div data-pdp="1" style="` + WrapStyle + `">` + inner + `</div>`
}

// Apply runs steps against doc in order. Each step is isolated: a failure
// yields a skipped or error result and the next step still runs. Selectors
// resolve to their first match in document order.
func Apply(doc *goquery.Document, steps []plan.Step) *plan.Summary {
	start := time.Now()
	sum := &plan.Summary{Results: make([]plan.StepResult, 0, len(steps))}
	for i, st := range steps {
		sum.Results = append(sum.Results, applyStep(doc, i, st))
	}
	sum.TookMS = time.Since(start).Milliseconds()
	sum.Tally()
	return sum
}

func applyStep(doc *goquery.Document, i int, st plan.Step) (res plan.StepResult) {
	res = plan.StepResult{Index: i, Selector: st.Selector, Op: st.Op, Status: plan.StatusPending}
	defer func() {
		if r := recover(); r != nil {
			res.Status, res.Note = plan.StatusError, fmt.Sprintf("%s: %v", noteExceptionLabel, r)
		}
	}()

	matcher, err := cascadia.Compile(st.Selector)
	if err != nil {
		res.Status, res.Note = plan.StatusError, NoteBadSelector+": "+err.Error()
		return res
	}
	node := doc.FindMatcher(matcher).First()
	if node.Length() == 0 {
		return skip(res, NoteNotFound)
	}
	if !st.HasStringValue() {
		return skip(res, NoteNotString)
	}
	val := st.Value
	if val == "" && !st.AllowEmpty {
		return skip(res, NoteEmpty)
	}
	if Denied(val) {
		return skip(res, NoteDenied)
	}
	wrap := !st.NoPrefix

	switch st.Op {
	case plan.OpSetText:
		prev := node.Text()
		if Denied(prev) {
			return skip(res, NoteNotRestorable)
		}
		res.Prev = plan.Str(prev)
		if wrap {
			node.Empty()
			node.AppendNodes(wrapperNode(val))
		} else {
			node.SetText(val)
		}
		res.Value, res.Wrapped = plan.Str(val), wrap

	case plan.OpSetHTML:
		prev, err := node.Html()
		if err != nil {
			res.Status, res.Note = plan.StatusError, err.Error()
			return res
		}
		if Denied(prev) {
			return skip(res, NoteNotRestorable)
		}
		res.Prev = plan.Str(prev)
		out := val
		if wrap {
			out = WrapHTML(val)
		}
		node.SetHtml(out)
		res.Value, res.Wrapped = plan.Str(out), wrap

	default:
		return skip(res, NoteUnknownOp)
	}
	res.Status = plan.StatusApplied
	return res
}

func skip(res plan.StepResult, note string) plan.StepResult {
	res.Status, res.Note = plan.StatusSkipped, note
	return res
}

func wrapperNode(text string) *html.Node {
	n := &html.Node{
		Type:     html.ElementNode,
		Data:     "div",
		DataAtom: atom.Div,
		Attr: []html.Attribute{
			{Key: "data-pdp", Val: "1"},
			{Key: "role", Val: "note"},
			{Key: "style", Val: WrapStyle},
		},
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	return n
}
