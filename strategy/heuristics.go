package strategy

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/hazyhaar/pdpatch/match"
	"github.com/hazyhaar/pdpatch/plan"
	"github.com/hazyhaar/pdpatch/signals"
)

// HeuristicsStrategy classifies with the signal classifier and discovers
// field selectors on the tab's snapshot. It never proposes copy, so its
// plans carry no patch.
type HeuristicsStrategy struct {
	Pages     Snapshotter
	Threshold int
	Logger    *slog.Logger
}

// Resolve implements Strategy.
func (h *HeuristicsStrategy) Resolve(ctx context.Context, p *plan.Payload, sc Context) (*plan.Plan, error) {
	res := signals.EvaluatePayload(p)
	th := h.Threshold
	if th == 0 {
		th = signals.DefaultThreshold
	}
	gate := res.Gate(th)

	out := plan.New(Heuristics.String(), p.URL)
	out.IsPDP = gate && res.Score >= 7 && res.StrongProduct
	score := res.Score
	out.Meta.Score = &score

	if h.Pages == nil || sc.TabID == "" {
		return out, nil
	}
	doc, err := h.Pages.Snapshot(ctx, sc.TabID)
	if err != nil {
		logger(h.Logger).Debug("strategy: heuristics snapshot failed", "tab", sc.TabID, "error", err)
		return out, nil
	}
	for key, sel := range Discover(doc) {
		out.Fields[key] = plan.Field{Selector: sel, HTML: plan.IsHTMLField(key)}
	}
	fillOriginals(out, doc)
	return out, nil
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

var (
	titleSelector = cascadia.MustCompile(`h1, h2, [itemprop="name"], [data-test*="title"], [data-qa*="title"]`)
	descSelector  = cascadia.MustCompile(`[itemprop="description"], .product-description, .product__description, #description, #descripcion`)
	blockSelector = cascadia.MustCompile(`p, div, section, ul`)
	headSelector  = cascadia.MustCompile(`h1, h2, h3, h4, h5, summary, button`)
	trigSelector  = cascadia.MustCompile(`h1, h2, h3, h4, h5, button, [role="tab"], a, summary, [aria-controls]`)

	descHint       = regexp.MustCompile(`(description|descripci|about|details|overview|specifications)`)
	strongHeading  = regexp.MustCompile(`(?i)(about\s+this\s+item|product\s+details|key\s+features)`)
	weakHeading    = regexp.MustCompile(`(?i)(description|details|about|product|overview|specifications)|(descripci[oó]n|detalles|acerca|resumen|caracter[ií]sticas|especificaciones)`)
	sectionHeading = regexp.MustCompile(`(?i)(about\s+this\s+item|product\s+details|key\s+features|overview|specifications)`)
	headingTag     = regexp.MustCompile(`(?i)^(h[1-6]|summary|button)$`)
	decorTag       = regexp.MustCompile(`(?i)^(svg|img|picture)$`)
	panelClass     = regexp.MustCompile(`(?i)panel|content|section|tab|accordion`)
	footerClass    = regexp.MustCompile(`\bfooter\b`)
)

// policy keyword sets for shipping and returns panels.
type policyKeywords struct {
	trigger, core, extra, idHint *regexp.Regexp
}

var policies = map[string]policyKeywords{
	plan.FieldShipping: {
		trigger: regexp.MustCompile(`(?i)shipping|env[ií]o|envios|delivery|entrega|despacho`),
		core:    regexp.MustCompile(`(?i)(shipping|env[ií]o|envios|delivery|entrega|despacho)`),
		extra:   regexp.MustCompile(`(?i)(free|gratis|cost|costo|precio|fee|tarifa|times?|tiempo|d[ií]as|days|method|m[eé]todo|carrier|courier|polic[yí]a|pol[ií]tica)`),
		idHint:  regexp.MustCompile(`(?i)(ship|envio|delivery|entrega|despacho)`),
	},
	plan.FieldReturns: {
		trigger: regexp.MustCompile(`(?i)returns?|devoluci[oó]n(?:es)?|cambios?|reembolsos?`),
		core:    regexp.MustCompile(`(?i)(returns?|devoluci[oó]n(?:es)?|cambios?|reembolsos?)`),
		extra:   regexp.MustCompile(`(?i)(policy|pol[ií]tica|period|plazo|days|d[ií]as|refund|exchange|replace|cambio|reembolso)`),
		idHint:  regexp.MustCompile(`(?i)(return|devolu|reembolso|cambio)`),
	},
}

// minPanelScore is the score a policy panel needs to be kept.
const minPanelScore = 4

// Discover finds title, description, shipping and returns nodes on doc
// and returns a stable selector for each one found.
func Discover(doc *goquery.Document) map[string]string {
	out := map[string]string{}

	title := doc.FindMatcher(titleSelector).First()
	if title.Length() > 0 && match.Visible(title) {
		out[plan.FieldTitle] = match.StableSelector(title)
	} else {
		title = nil
	}

	if desc := discoverDescription(doc, title); desc != nil {
		out[plan.FieldDescription] = match.StableSelector(desc)
	}
	for _, key := range []string{plan.FieldShipping, plan.FieldReturns} {
		if panel := discoverPolicy(doc, policies[key]); panel != nil {
			out[key] = match.StableSelector(panel)
		}
	}
	return out
}

func discoverDescription(doc *goquery.Document, title *goquery.Selection) *goquery.Selection {
	// Explicit description containers, or anything whose id or class hints at one.
	var cands []*goquery.Selection
	doc.FindMatcher(descSelector).Each(func(_ int, s *goquery.Selection) { cands = append(cands, s) })
	doc.Find("[id], [class]").Each(func(_ int, s *goquery.Selection) {
		idc := strings.ToLower(s.AttrOr("id", "") + " " + s.AttrOr("class", ""))
		if descHint.MatchString(idc) {
			cands = append(cands, s)
		}
	})
	if best := longestVisible(cands); best != nil {
		return best
	}

	// A long block near the title, preferably under a descriptive heading.
	if title != nil {
		scope := title.Closest("section, main, article")
		if scope.Length() == 0 {
			scope = doc.Find("body")
		}
		var best *goquery.Selection
		bestScore := 0
		scope.FindMatcher(blockSelector).Each(func(_ int, b *goquery.Selection) {
			if !match.Visible(b) {
				return
			}
			isList := goquery.NodeName(b) == "ul"
			n := len([]rune(text(b)))
			if !(isList && b.Find("li").Length() >= 3) && n < 120 {
				return
			}
			bonus := headingHint(b)
			s := n + bonus*200
			if isList && bonus >= 3 {
				s += 400
			}
			if s > bestScore {
				best, bestScore = b, s
			}
		})
		if best != nil {
			return best
		}
	}

	// The block right after an "About this item" style heading.
	var found *goquery.Selection
	doc.FindMatcher(headSelector).EachWithBreak(func(_ int, h *goquery.Selection) bool {
		if !sectionHeading.MatchString(strings.ToLower(text(h))) {
			return true
		}
		sib := skipDecor(h.Next())
		if sib.Length() > 0 && match.Visible(sib) {
			found = sib
		}
		return false
	})
	return found
}

// headingHint scores the nearest preceding heading-like sibling, up to four
// siblings back.
func headingHint(b *goquery.Selection) int {
	prev := b.Prev()
	for hops := 0; prev.Length() > 0 && hops < 4; hops++ {
		if headingTag.MatchString(goquery.NodeName(prev)) {
			t := strings.ToLower(text(prev))
			if strongHeading.MatchString(t) {
				return 5
			}
			if weakHeading.MatchString(t) {
				return 3
			}
		}
		prev = prev.Prev()
	}
	return 0
}

func discoverPolicy(doc *goquery.Document, kw policyKeywords) *goquery.Selection {
	var best *goquery.Selection
	bestScore := -1
	doc.FindMatcher(trigSelector).Each(func(_ int, tr *goquery.Selection) {
		if !kw.trigger.MatchString(text(tr)) || inChrome(tr) {
			return
		}
		panel := panelFor(doc, tr)
		if sc := scorePanel(panel, kw); sc > bestScore {
			best, bestScore = panel, sc
		}
	})
	if best == nil || bestScore < minPanelScore {
		return nil
	}
	return best
}

// panelFor finds the content panel a trigger controls: aria-controls, the
// next non-decorative sibling, or a panel-like ancestor.
func panelFor(doc *goquery.Document, tr *goquery.Selection) *goquery.Selection {
	if id := tr.AttrOr("aria-controls", ""); id != "" {
		var p *goquery.Selection
		doc.Find("[id]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if s.AttrOr("id", "") == id {
				p = s
				return false
			}
			return true
		})
		if p != nil {
			return p
		}
	}
	if sib := skipDecor(tr.Next()); sib.Length() > 0 {
		return sib
	}
	par := tr.Parent()
	for i := 0; par.Length() > 0 && i < 4; i++ {
		if panelClass.MatchString(par.AttrOr("class", "")) {
			return par
		}
		par = par.Parent()
	}
	return nil
}

func scorePanel(el *goquery.Selection, kw policyKeywords) int {
	if el == nil || el.Length() == 0 || !match.Visible(el) || inChrome(el) {
		return -1
	}
	t := strings.ToLower(text(el))
	n := len([]rune(t))
	if n < 60 {
		return -1
	}
	score := 0
	if kw.core.MatchString(t) {
		score += 3
	}
	if kw.extra.MatchString(t) {
		score += 2
	}
	if kw.idHint.MatchString(el.AttrOr("id", "") + " " + el.AttrOr("class", "")) {
		score += 2
	}
	score += min(3, n/400)
	return score
}

// inChrome reports whether el sits in page chrome (header, nav, footer)
// within six levels.
func inChrome(el *goquery.Selection) bool {
	n := el.Get(0)
	for i := 0; n != nil && i < 6; i, n = i+1, n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		switch n.Data {
		case "footer", "nav", "header":
			return true
		}
		for _, a := range n.Attr {
			if a.Key == "role" && a.Val == "navigation" {
				return true
			}
			if a.Key == "class" && footerClass.MatchString(strings.ToLower(a.Val)) {
				return true
			}
		}
	}
	return false
}

func skipDecor(s *goquery.Selection) *goquery.Selection {
	for s.Length() > 0 && decorTag.MatchString(goquery.NodeName(s)) {
		s = s.Next()
	}
	return s
}

func longestVisible(nodes []*goquery.Selection) *goquery.Selection {
	var best *goquery.Selection
	bestLen := 0
	for _, s := range nodes {
		if !match.Visible(s) {
			continue
		}
		if n := len([]rune(text(s))); n > bestLen {
			best, bestLen = s, n
		}
	}
	return best
}

func text(s *goquery.Selection) string {
	return strings.TrimSpace(s.Text())
}

// findFirst resolves sel to its first match, reporting invalid selectors.
func findFirst(doc *goquery.Document, sel string) (*goquery.Selection, error) {
	m, err := cascadia.Compile(sel)
	if err != nil {
		return nil, err
	}
	return doc.FindMatcher(m).First(), nil
}
