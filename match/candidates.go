package match

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// CandidateTags is the allowlist of text-bearing elements considered.
var CandidateTags = []string{"h1", "h2", "h3", "p", "div", "span", "li", "dd", "dt", "strong", "em"}

// minCandidateText drops near-empty nodes.
const minCandidateText = 2

// Candidate is a visible text-bearing node. Selector may be preset (for
// candidates coming from a live page); otherwise it is computed from Node.
type Candidate struct {
	Node     *goquery.Selection
	Text     string
	Selector string
}

func (c Candidate) selector() string {
	if c.Selector != "" {
		return c.Selector
	}
	if c.Node == nil || c.Node.Length() == 0 {
		return ""
	}
	return StableSelector(c.Node)
}

// Candidates returns the visible allowlisted nodes of doc in document order.
func Candidates(doc *goquery.Document) []Candidate {
	var out []Candidate
	doc.Find(strings.Join(CandidateTags, ",")).Each(func(_ int, s *goquery.Selection) {
		if !Visible(s) {
			return
		}
		text := strings.TrimSpace(s.Text())
		if len([]rune(text)) < minCandidateText {
			return
		}
		out = append(out, Candidate{Node: s, Text: text})
	})
	return out
}

// Visible approximates computed visibility on a static tree: the node and
// its ancestors must not be hidden by attribute or inline style, and must
// not sit inside non-rendered containers.
func Visible(s *goquery.Selection) bool {
	for n := s.Get(0); n != nil; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		switch n.Data {
		case "head", "script", "style", "template", "noscript":
			return false
		}
		for _, a := range n.Attr {
			switch strings.ToLower(a.Key) {
			case "hidden":
				return false
			case "aria-hidden":
				if strings.EqualFold(a.Val, "true") {
					return false
				}
			case "style":
				if hiddenStyle(a.Val) {
					return false
				}
			}
		}
	}
	return true
}

func hiddenStyle(style string) bool {
	compact := strings.ToLower(strings.Join(strings.Fields(style), ""))
	for _, decl := range strings.Split(compact, ";") {
		switch strings.TrimSuffix(decl, "!important") {
		case "display:none", "visibility:hidden", "opacity:0", "opacity:0.0":
			return true
		}
	}
	return false
}
