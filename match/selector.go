package match

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// maxChainDepth bounds the ancestor chain of a structural selector.
const maxChainDepth = 5

// maxChainClasses is the class count above which classes are left out of a
// chain segment (utility-class soups are not stable).
const maxChainClasses = 3

// dataAttrs are the data attributes tried, in order, before any other data-*.
var dataAttrs = []string{"data-testid", "data-test", "data-qa", "data-automation-id", "data-product-id", "data-id"}

// StableSelector builds a best-effort selector for the first node of s:
// a unique id, else a unique data attribute, else an ancestor chain of
// tag, classes and nth-of-type capped at five levels. The result is not
// guaranteed to match a single node; appliers use the first match.
func StableSelector(s *goquery.Selection) string {
	n := s.Get(0)
	if n == nil || n.Type != html.ElementNode {
		return ""
	}
	root := rootOf(n)

	if id := attr(n, "id"); id != "" {
		sel := "#" + CSSEscape(id)
		if unique(root, sel) {
			return sel
		}
	}
	if sel := dataSelector(n); sel != "" && unique(root, sel) {
		return sel
	}
	return chainSelector(n)
}

func dataSelector(n *html.Node) string {
	for _, name := range dataAttrs {
		if v := attr(n, name); v != "" {
			return fmt.Sprintf("%s[%s=%s]", n.Data, name, quoteAttr(v))
		}
	}
	for _, a := range n.Attr {
		if strings.HasPrefix(a.Key, "data-") && a.Val != "" && len(a.Val) <= 64 {
			return fmt.Sprintf("%s[%s=%s]", n.Data, CSSEscape(a.Key), quoteAttr(a.Val))
		}
	}
	return ""
}

func chainSelector(n *html.Node) string {
	var parts []string
	for el := n; el != nil && el.Type == html.ElementNode && len(parts) < maxChainDepth; el = el.Parent {
		// An ancestor id anchors the chain.
		if el != n {
			if id := attr(el, "id"); id != "" {
				parts = append(parts, "#"+CSSEscape(id))
				break
			}
		}
		parts = append(parts, segment(el))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

func segment(el *html.Node) string {
	var b strings.Builder
	b.WriteString(el.Data)
	if classes := strings.Fields(attr(el, "class")); len(classes) > 0 && len(classes) <= maxChainClasses {
		for _, c := range classes {
			b.WriteByte('.')
			b.WriteString(CSSEscape(c))
		}
	}
	if p := el.Parent; p != nil {
		index, same := 0, 0
		for c := p.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode || c.Data != el.Data {
				continue
			}
			same++
			if c == el {
				index = same
			}
		}
		if same > 1 {
			b.WriteString(":nth-of-type(")
			b.WriteString(strconv.Itoa(index))
			b.WriteByte(')')
		}
	}
	return b.String()
}

func rootOf(n *html.Node) *html.Node {
	for n.Parent != nil {
		n = n.Parent
	}
	return n
}

func unique(root *html.Node, sel string) bool {
	return goquery.NewDocumentFromNode(root).Find(sel).Length() == 1
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func quoteAttr(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\a `)
	return `"` + r.Replace(v) + `"`
}

// CSSEscape escapes an identifier for use in a selector, following the
// CSSOM serialize-an-identifier rules.
func CSSEscape(ident string) string {
	var b strings.Builder
	runes := []rune(ident)
	for i, r := range runes {
		switch {
		case r == 0:
			b.WriteRune('�')
		case (r >= 0x1 && r <= 0x1f) || r == 0x7f,
			i == 0 && r >= '0' && r <= '9',
			i == 1 && r >= '0' && r <= '9' && runes[0] == '-':
			fmt.Fprintf(&b, `\%x `, r)
		case i == 0 && r == '-' && len(runes) == 1:
			b.WriteString(`\-`)
		case r >= 0x80 || r == '-' || r == '_' ||
			(r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			b.WriteRune(r)
		default:
			b.WriteByte('\\')
			b.WriteRune(r)
		}
	}
	return b.String()
}
