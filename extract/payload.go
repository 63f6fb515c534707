// CLAUDE:SUMMARY Payload builder: title, og/twitter meta, lenient JSON-LD, BCP 47 language and a reduced body excerpt from raw page HTML.
// Package extract builds strategy payloads from page markup.
//
// The pipeline: raw HTML → parse → read head metadata and JSON-LD →
// reduce the body (drop non-content elements, comments, attributes and
// empty leaves) → render a bounded excerpt.
package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/text/language"

	"github.com/hazyhaar/pdpatch/plan"
)

// DefaultLanguage is used when the page declares no valid language.
const DefaultLanguage = "en"

// MetaKeys are the meta properties copied into the payload.
var MetaKeys = []string{
	"og:title", "og:description", "og:type",
	"twitter:title", "twitter:description",
	"product:price:amount", "og:price:amount",
}

// Options controls payload building.
type Options struct {
	// MaxExcerpt bounds the excerpt in bytes. Default: 120000.
	MaxExcerpt int
}

func (o *Options) defaults() {
	if o.MaxExcerpt <= 0 {
		o.MaxExcerpt = 120_000
	}
}

// Build parses rawHTML and builds the payload for pageURL.
func Build(rawHTML []byte, pageURL string, opts Options) (*plan.Payload, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("extract: parse HTML: %w", err)
	}
	return FromDocument(doc, pageURL, opts), nil
}

// FromDocument builds the payload from an already parsed document. The
// document's body is reduced in place.
func FromDocument(doc *goquery.Document, pageURL string, opts Options) *plan.Payload {
	opts.defaults()
	p := &plan.Payload{
		URL:      pageURL,
		Meta:     readMeta(doc),
		Language: Language(doc.Find("html").AttrOr("lang", "")),
	}

	p.Title = CleanText(doc.Find("head title").First().Text())
	if p.Title == "" {
		p.Title = firstNonEmpty(p.Meta["og:title"], p.Meta["twitter:title"])
	}

	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		if v, err := ParseJSONLD(s.Text()); err == nil {
			p.JSONLD = append(p.JSONLD, v)
		}
	})

	if body := doc.Find("body").Get(0); body != nil {
		reduce(body)
		p.HTMLExcerpt = truncate(renderChildren(body), opts.MaxExcerpt)
	}
	return p
}

// Language normalises an html lang attribute to a BCP 47 tag.
func Language(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return DefaultLanguage
	}
	tag, err := language.Parse(lang)
	if err != nil || tag == language.Und {
		return DefaultLanguage
	}
	return tag.String()
}

func readMeta(doc *goquery.Document) map[string]string {
	out := map[string]string{}
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		name := strings.ToLower(s.AttrOr("property", s.AttrOr("name", "")))
		if name == "" || out[name] != "" {
			return
		}
		for _, k := range MetaKeys {
			if k == name {
				if v := CleanText(s.AttrOr("content", "")); v != "" {
					out[name] = v
				}
				return
			}
		}
	})
	return out
}

// dropTags never carry product copy.
var dropTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"iframe": true, "object": true, "embed": true, "svg": true,
	"canvas": true, "picture": true, "source": true,
}

// keepEmpty are void elements that stay even without children.
var keepEmpty = map[string]bool{"br": true, "hr": true}

// reduce strips n's subtree down to content markup.
func reduce(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch c.Type {
		case html.CommentNode:
			n.RemoveChild(c)
		case html.TextNode:
			if strings.TrimSpace(c.Data) == "" {
				n.RemoveChild(c)
			} else {
				c.Data = collapseWhitespace(c.Data)
			}
		case html.ElementNode:
			if dropTags[c.Data] {
				n.RemoveChild(c)
				break
			}
			c.Attr = keepAttrs(c.Attr)
			reduce(c)
			if c.FirstChild == nil && !keepEmpty[c.Data] {
				n.RemoveChild(c)
			}
		default:
			n.RemoveChild(c)
		}
		c = next
	}
}

func keepAttrs(attrs []html.Attribute) []html.Attribute {
	out := attrs[:0]
	for _, a := range attrs {
		if a.Namespace == "" && (a.Key == "id" || a.Key == "class") {
			out = append(out, a)
		}
	}
	return out
}

func renderChildren(n *html.Node) string {
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		html.Render(&buf, c)
	}
	return buf.String()
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func decodeJSON(raw string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
