package signals

import (
	"strings"
	"sync"

	ahocorasick "github.com/cloudflare/ahocorasick"
)

// Weak policy keywords (EN + ES). Presence only, so a single Aho-Corasick
// pass over the lower-cased markup answers both questions.
var (
	shippingKeywords = []string{"shipping", "envio", "envío", "delivery", "entrega", "despacho"}
	returnsKeywords  = []string{"return", "devolucion", "devolución", "cambio", "reembolso"}
)

type keywordIndex struct {
	mu       sync.Mutex // Matcher.Match mutates per-call dedup state
	matcher  *ahocorasick.Matcher
	shipping int // dictionary indexes [0, shipping) are shipping keywords
}

var policyKeywords = newKeywordIndex()

func newKeywordIndex() *keywordIndex {
	dict := make([]string, 0, len(shippingKeywords)+len(returnsKeywords))
	dict = append(dict, shippingKeywords...)
	dict = append(dict, returnsKeywords...)
	return &keywordIndex{
		matcher:  ahocorasick.NewStringMatcher(dict),
		shipping: len(shippingKeywords),
	}
}

// scan reports whether shipping and returns vocabulary appear in text.
func (k *keywordIndex) scan(text string) (shipping, returns bool) {
	k.mu.Lock()
	hits := k.matcher.Match([]byte(strings.ToLower(text)))
	k.mu.Unlock()
	for _, hit := range hits {
		if hit < k.shipping {
			shipping = true
		} else {
			returns = true
		}
	}
	return shipping, returns
}
