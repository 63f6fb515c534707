// CLAUDE:SUMMARY Heuristic PDP classifier: scores (url, html excerpt) evidence, vendor profiles, structured data, CTA and list-page density.
// Package signals scores page evidence for "product detail page" likelihood.
//
// Evaluate is pure and deterministic. It never fails: malformed input only
// yields a low score. Callers use Result.Gate to decide whether an expensive
// strategy is worth running.
package signals

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/hazyhaar/pdpatch/plan"
)

// DefaultThreshold is the score at or below which costly strategies are
// skipped unless the evidence is strong.
const DefaultThreshold = 10

// maxHTML bounds the markup scanned by Evaluate.
const maxHTML = 320_000

// defaultAntiCap is the anti ceiling used when no vendor profile matched.
const defaultAntiCap = 6

// Result is the classifier output. Signals lists the evidence that moved the
// score, in evaluation order, for debugging and reports.
type Result struct {
	Score         int      `json:"score"`
	StrongProduct bool     `json:"strong_product"`
	Vendor        string   `json:"vendor,omitempty"`
	Signals       []string `json:"signals,omitempty"`
}

// Gate reports whether a costly strategy should run for this result.
func (r Result) Gate(threshold int) bool {
	return r.Score > threshold || r.StrongProduct
}

var (
	routeKeyword  = regexp.MustCompile(`(?i)\b(cart|checkout|basket|account|orders?|login|register|help|support|search|wishlist)\b`)
	categoryPath  = regexp.MustCompile(`(?i)\b(collections?|categories?|category|catalog|tienda|shop|brand|tags?|list|offers?)\b`)
	refPath       = regexp.MustCompile(`^/ref=`)
	jsonldProduct = regexp.MustCompile(`(?i)"@type"\s*:\s*"Product"`)
	jsonldList    = regexp.MustCompile(`(?i)"@type"\s*:\s*"(ItemList|CollectionPage)"`)
	jsonldOffer   = regexp.MustCompile(`(?i)"@type"\s*:\s*"Offer"|"offers"\s*:\s*\{[^}]*"@type"\s*:\s*"Offer"`)
	jsonldRating  = regexp.MustCompile(`(?i)"@type"\s*:\s*"AggregateRating"`)
	ogProduct     = regexp.MustCompile(`(?i)property="og:type"[^>]*content="product(\.group)?"`)
	microdata     = regexp.MustCompile(`(?i)itemtype\s*=\s*"[^"]*schema\.org/Product`)
	priceMeta     = regexp.MustCompile(`(?i)property="(product:price:amount|og:price:amount)"`)
	h1Open        = regexp.MustCompile(`(?i)<h1\b[^>]*>`)
	headline      = regexp.MustCompile(`(?i)(<h1[\s>]|itemprop="name"|data-(test|qa)[^>]*title|aria-label="[^"]{5,200}")`)
	skuToken      = regexp.MustCompile(`(?i)\b(sku|mpn|model|ref\.?)\s*[:#\-\s]|itemprop="sku"`)
	variants      = regexp.MustCompile(`(?i)(select[^>]+name="[^"]*(size|color)\b|aria-label="[^"]*\b(Size|Color)\b|id=["']?twister)`)
	ctaCommon     = regexp.MustCompile(`(?i)\b(add to (cart|bag)|buy now|comprar(?: ahora| ya)?|añadir al (carrito|cesta|bolsa)|agregar al (carrito|cesta|bolsa))\b`)
	ctaVendorIDs  = regexp.MustCompile(`(?i)\b(add-to-cart-button|buy-now-button|isCartBtn_btn|binBtn_btn|atcRedesignId_btn)\b`)
	priceToken    = regexp.MustCompile(`(?i)(?:[$€£]\s?\d[\d.,]*)|(?:\b\d[\d.,]*\s?(?:USD|EUR|GBP)\b)`)
	cardHint      = regexp.MustCompile(`(?i)(data-product-card|class="[^"]*\b(product-card|grid__item|product-tile)\b|data-sku=)`)
	thumbHint     = regexp.MustCompile(`(?i)class="[^"]*\b(product(-)?image|thumb|thumbnail)\b`)
	facets        = regexp.MustCompile(`(?i)(data-facet|class="[^"]*\b(facet|filters)\b|aria-label="[^"]*\bFilter\b)`)
	pagination    = regexp.MustCompile(`(?i)class="[^"]*\bpagination\b|aria-label="[^"]*\bPagination\b`)
	sortBy        = regexp.MustCompile(`(?i)\bSort\s+by\b|aria-label="[^"]*\bSort\b|id=["']?s-result-sort`)
	relPager      = regexp.MustCompile(`(?i)<link[^>]+rel="(next|prev)"`)
	reviewCount   = regexp.MustCompile(`(?i)\b\d{1,4}\s*(reviews?|reseñas)\b|itemprop="reviewCount"`)
)

// evaluation accumulates positives and anti-signals for one call.
type evaluation struct {
	score   int
	anti    int
	strong  bool
	signals []string
}

func (e *evaluation) add(n int, why string) {
	e.score += n
	e.signals = append(e.signals, fmt.Sprintf("+%d %s", n, why))
}

func (e *evaluation) penalize(n int, why string) {
	e.anti += n
	e.signals = append(e.signals, fmt.Sprintf("-%d %s", n, why))
}

// Evaluate scores rawURL and an HTML excerpt for PDP likelihood.
func Evaluate(rawURL, html string) Result {
	if len(html) > maxHTML {
		html = html[:maxHTML]
	}

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return Result{Score: -10, Signals: []string{"unparseable url"}}
	}
	host, path := u.Hostname(), u.EscapedPath()
	if path == "" || path == "/" {
		return Result{Score: -10, Signals: []string{"root path"}}
	}
	if refPath.MatchString(path) {
		return Result{Score: -8, Signals: []string{"ref path"}}
	}
	if routeKeyword.MatchString(path + "?" + u.RawQuery) {
		return Result{Score: -10, Signals: []string{"non-product route"}}
	}

	e := &evaluation{}
	if categoryPath.MatchString(path) {
		e.penalize(2, "category-ish path")
	}

	vendor := matchVendor(host, path, html)
	if vendor != nil {
		e.add(vendor.Boost, "vendor "+vendor.Name)
		e.strong = true
		if vendor.BuyBox != nil && vendor.BuyBox.MatchString(html) {
			e.add(2, "vendor buy box")
		}
		if vendor.Extra != nil && vendor.Extra.MatchString(html) {
			e.add(1, "vendor extra marker")
		}
		e.anti = max(0, e.anti-2)
	}

	// Structured data and meta.
	products := len(jsonldProduct.FindAllStringIndex(html, -1))
	hasOffer := jsonldOffer.MatchString(html)
	hasRating := jsonldRating.MatchString(html)
	hasPriceMeta := priceMeta.MatchString(html)

	if products == 1 {
		e.add(3, "single Product JSON-LD")
		e.strong = true
	}
	if products > 1 && vendor == nil {
		e.penalize(clamp(products-1, 1, 4), "multiple Product JSON-LD")
	}
	if jsonldList.MatchString(html) && (vendor == nil || !vendor.hostBound()) {
		e.penalize(3, "ItemList/CollectionPage")
	}
	if hasOffer {
		e.add(2, "Offer")
	}
	if hasRating {
		e.add(2, "AggregateRating")
	}
	if ogProduct.MatchString(html) {
		e.add(2, "og:type product")
		e.strong = true
	}
	if microdata.MatchString(html) {
		e.add(2, "microdata Product")
		e.strong = true
	}
	if hasPriceMeta {
		e.add(1, "price meta")
	}

	// Headline.
	h1s := len(h1Open.FindAllStringIndex(html, -1))
	if h1s == 1 {
		e.add(1, "single h1")
	} else if h1s >= 3 {
		e.penalize(2, "many h1")
	}
	hasHeadline := headline.MatchString(html)

	// SKU and variants.
	hasSKU := skuToken.MatchString(html)
	hasVariants := variants.MatchString(html)
	if hasSKU {
		e.add(2, "sku/mpn/model")
	}
	if hasVariants {
		e.add(2, "variants")
	}

	// Calls to action. Vendor pages are expected to be dense.
	ctas := len(ctaCommon.FindAllStringIndex(html, -1)) + len(ctaVendorIDs.FindAllStringIndex(html, -1))
	if ctas > 0 {
		e.add(2, "call to action")
	}
	if vendor == nil {
		if ctas >= 3 {
			e.penalize(2, "cta density")
		}
		if ctas >= 8 {
			e.penalize(2, "cta density extreme")
		}
	}

	// Grid density, penalized only when list-page markers gate it.
	prices := len(priceToken.FindAllStringIndex(html, -1))
	cards := len(cardHint.FindAllStringIndex(html, -1))
	thumbs := len(thumbHint.FindAllStringIndex(html, -1))
	listPage := (facets.MatchString(html) || pagination.MatchString(html) || sortBy.MatchString(html)) && vendor == nil
	density := cards + thumbs + prices/12
	switch {
	case listPage && (cards >= 6 || prices >= 28 || density >= 12):
		e.penalize(4, "list density (gated)")
	case !listPage && vendor == nil && cards >= 20 && prices >= 60:
		e.penalize(2, "extreme density (ungated)")
	}

	if relPager.MatchString(html) && (vendor == nil || !vendor.QuietPager) {
		e.penalize(2, "rel next/prev")
	}

	// Weak positives.
	shipping, returns := policyKeywords.scan(html)
	if shipping {
		e.add(1, "shipping keywords")
	}
	if returns {
		e.add(1, "returns keywords")
	}
	hasPrice := prices > 0 || hasPriceMeta
	if hasHeadline && hasPrice {
		e.add(2, "headline+price")
	}
	if reviewCount.MatchString(html) {
		e.add(1, "review count")
	}

	ceiling := defaultAntiCap
	if vendor != nil {
		ceiling = vendor.AntiCap
		if hasPrice {
			e.anti = min(e.anti, vendor.AntiCap)
		}
	}
	if e.strong && (hasOffer || hasRating || h1s == 1) && e.anti <= ceiling {
		e.add(3, "path A")
	}
	if hasHeadline && hasPrice && (hasSKU || hasVariants) && e.anti <= ceiling-1 {
		e.add(2, "path B")
	}

	r := Result{
		Score:         e.score - e.anti,
		StrongProduct: e.strong,
		Signals:       e.signals,
	}
	if vendor != nil {
		r.Vendor = vendor.Name
	}
	return r
}

// EvaluatePayload scores a strategy payload. Meta tags and JSON-LD blocks are
// re-serialized next to the excerpt, since reduced excerpts drop head markup.
func EvaluatePayload(p *plan.Payload) Result {
	if p == nil {
		return Evaluate("", "")
	}
	var b strings.Builder
	for _, name := range slices.Sorted(maps.Keys(p.Meta)) {
		fmt.Fprintf(&b, "<meta property=%q content=%q>\n", name, p.Meta[name])
	}
	for _, block := range p.JSONLD {
		raw, err := json.Marshal(block)
		if err != nil {
			continue
		}
		b.WriteString(`<script type="application/ld+json">`)
		b.Write(raw)
		b.WriteString("</script>\n")
	}
	b.WriteString(p.HTMLExcerpt)
	return Evaluate(p.URL, b.String())
}

func clamp(n, lo, hi int) int {
	return max(lo, min(hi, n))
}
