package signals

import (
	"strings"
	"sync"
	"testing"

	"github.com/hazyhaar/pdpatch/plan"
)

const productHTML = `<html><body>
<h1>Red Running Shoes</h1>
<script type="application/ld+json">{"@type": "Product", "name": "Red Running Shoes", "offers": {"@type": "Offer", "price": "59.00"}}</script>
<span class="price">$59.00</span>
<button>Add to cart</button>
<p>Free shipping and 30-day returns.</p>
<span>SKU: RRS-42</span>
</body></html>`

func TestEvaluate_RootPath(t *testing.T) {
	for _, html := range []string{"", productHTML, "<h1>x</h1>"} {
		got := Evaluate("https://shop.example.com/", html)
		if got.Score != -10 {
			t.Errorf("Score: got %d, want -10", got.Score)
		}
		if got.StrongProduct {
			t.Error("StrongProduct: got true, want false")
		}
	}
	if got := Evaluate("https://shop.example.com", productHTML); got.Score != -10 {
		t.Errorf("empty path: got %d, want -10", got.Score)
	}
}

func TestEvaluate_URLGuards(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want int
	}{
		{"ref path", "https://www.amazon.com/ref=nav_logo", -8},
		{"cart", "https://shop.example.com/cart", -10},
		{"checkout", "https://shop.example.com/checkout/step-1", -10},
		{"search query", "https://shop.example.com/p/shoes?search=red", -10},
		{"malformed", "::not a url::", -10},
		{"no host", "/p/shoes", -10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.url, productHTML)
			if got.Score != tt.want {
				t.Errorf("Score: got %d, want %d", got.Score, tt.want)
			}
		})
	}
}

func TestEvaluate_HostIsNotARoute(t *testing.T) {
	got := Evaluate("https://checkout.example.com/p/item", "")
	if got.Score != 0 {
		t.Errorf("Score: got %d, want 0 (host must not trigger route guard)", got.Score)
	}
}

func TestEvaluate_AmazonBuyBox(t *testing.T) {
	const u = "https://www.amazon.com/Red-Running-Shoes/dp/B000123"
	base := `<h1>Red Running Shoes</h1><span>$59.00</span>`
	with := Evaluate(u, base+`<input id="add-to-cart-button" type="submit">`)
	without := Evaluate(u, base)

	if with.Vendor != "Amazon" || without.Vendor != "Amazon" {
		t.Fatalf("Vendor: got %q/%q, want Amazon", with.Vendor, without.Vendor)
	}
	if with.Score <= without.Score {
		t.Errorf("buy box: got %d, want > %d", with.Score, without.Score)
	}
	if !with.StrongProduct || !without.StrongProduct {
		t.Error("vendor match must set StrongProduct")
	}
}

func TestEvaluate_GenericProduct(t *testing.T) {
	got := Evaluate("https://shop.example.com/p/red-running-shoes", productHTML)
	if !got.StrongProduct {
		t.Error("StrongProduct: got false, want true")
	}
	if got.Score <= DefaultThreshold {
		t.Errorf("Score: got %d, want > %d (signals: %v)", got.Score, DefaultThreshold, got.Signals)
	}
	if got.Vendor != "" {
		t.Errorf("Vendor: got %q, want none", got.Vendor)
	}
}

func TestEvaluate_ListPage(t *testing.T) {
	var b strings.Builder
	b.WriteString(`<nav class="pagination"></nav>`)
	for range 8 {
		b.WriteString(`<div class="product-card"><a>Shoe</a></div>`)
	}
	got := Evaluate("https://shop.example.com/collections/shoes", b.String())
	if got.Score >= 0 {
		t.Errorf("Score: got %d, want negative (signals: %v)", got.Score, got.Signals)
	}
	if got.Gate(DefaultThreshold) {
		t.Error("Gate: list page must not pass")
	}
}

func TestEvaluate_MultiProductSuppressedByVendor(t *testing.T) {
	html := strings.Repeat(`{"@type":"Product"}`, 4)
	generic := Evaluate("https://shop.example.com/p/item", html)
	amazon := Evaluate("https://www.amazon.com/x/dp/B01", html)

	for _, s := range amazon.Signals {
		if strings.Contains(s, "multiple Product") {
			t.Errorf("vendor page penalized for related products: %v", amazon.Signals)
		}
	}
	if generic.Score >= 0 {
		t.Errorf("generic multi-product: got %d, want negative", generic.Score)
	}
}

func TestEvaluate_Shopify(t *testing.T) {
	const u = "https://store.example.org/products/red-shoes"
	plain := Evaluate(u, `<h1>Red shoes</h1>`)
	if plain.Vendor != "" {
		t.Errorf("no fingerprint: got vendor %q", plain.Vendor)
	}
	fp := Evaluate(u, `<script src="https://cdn.shopify.com/s/app.js"></script><h1>Red shoes</h1>`)
	if fp.Vendor != "Shopify" {
		t.Errorf("fingerprint: got vendor %q, want Shopify", fp.Vendor)
	}
}

func TestEvaluate_Truncates(t *testing.T) {
	huge := strings.Repeat("x", maxHTML) + `<script type="application/ld+json">{"@type":"Product"}</script>`
	got := Evaluate("https://shop.example.com/p/item", huge)
	if got.StrongProduct {
		t.Error("evidence past the scan limit must be ignored")
	}
}

func TestEvaluatePayload_HeadEvidence(t *testing.T) {
	p := &plan.Payload{
		URL:         "https://shop.example.com/p/item",
		Meta:        map[string]string{"og:type": "product"},
		HTMLExcerpt: "<h1>Item</h1>",
		JSONLD:      []any{map[string]any{"@type": "Product", "name": "Item"}},
	}
	got := EvaluatePayload(p)
	if !got.StrongProduct {
		t.Errorf("StrongProduct: got false, want true (signals: %v)", got.Signals)
	}
	if got.Score <= 0 {
		t.Errorf("Score: got %d, want positive", got.Score)
	}
	if EvaluatePayload(nil).Score != -10 {
		t.Error("nil payload must score -10")
	}
}

func TestResult_Gate(t *testing.T) {
	tests := []struct {
		r    Result
		want bool
	}{
		{Result{Score: 10}, false},
		{Result{Score: 11}, true},
		{Result{Score: -3, StrongProduct: true}, true},
	}
	for _, tt := range tests {
		if got := tt.r.Gate(10); got != tt.want {
			t.Errorf("Gate(%+v): got %v, want %v", tt.r, got, tt.want)
		}
	}
}

func TestEvaluate_Parallel(t *testing.T) {
	want := Evaluate("https://shop.example.com/p/red-running-shoes", productHTML)
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := Evaluate("https://shop.example.com/p/red-running-shoes", productHTML)
			if got.Score != want.Score {
				t.Errorf("Score: got %d, want %d", got.Score, want.Score)
			}
		}()
	}
	wg.Wait()
}
