package signals

import "regexp"

// Vendor is a known storefront fingerprint. A profile matches when its host
// pattern (if any) matches the hostname, its PDP path pattern matches the
// path, and its fingerprint (if any) is present in the markup.
type Vendor struct {
	Name        string
	Host        *regexp.Regexp // nil = host-agnostic, Fingerprint required
	PDPPath     *regexp.Regexp
	Fingerprint *regexp.Regexp
	BuyBox      *regexp.Regexp
	Extra       *regexp.Regexp
	Boost       int
	AntiCap     int
	// QuietPager suppresses the rel=next/prev penalty: these storefronts
	// paginate reviews and recommendations on product pages.
	QuietPager bool
}

// hostBound reports whether the profile is tied to a specific storefront.
func (v *Vendor) hostBound() bool { return v.Host != nil }

// Vendors is the ordered profile table. First match wins.
var Vendors = []*Vendor{
	{
		Name:       "Amazon",
		Host:       regexp.MustCompile(`(?i)(^|\.)amazon\.`),
		PDPPath:    regexp.MustCompile(`(?i)/(dp|gp/product)/`),
		BuyBox:     regexp.MustCompile(`(?i)\b(add-to-cart-button|buy-now-button|buybox|data-feature-name=["']?(buybox|addToCart)|id=["']?twister)\b`),
		Boost:      3,
		AntiCap:    5,
		QuietPager: true,
	},
	{
		Name:       "eBay",
		Host:       regexp.MustCompile(`(?i)(^|\.)ebay\.`),
		PDPPath:    regexp.MustCompile(`(?i)/itm(/|$)`),
		BuyBox:     regexp.MustCompile(`(?i)\b(id|name)=["']?(isCartBtn_btn|binBtn_btn|atcRedesignId_btn|vi_.*?(Cart|Bin)|isCartBtn)\b`),
		Extra:      regexp.MustCompile(`(?i)\baria-label=["']?(Add to cart|Buy it now)`),
		Boost:      3,
		AntiCap:    5,
		QuietPager: true,
	},
	{
		Name:    "Walmart",
		Host:    regexp.MustCompile(`(?i)(^|\.)walmart\.`),
		PDPPath: regexp.MustCompile(`(?i)/ip/|/seller/|/product/|/browse/product`),
		BuyBox:  regexp.MustCompile(`(?i)\b(data-automation-id|id)=["']?(add-to-cart|cta-button|buybox|add-to-cart-button)\b`),
		Extra:   regexp.MustCompile(`(?i)\bitemprop=["']?sku\b`),
		Boost:   2,
		AntiCap: 6,
	},
	{
		Name:    "Target",
		Host:    regexp.MustCompile(`(?i)(^|\.)target\.`),
		PDPPath: regexp.MustCompile(`(?i)/p/|/product/`),
		BuyBox:  regexp.MustCompile(`(?i)\bdata-test=["']?(addToCartButton|addToCart|buyNowButton)\b`),
		Extra:   regexp.MustCompile(`(?i)\bitemprop=["']?(sku|brand|name)\b`),
		Boost:   2,
		AntiCap: 6,
	},
	{
		Name:    "BestBuy",
		Host:    regexp.MustCompile(`(?i)(^|\.)bestbuy\.`),
		PDPPath: regexp.MustCompile(`(?i)/site/.+/\d+\.p`),
		BuyBox:  regexp.MustCompile(`(?i)\bdata-sku-id=|\bclass=["'][^"']*\badd-to-cart-button\b`),
		Boost:   2,
		AntiCap: 6,
	},
	{
		Name:    "MercadoLibre",
		Host:    regexp.MustCompile(`(?i)(^|\.)mercadolibre\.`),
		PDPPath: regexp.MustCompile(`(?i)/p/|/item/|/ML[A-Z]-\d+`),
		BuyBox:  regexp.MustCompile(`(?i)\b(id|data-testid)=["']?(buy-now|add-to-cart|vip-buy-box|vip-action-primary)\b`),
		Extra:   regexp.MustCompile(`(?i)\bitemprop=["']?(sku|brand|name)\b`),
		Boost:   2,
		AntiCap: 6,
	},
	{
		Name:    "AliExpress",
		Host:    regexp.MustCompile(`(?i)(^|\.)aliexpress\.`),
		PDPPath: regexp.MustCompile(`(?i)/item/|/i/\d+.html`),
		BuyBox:  regexp.MustCompile(`(?i)\b(add-to-cart|buy-now|product-buy|buy-now-btn)\b`),
		Boost:   2,
		AntiCap: 6,
	},
	{
		Name:    "Etsy",
		Host:    regexp.MustCompile(`(?i)(^|\.)etsy\.`),
		PDPPath: regexp.MustCompile(`(?i)/listing/\d+`),
		BuyBox:  regexp.MustCompile(`(?i)\b(add-to-cart|add-to-basket|buy-it-now|data-buy-box)\b`),
		Extra:   regexp.MustCompile(`(?i)\bitemprop=["']?(sku|name)\b`),
		Boost:   2,
		AntiCap: 6,
	},
	{
		// Shopify storefronts run on arbitrary hosts. Product pages live under
		// /products/<handle>; collections under /collections/.
		Name:        "Shopify",
		PDPPath:     regexp.MustCompile(`(?i)/products/[^/?#]+$`),
		Fingerprint: regexp.MustCompile(`(?i)shopify\b|x-shopid|x-shopify|cdn\.shopify\.com`),
		BuyBox:      regexp.MustCompile(`(?i)\b(name|id)=["']?(add|Add)To(Cart|Bag)\b|form[^>]+action="/cart/add"`),
		Boost:       2,
		AntiCap:     6,
	},
}

// matchVendor returns the first profile matching host, path and markup.
func matchVendor(host, path, html string) *Vendor {
	for _, v := range Vendors {
		if v.Host != nil && !v.Host.MatchString(host) {
			continue
		}
		if v.PDPPath == nil || !v.PDPPath.MatchString(path) {
			continue
		}
		if v.Fingerprint != nil && !v.Fingerprint.MatchString(html) {
			continue
		}
		return v
	}
	return nil
}
