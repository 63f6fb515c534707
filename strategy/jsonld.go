package strategy

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/pdpatch/plan"
)

var productType = regexp.MustCompile(`(?i)Product$`)

// strict strips every tag; used to turn markup-bearing values into text.
var strict = bluemonday.StrictPolicy()

// PlainText strips markup from s and unescapes entities.
func PlainText(s string) string {
	return strings.Join(strings.Fields(html.UnescapeString(strict.Sanitize(s))), " ")
}

// PickFirstProduct returns the first JSON-LD node typed as a product. Blocks
// may be single nodes, arrays of nodes or carry an @graph.
func PickFirstProduct(blocks []any) map[string]any {
	for _, b := range blocks {
		if node := firstProduct(b); node != nil {
			return node
		}
	}
	return nil
}

func firstProduct(v any) map[string]any {
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if n := firstProduct(item); n != nil {
				return n
			}
		}
	case map[string]any:
		if graph, ok := t["@graph"].([]any); ok {
			for _, item := range graph {
				if n, ok := item.(map[string]any); ok && isProduct(n) {
					return n
				}
			}
			return nil
		}
		if isProduct(t) {
			return t
		}
	}
	return nil
}

func isProduct(n map[string]any) bool {
	switch t := n["@type"].(type) {
	case string:
		return productType.MatchString(t)
	case []any:
		for _, x := range t {
			if s, ok := x.(string); ok && productType.MatchString(s) {
				return true
			}
		}
	}
	return false
}

// ProductTexts are the copy regions read from a product node, keyed like
// plan fields.
type ProductTexts map[string]string

// ExtractProductTexts reads name, description, shipping label and return
// policy from a product node. The description is reduced to plain text.
func ExtractProductTexts(p map[string]any) ProductTexts {
	out := ProductTexts{}
	if p == nil {
		return out
	}
	set := func(key, v string) {
		if v = strings.TrimSpace(v); v != "" {
			out[key] = v
		}
	}

	set(plan.FieldTitle, firstNonEmpty(firstString(p["name"]), firstString(p["title"])))
	set(plan.FieldDescription, PlainText(firstString(p["description"])))

	offers := p["offers"]
	if arr, ok := offers.([]any); ok && len(arr) > 0 {
		offers = arr[0]
	}
	if o, ok := offers.(map[string]any); ok {
		sd, _ := o["shippingDetails"].(map[string]any)
		if sd == nil {
			sd, _ = o["hasDeliveryMethod"].(map[string]any)
		}
		if sd != nil {
			set(plan.FieldShipping, firstNonEmpty(
				firstString(sd["shippingLabel"]), firstString(sd["transitTime"]), firstString(sd["name"])))
		}
	}

	var rp map[string]any
	for _, k := range []string{"hasMerchantReturnPolicy", "returnPolicy", "merchantReturnPolicy"} {
		if m, ok := p[k].(map[string]any); ok {
			rp = m
			break
		}
	}
	if rp != nil {
		set(plan.FieldReturns, firstNonEmpty(
			firstString(rp["returnPolicyCategory"]), firstString(rp["name"]), firstString(rp["returnPolicySeasonalOverride"])))
	}
	return out
}

// firstString returns v as a string: itself, the first string of an array,
// or the @value of a value object.
func firstString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		for _, x := range t {
			if s, ok := x.(string); ok {
				return s
			}
		}
	case map[string]any:
		if s, ok := t["@value"].(string); ok {
			return s
		}
	}
	return ""
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
