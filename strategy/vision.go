package strategy

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	_ "image/png"
	"log/slog"
	"slices"

	"github.com/hazyhaar/pdpatch/backend"
	"github.com/hazyhaar/pdpatch/match"
	"github.com/hazyhaar/pdpatch/observability"
	"github.com/hazyhaar/pdpatch/page"
	"github.com/hazyhaar/pdpatch/patch"
	"github.com/hazyhaar/pdpatch/plan"
)

// VisionPages is the live-tab access the vision strategy needs.
type VisionPages interface {
	Snapshotter
	Layout(ctx context.Context, tabID string) (*page.Layout, error)
	Screenshot(ctx context.Context, tabID string) ([]byte, error)
}

// Reader finds content regions on a screenshot.
type Reader interface {
	OCR(ctx context.Context, req backend.OCRRequest) ([]backend.Detection, error)
}

// VisionStrategy screenshots the tab, asks the backend where the product
// copy is, and maps each detection onto the element whose box overlaps it
// most. Capture and backend failures yield a non-PDP plan with a warning.
type VisionStrategy struct {
	Pages   VisionPages
	Reader  Reader
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Resolve implements Strategy.
func (v *VisionStrategy) Resolve(ctx context.Context, p *plan.Payload, sc Context) (*plan.Plan, error) {
	out := plan.New(Vision.String(), p.URL)
	warn := func(msg string, err error) (*plan.Plan, error) {
		if err != nil {
			logger(v.Logger).Warn("strategy: vision "+msg, "tab", sc.TabID, "error", err)
		}
		out.Meta.Warnings = append(out.Meta.Warnings, msg)
		return out, nil
	}
	if v.Pages == nil || v.Reader == nil {
		return warn("vision not configured", nil)
	}
	if sc.TabID == "" {
		return warn("no tab for vision", nil)
	}

	img, err := v.Pages.Screenshot(ctx, sc.TabID)
	if err != nil {
		return warn("screenshot capture failed", err)
	}
	if len(img) == 0 {
		return warn("empty screenshot", nil)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return warn("screenshot capture failed", err)
	}
	layout, err := v.Pages.Layout(ctx, sc.TabID)
	if err != nil {
		return warn("layout unavailable", err)
	}

	dets, err := v.Reader.OCR(ctx, backend.OCRRequest{
		URL:              p.URL,
		Language:         p.Language,
		ImageDataURL:     "data:image/png;base64," + base64.StdEncoding.EncodeToString(img),
		ImagePixelWidth:  cfg.Width,
		ImagePixelHeight: cfg.Height,
		DevicePixelRatio: layout.DevicePixelRatio,
		PageWidthCSS:     layout.PageWidth,
		PageHeightCSS:    layout.PageHeight,
	})
	if err != nil {
		return warn("OCR backend error", err)
	}

	doc, err := v.Pages.Snapshot(ctx, sc.TabID)
	if err != nil {
		return warn("snapshot failed", err)
	}
	boxes := doc.Find(page.LayoutTags)
	selectorOf := func(index int) string {
		el := boxes.Eq(index)
		if el.Length() == 0 {
			return ""
		}
		return match.StableSelector(el)
	}

	selectors := MapDetections(dets, layout, float64(cfg.Width), selectorOf)
	for range BuildVisionPlan(out, dets, selectors) {
		v.Metrics.Denied()
	}
	fillOriginals(out, doc)
	return out, nil
}

type rect struct{ x, y, w, h float64 }

func iou(a, b rect) float64 {
	x1, y1 := max(a.x, b.x), max(a.y, b.y)
	x2, y2 := min(a.x+a.w, b.x+b.w), min(a.y+a.h, b.y+b.h)
	inter := max(0, x2-x1) * max(0, y2-y1)
	union := a.w*a.h + b.w*b.h - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// MapDetections returns, per detection key, the selector of the layout box
// with the highest positive IoU. Detection boxes are in screenshot pixels;
// imageWidth over the CSS page width gives the scale, falling back to the
// device pixel ratio.
func MapDetections(dets []backend.Detection, l *page.Layout, imageWidth float64, selectorOf func(index int) string) map[string]string {
	scale := l.DevicePixelRatio
	if imageWidth > 0 && l.PageWidth > 0 {
		scale = imageWidth / l.PageWidth
	}
	if scale <= 0 {
		scale = 1
	}

	out := make(map[string]string, len(dets))
	cache := map[int]string{}
	for _, d := range dets {
		r := rect{d.BBox.X / scale, d.BBox.Y / scale, d.BBox.Width / scale, d.BBox.Height / scale}
		best, bestScore := -1, 0.0
		for _, b := range l.Boxes {
			if s := iou(rect{b.X, b.Y, b.W, b.H}, r); s > bestScore {
				best, bestScore = b.Index, s
			}
		}
		if best < 0 {
			continue
		}
		sel, ok := cache[best]
		if !ok {
			sel = selectorOf(best)
			cache[best] = sel
		}
		if sel != "" {
			out[d.Key()] = sel
		}
	}
	return out
}

// BuildVisionPlan fills out from mapped detections. Per type the shortest
// non-empty title proposal and the longest other proposal win; the field's
// primary selector is that of the largest detection. Every mapped detection
// gets its own step so duplicated regions are all rewritten. Proposals
// matching the content denylist are blanked and counted in denied; text-only
// proposals are reduced to plain text.
func BuildVisionPlan(out *plan.Plan, dets []backend.Detection, selectors map[string]string) (denied int) {
	proposed := map[string]string{}
	for _, d := range dets {
		if !isFieldKey(d.Type) {
			continue
		}
		prop := d.Proposed
		switch {
		case patch.Denied(prop):
			prop = ""
			denied++
		case !plan.IsHTMLField(d.Type):
			prop = PlainText(prop)
		}
		cur, seen := proposed[d.Type]
		switch {
		case !seen || cur == "":
			proposed[d.Type] = prop
		case prop == "":
		case d.Type == plan.FieldTitle && len(prop) < len(cur):
			proposed[d.Type] = prop
		case d.Type != plan.FieldTitle && len(prop) > len(cur):
			proposed[d.Type] = prop
		}
	}

	type primary struct {
		det  backend.Detection
		sel  string
		area float64
	}
	primaries := map[string]primary{}
	for _, d := range dets {
		sel := selectors[d.Key()]
		if sel == "" || !isFieldKey(d.Type) {
			continue
		}
		area := max(1, d.BBox.Width*d.BBox.Height)
		if cur, ok := primaries[d.Type]; !ok || area > cur.area {
			primaries[d.Type] = primary{d, sel, area}
		}
	}

	for _, key := range plan.FieldKeys {
		pr, ok := primaries[key]
		if !ok || proposed[key] == "" {
			continue
		}
		out.Fields[key] = plan.Field{
			Selector:  pr.sel,
			Extracted: pr.det.Extracted,
			Proposed:  proposed[key],
			HTML:      plan.IsHTMLField(key),
		}
	}

	seen := map[string]bool{}
	for _, d := range dets {
		sel := selectors[d.Key()]
		val := proposed[d.Type]
		if sel == "" || val == "" || !isFieldKey(d.Type) || seen[sel] {
			continue
		}
		seen[sel] = true
		out.Patch = append(out.Patch, plan.Step{Selector: sel, Op: plan.OpFor(plan.IsHTMLField(d.Type)), Value: val})
	}
	out.IsPDP = len(out.Fields) > 0
	return denied
}

func isFieldKey(k string) bool { return slices.Contains(plan.FieldKeys, k) }
