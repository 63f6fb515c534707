package page

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/pdpatch/patch"
	"github.com/hazyhaar/pdpatch/plan"
)

// isolatedWorldName names the script world created for patches.
const isolatedWorldName = "pdpatch"

// RodExecutor runs snapshots, patches and layout queries in live Chrome tabs.
type RodExecutor struct {
	Browser *Browser
}

// NewRodExecutor returns an executor over the tabs of b.
func NewRodExecutor(b *Browser) *RodExecutor {
	return &RodExecutor{Browser: b}
}

// Snapshot parses the tab's current outer HTML.
func (e *RodExecutor) Snapshot(ctx context.Context, tabID string) (*goquery.Document, error) {
	t, err := e.Browser.Tab(tabID)
	if err != nil {
		return nil, err
	}
	res, err := t.Page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, fmt.Errorf("page: snapshot %s: %w", tabID, err)
	}
	return goquery.NewDocumentFromReader(strings.NewReader(res.Value.Str()))
}

// wireStep is the shape handed to the in-page apply script.
type wireStep struct {
	Selector   string  `json:"selector"`
	Op         plan.Op `json:"op"`
	Value      string  `json:"value"`
	ValueOK    bool    `json:"valueOk"`
	AllowEmpty bool    `json:"allowEmpty"`
	NoPrefix   bool    `json:"noPrefix"`
}

// Apply runs steps in the tab through the in-page apply script.
func (e *RodExecutor) Apply(ctx context.Context, tabID string, world patch.World, steps []plan.Step) (*plan.Summary, error) {
	t, err := e.Browser.Tab(tabID)
	if err != nil {
		return nil, err
	}
	args := struct {
		Steps     []wireStep `json:"steps"`
		WrapStyle string     `json:"wrapStyle"`
	}{Steps: make([]wireStep, len(steps)), WrapStyle: patch.WrapStyle}
	for i, s := range steps {
		args.Steps[i] = wireStep{
			Selector: s.Selector, Op: s.Op, Value: s.Value, ValueOK: s.HasStringValue(),
			AllowEmpty: s.AllowEmpty, NoPrefix: s.NoPrefix,
		}
	}

	raw, err := e.eval(ctx, t.Page, world, applyScript, args)
	if err != nil {
		return nil, fmt.Errorf("page: apply %s in %s world: %w", tabID, world, err)
	}
	var sum plan.Summary
	if err := json.Unmarshal([]byte(raw), &sum); err != nil {
		return nil, fmt.Errorf("page: decode summary: %w", err)
	}
	sum.Tally()
	return &sum, nil
}

// Layout measures the visible LayoutTags elements of the tab.
func (e *RodExecutor) Layout(ctx context.Context, tabID string) (*Layout, error) {
	t, err := e.Browser.Tab(tabID)
	if err != nil {
		return nil, err
	}
	raw, err := e.eval(ctx, t.Page, patch.WorldIsolated, layoutScript, LayoutTags)
	if err != nil {
		return nil, fmt.Errorf("page: layout %s: %w", tabID, err)
	}
	var l Layout
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return nil, fmt.Errorf("page: decode layout: %w", err)
	}
	return &l, nil
}

// Screenshot captures the whole page as PNG.
func (e *RodExecutor) Screenshot(ctx context.Context, tabID string) ([]byte, error) {
	t, err := e.Browser.Tab(tabID)
	if err != nil {
		return nil, err
	}
	img, err := t.Page.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("page: screenshot %s: %w", tabID, err)
	}
	return img, nil
}

// eval calls fn(arg) in the requested world. fn must return a JSON string.
func (e *RodExecutor) eval(ctx context.Context, p *rod.Page, world patch.World, fn string, arg any) (string, error) {
	p = p.Context(ctx)
	if world == patch.WorldMain {
		res, err := p.Eval(fn, arg)
		if err != nil {
			return "", err
		}
		return res.Value.Str(), nil
	}

	iw, err := proto.PageCreateIsolatedWorld{FrameID: p.FrameID, WorldName: isolatedWorldName}.Call(p)
	if err != nil {
		return "", fmt.Errorf("create isolated world: %w", err)
	}
	encoded, err := json.Marshal(arg)
	if err != nil {
		return "", err
	}
	res, err := proto.RuntimeEvaluate{
		Expression:    "(" + fn + ")(" + string(encoded) + ")",
		ContextID:     iw.ExecutionContextID,
		ReturnByValue: true,
		AwaitPromise:  true,
	}.Call(p)
	if err != nil {
		return "", err
	}
	if res.ExceptionDetails != nil {
		return "", fmt.Errorf("script exception: %s", res.ExceptionDetails.Text)
	}
	return res.Result.Value.Str(), nil
}

// applyScript mirrors patch.Apply step for step.
const applyScript = `(args) => {
  const deny = /(<script|javascript:|on\w+=|<iframe|<object)/i;
  const wrapHtml = (inner) => '<div data-pdp="1" style="' + args.wrapStyle + '">' + inner + '</div>';
  const t0 = Date.now();
  const results = [];
  args.steps.forEach((step, i) => {
    const r = { index: i, selector: step.selector, op: step.op, status: "pending", note: "" };
    const skip = (note) => { r.status = "skipped"; r.note = note; };
    try {
      let node;
      try { node = document.querySelector(step.selector); }
      catch (e) { r.status = "error"; r.note = "invalid selector: " + String(e && e.message || e); results.push(r); return; }
      if (!node) { skip("selector not found"); results.push(r); return; }
      if (!step.valueOk) { skip("value not string"); results.push(r); return; }
      const val = step.value;
      if (val.length === 0 && !step.allowEmpty) { skip("empty value"); results.push(r); return; }
      if (deny.test(val)) { skip("value denied by policy"); results.push(r); return; }
      const wrap = !step.noPrefix;
      if (step.op === "setText") {
        const prev = String(node.textContent ?? "");
        if (deny.test(prev)) { skip("original not restorable"); results.push(r); return; }
        r.prev = prev;
        if (wrap) {
          while (node.firstChild) node.removeChild(node.firstChild);
          const w = document.createElement("div");
          w.setAttribute("data-pdp", "1");
          w.setAttribute("role", "note");
          w.style.cssText = args.wrapStyle;
          w.textContent = val;
          node.appendChild(w);
        } else {
          node.textContent = val;
        }
        r.value = val; r.wrapped = wrap; r.status = "applied";
      } else if (step.op === "setHTML") {
        const prev = String(node.innerHTML ?? "");
        if (deny.test(prev)) { skip("original not restorable"); results.push(r); return; }
        r.prev = prev;
        const out = wrap ? wrapHtml(val) : val;
        if (window.trustedTypes && window.trustedTypes.createPolicy) {
          const policy = window.trustedTypes.createPolicy("pdp-allow-" + Date.now() + "-" + i, { createHTML: (s) => s });
          node.innerHTML = policy.createHTML(out);
        } else {
          node.innerHTML = out;
        }
        r.value = out; r.wrapped = wrap; r.status = "applied";
      } else {
        skip("unknown op");
      }
    } catch (e) {
      r.status = "error"; r.note = "exception: " + String(e && e.message || e);
    }
    results.push(r);
  });
  return JSON.stringify({ steps_total: results.length, took_ms: Date.now() - t0, results });
}`

// layoutScript reports page metrics and the document-space boxes of the
// visible elements matching its selector argument.
const layoutScript = `(tags) => {
  const doc = document.scrollingElement || document.documentElement || document.body;
  const visible = (el) => {
    const s = window.getComputedStyle(el);
    if (s.display === "none" || s.visibility === "hidden" || parseFloat(s.opacity) === 0) return false;
    const r = el.getBoundingClientRect();
    return r.width > 0 && r.height > 0;
  };
  const boxes = [];
  document.querySelectorAll(tags).forEach((el, index) => {
    if (!visible(el)) return;
    const r = el.getBoundingClientRect();
    boxes.push({
      index, tag: el.nodeName.toLowerCase(),
      text: String(el.innerText || "").replace(/\s+/g, " ").trim().slice(0, 200),
      x: r.left + window.scrollX, y: r.top + window.scrollY, w: r.width, h: r.height,
    });
  });
  return JSON.stringify({
    device_pixel_ratio: window.devicePixelRatio || 1,
    page_width_css: Math.max(doc.clientWidth, window.innerWidth || 0),
    page_height_css: Math.max(doc.scrollHeight, doc.clientHeight, window.innerHeight || 0),
    boxes,
  });
}`
