package tabcache

import (
	"context"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/hazyhaar/pdpatch/dbopen"
	"github.com/hazyhaar/pdpatch/observability"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	c, err := New(dbopen.OpenMemory(t), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestCache_SetGetClear(t *testing.T) {
	c := newCache(t, Options{})
	defer c.Close()
	ctx := context.Background()

	c.Set(NSPlan, "t1", []byte("v1"))
	got, ok, err := c.Get(ctx, NSPlan, "t1")
	if err != nil || !ok || string(got) != "v1" {
		t.Fatalf("Get: got %q %v %v, want v1", got, ok, err)
	}
	if _, ok, _ := c.Get(ctx, NSSummary, "t1"); ok {
		t.Error("other namespace should miss")
	}

	c.Clear(NSPlan, "t1")
	if _, ok, _ := c.Get(ctx, NSPlan, "t1"); ok {
		t.Error("cleared key should miss")
	}
}

func TestCache_DurableTierSurvivesRestart(t *testing.T) {
	db := dbopen.OpenMemory(t)
	ctx := context.Background()

	c1, err := New(db, Options{})
	if err != nil {
		t.Fatal(err)
	}
	c1.Set(NSPlan, "t1", []byte("kept"))
	c1.Set(NSPlan, "t2", []byte("dropped"))
	c1.Clear(NSPlan, "t2")
	if err := c1.Close(); err != nil {
		t.Fatal(err)
	}

	c2, err := New(db, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	got, ok, err := c2.Get(ctx, NSPlan, "t1")
	if err != nil || !ok || string(got) != "kept" {
		t.Errorf("t1: got %q %v %v, want kept", got, ok, err)
	}
	if _, ok, _ := c2.Get(ctx, NSPlan, "t2"); ok {
		t.Error("t2 should have been deleted durably")
	}
}

func TestCache_ClearTab(t *testing.T) {
	c := newCache(t, Options{})
	defer c.Close()
	ctx := context.Background()

	for _, ns := range []string{NSPlan, NSSummary, NSError} {
		c.Set(ns, "t1", []byte(ns))
	}
	c.Set(NSPlan, "t2", []byte("other"))
	c.ClearTab("t1")

	for _, ns := range []string{NSPlan, NSSummary, NSError} {
		if _, ok, _ := c.Get(ctx, ns, "t1"); ok {
			t.Errorf("%s/t1 should be cleared", ns)
		}
	}
	if _, ok, _ := c.Get(ctx, NSPlan, "t2"); !ok {
		t.Error("t2 should be untouched")
	}
}

func TestCache_JSONHelpers(t *testing.T) {
	c := newCache(t, Options{})
	defer c.Close()

	type rec struct {
		A string
		B int
	}
	if err := SetJSON(c, NSSummary, "t", rec{"x", 2}); err != nil {
		t.Fatal(err)
	}
	got, ok, err := GetJSON[rec](context.Background(), c, NSSummary, "t")
	if err != nil || !ok {
		t.Fatalf("GetJSON: %v %v", ok, err)
	}
	if got != (rec{"x", 2}) {
		t.Errorf("got %+v", got)
	}

	c.Set(NSSummary, "bad", []byte("{"))
	if _, _, err := GetJSON[rec](context.Background(), c, NSSummary, "bad"); err == nil {
		t.Error("expected decode error")
	}
}

func TestCache_SetAfterCloseIsMemoryOnly(t *testing.T) {
	c := newCache(t, Options{})
	c.Close()
	c.Set(NSPlan, "t", []byte("v"))
	if _, ok, _ := c.Get(context.Background(), NSPlan, "t"); !ok {
		t.Error("fast map should still serve after Close")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestCache_MemoryOnly(t *testing.T) {
	c, err := New(nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.Set(NSPlan, "t", []byte("v"))
	if _, ok, _ := c.Get(context.Background(), NSPlan, "t"); !ok {
		t.Error("memory-only cache should serve writes")
	}
	if _, ok, err := c.Get(context.Background(), NSPlan, "missing"); ok || err != nil {
		t.Errorf("missing: got %v %v", ok, err)
	}
}

func TestCache_WriteMetrics(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	c := newCache(t, Options{Metrics: m})
	c.Set(NSPlan, "t", []byte("v"))
	c.Clear(NSPlan, "t")
	c.Close()

	if got := testutil.ToFloat64(m.CacheWrites.WithLabelValues("ok")); got != 2 {
		t.Errorf("ok writes: got %v, want 2", got)
	}
}

func TestCache_ClosedTabsDoNotAccumulate(t *testing.T) {
	c := newCache(t, Options{WriteBuffer: 1 << 14})
	ctx := context.Background()

	for i := range 2000 {
		tab := fmt.Sprintf("inspect-%d", i)
		for _, ns := range []string{NSPlan, NSSummary, NSError} {
			c.Set(ns, tab, []byte("v"))
		}
		c.ClearTab(tab)
	}
	c.Set(NSPlan, "live", []byte("kept"))
	c.Close()

	if n := c.Len(); n != 1 {
		t.Errorf("entries after closing 2000 tabs: got %d, want 1", n)
	}
	if _, ok, _ := c.Get(ctx, NSPlan, "inspect-7"); ok {
		t.Error("cleared tab resurrected from the durable tier")
	}
	if got, ok, _ := c.Get(ctx, NSPlan, "live"); !ok || string(got) != "kept" {
		t.Errorf("live tab: got %q %v", got, ok)
	}
}

func TestCache_RewriteKeepsValueOverSettledDelete(t *testing.T) {
	c := newCache(t, Options{})
	c.Clear(NSPlan, "t")
	c.Set(NSPlan, "t", []byte("again"))
	c.Close()

	got, ok, _ := c.Get(context.Background(), NSPlan, "t")
	if !ok || string(got) != "again" {
		t.Errorf("got %q %v, want again", got, ok)
	}
}

func TestCache_MemoryOnlyClearFreesKey(t *testing.T) {
	c, err := New(nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.Set(NSPlan, "t", []byte("v"))
	c.ClearTab("t")
	if n := c.Len(); n != 0 {
		t.Errorf("entries: got %d, want 0", n)
	}
}
