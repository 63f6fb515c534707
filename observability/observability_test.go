package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hazyhaar/pdpatch/dbopen"
	"github.com/hazyhaar/pdpatch/idgen"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ResolveObserved("heuristics", "ok", time.Millisecond)
	m.ApplyAttempt("isolated", 0)
	m.StepOutcome("skipped", true)
	m.Score(3)
	m.CacheWrite("ok")
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.StepOutcome("applied", false)
	m.StepOutcome("skipped", true)
	m.StepOutcome("skipped", false)
	m.ApplyAttempt("main", 2)

	if got := testutil.ToFloat64(m.ApplySteps.WithLabelValues("skipped")); got != 2 {
		t.Errorf("skipped steps: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PolicyDenied); got != 1 {
		t.Errorf("denied: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ApplyAttempts.WithLabelValues("main", "true")); got != 1 {
		t.Errorf("attempts: got %v, want 1", got)
	}
}

func TestStore_MirrorAndQuery(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	store := NewStore(db, 100, time.Hour)

	m := NewMetrics(prometheus.NewRegistry()).WithStore(store)
	m.ResolveObserved("structured_data", "ok", 42*time.Millisecond)
	m.Score(12)
	store.Close() // flushes

	got, err := store.Query(context.Background(), MetricResolveDurationMs, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("datapoints: got %d, want 1", len(got))
	}
	if got[0].Value != 42 || got[0].Labels["strategy"] != "structured_data" {
		t.Errorf("datapoint: got %+v", got[0])
	}

	all, err := store.Query(context.Background(), "", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("all datapoints: got %d, want 2", len(all))
	}
}

func TestStore_Cleanup(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	store := NewStore(db, 100, time.Hour)
	store.Record(&Metric{Name: "old", Timestamp: time.Now().Add(-48 * time.Hour), Value: 1})
	store.Record(&Metric{Name: "new", Timestamp: time.Now(), Value: 1})
	store.Close()

	n, err := store.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("removed: got %d, want 1", n)
	}
}

func TestEventLogger(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	l := NewEventLogger(db, idgen.Prefixed("evt_", idgen.Hex(4)))
	ctx := context.Background()

	l.Log(ctx, Event{Type: EventPlanResolved, TabID: "t1", URL: "https://a.test/p", Success: true})
	l.Log(ctx, Event{Type: EventPatchApplied, TabID: "t1", URL: "https://a.test/p", Success: true})
	l.Log(ctx, Event{Type: EventPlanResolved, TabID: "t2", URL: "https://b.test/p"})

	got, err := l.Recent(ctx, "t1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("events: got %d, want 2", len(got))
	}
	if got[0].Type != EventPatchApplied {
		t.Errorf("newest: got %q, want %q", got[0].Type, EventPatchApplied)
	}

	var nilLogger *EventLogger
	nilLogger.Log(ctx, Event{Type: EventTabNavigated})
}
