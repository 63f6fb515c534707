package settings

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/pdpatch/dbopen"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(dbopen.OpenMemory(t), "heuristics")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestStrategy_DefaultsPersisted(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	got, err := s.Strategy(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := Strategy{Global: "heuristics", PerDomain: []Override{}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("defaults (-want +got):\n%s", diff)
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM settings WHERE key = 'strategy'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("defaults not persisted: %d rows", n)
	}
}

func TestStrategy_OverridesInOrder(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	st := Strategy{Global: "s2", PerDomain: []Override{
		{Pattern: "*.example.com", StrategyID: "s1"},
		{Pattern: "shop.*", StrategyID: "s3"},
	}}
	if err := s.Replace(ctx, st, nil); err != nil {
		t.Fatal(err)
	}
	got, err := s.Strategy(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(st, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	if err := s.Replace(ctx, Strategy{Global: "s2"}, nil); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Strategy(ctx)
	if len(got.PerDomain) != 0 || got.Global != "s2" {
		t.Errorf("after clear: %+v", got)
	}

	if err := s.Replace(ctx, Strategy{}, nil); err != nil {
		t.Fatal(err)
	}
	if got, _ = s.Strategy(ctx); got.Global != "heuristics" {
		t.Errorf("empty global: got %q, want default", got.Global)
	}
}

func TestReplace_RejectsBadPattern(t *testing.T) {
	s := openStore(t)
	err := s.Replace(context.Background(), Strategy{Global: "x", PerDomain: []Override{{Pattern: " ", StrategyID: "y"}}}, nil)
	if !errors.Is(err, ErrInvalidPattern) {
		t.Errorf("override: got %v, want ErrInvalidPattern", err)
	}
	if err := s.Replace(context.Background(), Strategy{}, []string{"a b"}); !errors.Is(err, ErrInvalidPattern) {
		t.Errorf("allowlist: got %v, want ErrInvalidPattern", err)
	}
}

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		pattern string
		host    string
		want    bool
	}{
		{"*.example.com", "sub.example.com", true},
		{"*.example.com", "example.com", false},
		{"*.example.com", "sub.exampleXcom", false},
		{"example.com", "example.com", true},
		{"example.com", "notexample.com", false},
		{"shop.*", "shop.test", true},
		{"*", "anything.at.all", true},
		{"Example.COM", "example.com", true},
		{"a+b.com", "a+b.com", true},
		{"a+b.com", "aab.com", false},
	}
	for _, tt := range tests {
		if got := MatchHost(tt.pattern, tt.host); got != tt.want {
			t.Errorf("MatchHost(%q, %q): got %v, want %v", tt.pattern, tt.host, got, tt.want)
		}
	}
	if _, err := CompilePattern(""); !errors.Is(err, ErrInvalidPattern) {
		t.Errorf("empty pattern: got %v", err)
	}
}

func TestAllowlist(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	ok, err := s.ShouldRun(ctx, "https://any.test/p")
	if err != nil || !ok {
		t.Errorf("empty allowlist: got %v %v, want true", ok, err)
	}

	if err := s.Replace(ctx, Strategy{}, []string{"*.shop.test", " store.example "}); err != nil {
		t.Fatal(err)
	}
	list, _ := s.Allowlist(ctx)
	if diff := cmp.Diff([]string{"*.shop.test", "store.example"}, list); diff != "" {
		t.Errorf("allowlist (-want +got):\n%s", diff)
	}

	tests := []struct {
		url  string
		want bool
	}{
		{"https://www.shop.test/item/1", true},
		{"https://store.example/x", true},
		{"https://other.test/", false},
		{"::bad", false},
	}
	for _, tt := range tests {
		got, err := s.ShouldRun(ctx, tt.url)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("ShouldRun(%q): got %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestReplace_AllOrNothing(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.Replace(ctx, Strategy{Global: "generator"}, []string{"a.test"}); err != nil {
		t.Fatal(err)
	}

	// A failing allowlist write must roll back the strategy write made
	// earlier in the same transaction.
	_, err := s.db.Exec(`CREATE TRIGGER deny_allowlist BEFORE UPDATE ON settings
		WHEN NEW.key = 'allowlist' BEGIN SELECT RAISE(ABORT, 'allowlist locked'); END`)
	if err != nil {
		t.Fatal(err)
	}
	err = s.Replace(ctx, Strategy{Global: "vision", PerDomain: []Override{{Pattern: "*.b.test", StrategyID: "structured_data"}}},
		[]string{"b.test"})
	if err == nil {
		t.Fatal("Replace succeeded past the trigger")
	}

	st, err := s.Strategy(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Strategy{Global: "generator", PerDomain: []Override{}}, st); diff != "" {
		t.Errorf("strategy after failed replace (-want +got):\n%s", diff)
	}
	list, _ := s.Allowlist(ctx)
	if diff := cmp.Diff([]string{"a.test"}, list); diff != "" {
		t.Errorf("allowlist after failed replace (-want +got):\n%s", diff)
	}

	// Validation fails before anything is written.
	if err := s.Replace(ctx, Strategy{Global: "vision"}, []string{"bad host/"}); !errors.Is(err, ErrInvalidPattern) {
		t.Errorf("bad allowlist: got %v", err)
	}
	if st, _ := s.Strategy(ctx); st.Global != "generator" {
		t.Errorf("global changed by rejected replace: %q", st.Global)
	}
}
