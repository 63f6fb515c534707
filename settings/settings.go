// CLAUDE:SUMMARY Durable strategy settings (global id + per-domain wildcard overrides) and host allowlist in a SQLite key/value table.
// Package settings persists the strategy selection and the host allowlist.
//
// Values are JSON documents in a key/value table. Reading the strategy
// settings before anything was written stores and returns the defaults
// {global: <default>, perDomain: []}.
package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/hazyhaar/pdpatch/dbopen"
)

// Schema creates the settings table.
const Schema = `
CREATE TABLE IF NOT EXISTS settings (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`

const (
	keyStrategy  = "strategy"
	keyAllowlist = "allowlist"
)

// ErrInvalidPattern is returned for a host pattern that cannot be compiled.
var ErrInvalidPattern = errors.New("settings: invalid host pattern")

// Override selects a strategy for hosts matching Pattern.
type Override struct {
	Pattern    string `json:"pattern"`
	StrategyID string `json:"strategyId"`
}

// Strategy is the persisted strategy selection. PerDomain is evaluated in
// order; the first matching pattern wins.
type Strategy struct {
	Global    string     `json:"global"`
	PerDomain []Override `json:"perDomain"`
}

// CompilePattern turns a host wildcard pattern into an anchored,
// case-insensitive regexp. '*' matches any run of characters; everything
// else is literal.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	p := strings.TrimSpace(pattern)
	if p == "" || strings.ContainsAny(p, " \t/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	parts := strings.Split(strings.ToLower(p), "*")
	for i, s := range parts {
		parts[i] = regexp.QuoteMeta(s)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*") + "$")
}

// MatchHost reports whether host matches pattern. Invalid patterns never match.
func MatchHost(pattern, host string) bool {
	re, err := CompilePattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(strings.ToLower(host))
}

// Store reads and writes settings.
type Store struct {
	db  *sql.DB
	def string
}

// Open creates the table if needed. defaultStrategy is the global id used
// until one is set.
func Open(db *sql.DB, defaultStrategy string) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("settings: init schema: %w", err)
	}
	return &Store{db: db, def: defaultStrategy}, nil
}

// Default returns the default global strategy id.
func (s *Store) Default() string { return s.def }

// Strategy returns the current strategy settings, persisting the defaults
// on first use.
func (s *Store) Strategy(ctx context.Context) (Strategy, error) {
	var st Strategy
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		found, err := get(ctx, tx, keyStrategy, &st)
		if err != nil || found {
			return err
		}
		st = Strategy{Global: s.def, PerDomain: []Override{}}
		return put(ctx, tx, keyStrategy, st)
	})
	if err != nil {
		return Strategy{}, fmt.Errorf("settings: strategy: %w", err)
	}
	if st.PerDomain == nil {
		st.PerDomain = []Override{}
	}
	return st, nil
}

// Replace writes the strategy settings and the allowlist in one
// transaction: either both change or neither does. Every pattern must
// compile. An empty global id resets to the default.
func (s *Store) Replace(ctx context.Context, st Strategy, allowlist []string) error {
	st, err := s.cleanStrategy(st)
	if err != nil {
		return err
	}
	list, err := cleanAllowlist(allowlist)
	if err != nil {
		return err
	}
	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := put(ctx, tx, keyStrategy, st); err != nil {
			return err
		}
		return put(ctx, tx, keyAllowlist, list)
	})
	if err != nil {
		return fmt.Errorf("settings: replace: %w", err)
	}
	return nil
}

func (s *Store) cleanStrategy(st Strategy) (Strategy, error) {
	for _, o := range st.PerDomain {
		if _, err := CompilePattern(o.Pattern); err != nil {
			return Strategy{}, err
		}
	}
	if st.Global == "" {
		st.Global = s.def
	}
	if st.PerDomain == nil {
		st.PerDomain = []Override{}
	}
	return st, nil
}

func cleanAllowlist(patterns []string) ([]string, error) {
	clean := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if _, err := CompilePattern(p); err != nil {
			return nil, err
		}
		clean = append(clean, strings.TrimSpace(p))
	}
	return clean, nil
}

// Allowlist returns the host patterns the service runs on. Empty means
// every host.
func (s *Store) Allowlist(ctx context.Context) ([]string, error) {
	list := []string{}
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := get(ctx, tx, keyAllowlist, &list)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("settings: allowlist: %w", err)
	}
	return list, nil
}

// ShouldRun reports whether rawURL's host is allowlisted. An unparseable
// URL never runs.
func (s *Store) ShouldRun(ctx context.Context, rawURL string) (bool, error) {
	list, err := s.Allowlist(ctx)
	if err != nil {
		return false, err
	}
	return Allowed(list, rawURL), nil
}

// Allowed reports whether rawURL's host matches one of patterns. An empty
// list allows every URL.
func Allowed(patterns []string, rawURL string) bool {
	if len(patterns) == 0 {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	for _, p := range patterns {
		if MatchHost(p, u.Hostname()) {
			return true
		}
	}
	return false
}

func get(ctx context.Context, tx *sql.Tx, key string, dst any) (bool, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func put(ctx context.Context, tx *sql.Tx, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(raw), time.Now().UnixMilli())
	return err
}
