package shield

import (
	"context"
	"database/sql"

	"github.com/hazyhaar/pdpatch/dbopen"
)

// Schema defines the rate_limits table read by RateLimiter and seeds the
// default rules for the costly routes. Statements are idempotent; existing
// rules are never overwritten.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limits (
    endpoint       TEXT PRIMARY KEY,
    max_requests   INTEGER NOT NULL DEFAULT 60,
    window_seconds INTEGER NOT NULL DEFAULT 60,
    enabled        INTEGER NOT NULL DEFAULT 1
);

INSERT OR IGNORE INTO rate_limits (endpoint, max_requests, window_seconds) VALUES
    ('POST /v1/tabs/{tabID}/resolve', 120, 60),
    ('POST /v1/inspect', 10, 60),
    ('POST /mcp', 300, 60);
`

// Init creates the shield tables if they don't exist.
func Init(ctx context.Context, db *sql.DB) error {
	_, err := dbopen.Exec(ctx, db, Schema)
	return err
}
