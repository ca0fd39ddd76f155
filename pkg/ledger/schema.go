package ledger

// Schema creates the instance event table.
const Schema = `
CREATE TABLE IF NOT EXISTS instance_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT NOT NULL,
    kind        TEXT NOT NULL,
    attempt     INTEGER NOT NULL DEFAULT 0,
    detail      TEXT,
    created_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_instance_events_name ON instance_events(name, id);
CREATE INDEX IF NOT EXISTS idx_instance_events_created ON instance_events(created_at);
`

// Event kinds.
const (
	KindRegistered   = "registered"
	KindProbeAttempt = "probe_attempt"
	KindReady        = "ready"
	KindUnavailable  = "unavailable"
	KindRecycled     = "recycled"
)

// DefaultEventLimit caps Events when no limit is given.
const DefaultEventLimit = 100

const maxEventLimit = 1000
