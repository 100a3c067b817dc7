// Package sync reconciles change-sets uploaded by offline clients against
// the server state and serves per-table deltas for download. Conflicts are
// resolved per column by comparing the change's adjusted timestamp against
// the column's modification history; the losing value is preserved as a
// history entry so no write is silently discarded.
package sync

import (
	"encoding/json"
	"time"
)

// Change is one mutation of an uploaded change-set. Record carries the row
// for insert, update, remove and auto; Conditions carries the predicate for
// removeWhere.
type Change struct {
	Table      string          `json:"table"`
	Action     string          `json:"action"`
	Record     map[string]any  `json:"record,omitempty"`
	Conditions json.RawMessage `json:"conditions,omitempty"`
}

// Change actions accepted in a change-set.
const (
	ActionInsert      = "insert"
	ActionUpdate      = "update"
	ActionRemove      = "remove"
	ActionRemoveWhere = "removeWhere"
	ActionAuto        = "auto"
)

// ChangeSet is the upload unit. UUID is the idempotency key; TimeSkewMS is
// the negotiated clock skew the server adds to client timestamps.
type ChangeSet struct {
	UUID       string   `json:"uuid"`
	ClientDate string   `json:"clientDate"`
	TimeSkewMS int64    `json:"timeSkewMs"`
	Changes    []Change `json:"changes"`
}

// AdjustedTime returns the change-set's client date shifted by the
// negotiated skew.
func (cs ChangeSet) AdjustedTime() (time.Time, error) {
	t, err := parseTimestamp(cs.ClientDate)
	if err != nil {
		return time.Time{}, err
	}
	return t.Add(time.Duration(cs.TimeSkewMS) * time.Millisecond), nil
}

// SyncLog statuses. A change-set uuid stays in sync_log permanently, even
// after a failed apply, so a retry of the same batch is a no-op.
const (
	StatusTodo  = "todo"
	StatusDone  = "done"
	StatusError = "error"
)

// ApplyResult reports the outcome of applying a change-set. ShouldRefresh
// asks the client to re-download state: either the apply failed and was
// logged, or it was already applied under the same uuid.
type ApplyResult struct {
	ShouldRefresh  bool             `json:"shouldRefresh"`
	AlreadyApplied bool             `json:"alreadyApplied,omitempty"`
	Applied        []map[string]any `json:"applied,omitempty"`
}

// TableDelta is the download unit for one table: rows changed after the
// client's version, tombstones as pk records, and the server's current
// table version for the client to store.
type TableDelta struct {
	Table   string           `json:"table"`
	Version int64            `json:"version"`
	Rows    []map[string]any `json:"rows"`
	Removed []map[string]any `json:"removed"`
}

// timestampFormats are accepted client date encodings, most specific first.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampFormats {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
