package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	ledgersync "github.com/hyperengineering/ledger/internal/sync"
)

// maxChangeSetBytes bounds the multipart changes payload.
const maxChangeSetBytes = 32 << 20

// SyncGetTime handles POST /syncGetTime. The body is the client's current
// timestamp shifted by its skew estimate; the reply is how many
// milliseconds that stamp trails the server clock, as plain text.
func (h *Handler) SyncGetTime(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 256))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Unreadable body")
		return
	}
	stamp, err := parseClientStamp(strings.TrimSpace(string(body)))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	reply := time.Now().UTC().Sub(stamp).Milliseconds()
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "%d", reply)
}

// clientStampFormats are the timestamp layouts accepted from clients.
var clientStampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseClientStamp(raw string) (time.Time, error) {
	for _, layout := range clientStampFormats {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}

// SyncUpload handles POST /sync: one change-set as the multipart field
// "changes". Apply failures do not fail the request; they surface as
// shouldRefresh so the client re-syncs.
func (h *Handler) SyncUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := r.ParseMultipartForm(maxChangeSetBytes); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Malformed multipart body: %s", err))
		return
	}
	raw := r.FormValue("changes")
	if raw == "" {
		WriteProblem(w, r, http.StatusBadRequest, "Missing changes field")
		return
	}

	var set ledgersync.ChangeSet
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid change-set: %s", err))
		return
	}

	result, err := h.engine.Apply(r.Context(), set)
	if err != nil {
		slog.Error("sync apply rejected", "uuid", set.UUID, "error", err)
		MapStoreError(w, r, err)
		return
	}

	slog.Info("sync upload",
		"uuid", set.UUID,
		"changes", len(set.Changes),
		"applied", result.Applied,
		"already_applied", result.AlreadyApplied,
		"should_refresh", result.ShouldRefresh,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	writeJSON(w, result)
}

// SyncDelta handles GET /sync/delta?table=&after=
func (h *Handler) SyncDelta(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("table")
	if table == "" {
		WriteProblem(w, r, http.StatusBadRequest, "Missing required query parameter: table")
		return
	}
	after := int64(-1)
	if rawAfter := r.URL.Query().Get("after"); rawAfter != "" {
		parsed, err := strconv.ParseInt(rawAfter, 10, 64)
		if err != nil {
			WriteProblem(w, r, http.StatusBadRequest, "Invalid after parameter: must be an integer")
			return
		}
		after = parsed
	}

	delta, err := h.engine.Delta(r.Context(), table, after)
	if err != nil {
		slog.Error("delta query failed", "table", table, "after", after, "error", err)
		MapStoreError(w, r, err)
		return
	}
	if delta.Rows == nil {
		delta.Rows = []map[string]any{}
	}
	if delta.Removed == nil {
		delta.Removed = []map[string]any{}
	}
	writeJSON(w, delta)
}
