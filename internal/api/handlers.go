package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/ledger/internal/binary"
	"github.com/hyperengineering/ledger/internal/query"
	"github.com/hyperengineering/ledger/internal/session"
	"github.com/hyperengineering/ledger/internal/store"
	ledgersync "github.com/hyperengineering/ledger/internal/sync"
)

// Handler implements the API handlers
type Handler struct {
	store    *store.Client
	engine   *ledgersync.Engine
	binaries *binary.Engine
	sessions *session.Store
	auth     session.Authenticator
	version  string
}

// NewHandler wires the data client, sync engine, binary engine and session
// machinery into one handler set. auth may be nil; the server then runs
// open, without session enforcement.
func NewHandler(c *store.Client, engine *ledgersync.Engine, binaries *binary.Engine,
	sessions *session.Store, auth session.Authenticator, version string) *Handler {
	return &Handler{
		store:    c,
		engine:   engine,
		binaries: binaries,
		sessions: sessions,
		auth:     auth,
		version:  version,
	}
}

// client returns the data client scoped to the request's user so tracked
// mutations stamp version_user.
func (h *Handler) client(r *http.Request) *store.Client {
	if user := UserFromContext(r.Context()); user != nil {
		return h.store.WithActor(user.Username)
	}
	return h.store
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	version, err := h.store.Catalog().Version(r.Context())
	if err != nil {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	writeJSON(w, map[string]any{
		"status":        "healthy",
		"version":       h.version,
		"schemaVersion": version,
	})
}

// Schema handles GET /api/v1/schema
func (h *Handler) Schema(w http.ResponseWriter, r *http.Request) {
	s, err := h.store.Catalog().Load(r.Context())
	if err != nil {
		slog.Error("schema load failed", "error", err)
		MapStoreError(w, r, err)
		return
	}
	version, err := h.store.Catalog().Version(r.Context())
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, map[string]any{
		"version": version,
		"tables":  s,
	})
}

// searchRequest is the wire form of ?search= and ?searchFirst=.
type searchRequest struct {
	Conditions json.RawMessage   `json:"conditions"`
	JoinFetch  []query.JoinFetch `json:"joinFetch,omitempty"`
	OrderBy    string            `json:"orderBy,omitempty"`
	Offset     int               `json:"offset,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}

// ReadTable handles GET /api/v1/db/{table}: a search when the search or
// searchFirst query parameter is present.
func (h *Handler) ReadTable(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	q := r.URL.Query()

	if raw := q.Get("searchFirst"); raw != "" {
		pred, opts, err := parseSearch(raw)
		if err != nil {
			WriteProblem(w, r, http.StatusBadRequest, err.Error())
			return
		}
		rec, err := h.client(r).SearchFirst(r.Context(), table, pred, opts)
		if err != nil {
			writeRecordOrNull(w, r, rec, err)
			return
		}
		writeJSON(w, rec)
		return
	}

	raw := q.Get("search")
	pred, opts, err := parseSearch(raw)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := h.client(r).Search(r.Context(), table, pred, opts)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if recs == nil {
		recs = []store.Record{}
	}
	writeJSON(w, recs)
}

// parseSearch decodes the JSON search spec. An empty spec matches all rows.
func parseSearch(raw string) (query.Predicate, store.SearchOptions, error) {
	var opts store.SearchOptions
	if raw == "" {
		return nil, opts, nil
	}
	var req searchRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, opts, fmt.Errorf("invalid search spec: %s", err)
	}
	pred, err := query.ParsePredicate(req.Conditions)
	if err != nil {
		return nil, opts, err
	}
	opts = store.SearchOptions{
		JoinFetch: req.JoinFetch,
		OrderBy:   req.OrderBy,
		Offset:    req.Offset,
		Limit:     req.Limit,
	}
	return pred, opts, nil
}

// GetRecord handles GET /api/v1/db/{table}/{pk...}. A missing row answers
// 200 with a JSON null so lookups compose on the client.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	pk, err := h.pkFromPath(r, table)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	rec, err := h.client(r).GetByPK(r.Context(), table, pk)
	writeRecordOrNull(w, r, rec, err)
}

// InsertRecord handles POST /api/v1/db/{table}
func (h *Handler) InsertRecord(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	var rec store.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	stored, err := h.client(r).Insert(r.Context(), table, rec)
	if err != nil {
		slog.Error("insert failed", "table", table, "error", err)
		MapStoreError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(stored)
}

// UpdateRecord handles PUT /api/v1/db/{table}/{pk...}. The pk columns from
// the URL overwrite any pk values in the body.
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	pk, err := h.pkFromPath(r, table)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	var rec store.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	for col, val := range pk {
		rec[col] = val
	}

	stored, err := h.client(r).Update(r.Context(), table, rec)
	if err != nil {
		slog.Error("update failed", "table", table, "error", err)
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, stored)
}

// DeleteRecord handles DELETE /api/v1/db/{table}/{pk...}
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	pk, err := h.pkFromPath(r, table)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if err := h.client(r).Remove(r.Context(), table, pk); err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{})
}

// multireadSpec is the wire form of one named read.
type multireadSpec struct {
	Table      string            `json:"table"`
	PK         any               `json:"pk,omitempty"`
	Conditions json.RawMessage   `json:"conditions,omitempty"`
	JoinFetch  []query.JoinFetch `json:"joinFetch,omitempty"`
	OrderBy    string            `json:"orderBy,omitempty"`
	Offset     int               `json:"offset,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	First      bool              `json:"first,omitempty"`
}

// Multiread handles POST /api/v1/db/multiread
func (h *Handler) Multiread(w http.ResponseWriter, r *http.Request) {
	var specs map[string]multireadSpec
	if err := json.NewDecoder(r.Body).Decode(&specs); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	reads := make(map[string]store.ReadSpec, len(specs))
	for name, spec := range specs {
		pred, err := query.ParsePredicate(spec.Conditions)
		if err != nil {
			WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("read %q: %s", name, err))
			return
		}
		var pk any
		if m, ok := spec.PK.(map[string]any); ok {
			pk = store.Record(m)
		} else {
			pk = spec.PK
		}
		reads[name] = store.ReadSpec{
			Table:     spec.Table,
			PK:        pk,
			Predicate: pred,
			First:     spec.First,
			Options: store.SearchOptions{
				JoinFetch: spec.JoinFetch,
				OrderBy:   spec.OrderBy,
				Offset:    spec.Offset,
				Limit:     spec.Limit,
			},
		}
	}

	results, err := h.client(r).Multiread(r.Context(), reads)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, results)
}

// TransactionalChanges handles POST /api/v1/db/transactionalChanges
func (h *Handler) TransactionalChanges(w http.ResponseWriter, r *http.Request) {
	var changes []store.Change
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	applied, err := h.client(r).Changes(r.Context(), changes)
	if err != nil {
		slog.Error("transactional changes failed", "count", len(changes), "error", err)
		MapStoreError(w, r, err)
		return
	}
	if applied == nil {
		applied = []store.Record{}
	}
	writeJSON(w, applied)
}

// pkFromPath maps the wildcard path remainder onto the table's pk columns
// in declaration order. Composite pks arrive as one path segment per
// column.
func (h *Handler) pkFromPath(r *http.Request, tableName string) (store.Record, error) {
	s, err := h.store.Catalog().Load(r.Context())
	if err != nil {
		return nil, err
	}
	table := s.Table(tableName)
	if table == nil {
		return nil, fmt.Errorf("%w: unknown table %q", store.ErrConfig, tableName)
	}

	rest := chi.URLParam(r, "*")
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) == 1 && segments[0] == "" {
		segments = nil
	}
	if len(segments) != len(table.PK) {
		return nil, fmt.Errorf("%w: table %q expects %d pk segments, got %d",
			store.ErrConfig, tableName, len(table.PK), len(segments))
	}

	pk := make(store.Record, len(segments))
	for i, col := range table.PK {
		val, err := url.PathUnescape(segments[i])
		if err != nil {
			return nil, fmt.Errorf("%w: malformed pk segment %q", store.ErrConfig, segments[i])
		}
		pk[col] = val
	}
	return pk, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeRecordOrNull answers a record, a JSON null for ErrNotFound, or the
// mapped error.
func writeRecordOrNull(w http.ResponseWriter, r *http.Request, rec store.Record, err error) {
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte("null\n"))
			return
		}
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, rec)
}
