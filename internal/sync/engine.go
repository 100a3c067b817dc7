package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/ledger/internal/query"
	"github.com/hyperengineering/ledger/internal/schema"
	"github.com/hyperengineering/ledger/internal/store"
	"github.com/hyperengineering/ledger/internal/track"
)

// Engine applies uploaded change-sets and serves table deltas. One Engine
// serves the whole process; per-request state is passed explicitly.
type Engine struct {
	client *store.Client
	log    *slog.Logger
}

// NewEngine creates an Engine over the server-side client.
func NewEngine(client *store.Client, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{client: client, log: log}
}

// Apply reconciles one change-set against the server state. The whole set
// applies in a single transaction together with its sync_log row; on failure
// the writes roll back but the uuid is re-recorded with status error so a
// retry of the same batch is a no-op. Apply errors are reported to the
// client as a refresh hint, not as a transport failure.
func (e *Engine) Apply(ctx context.Context, set ChangeSet) (*ApplyResult, error) {
	if set.UUID == "" {
		return nil, fmt.Errorf("%w: change-set without uuid", store.ErrConfig)
	}
	seen, err := e.alreadyApplied(ctx, set.UUID)
	if err != nil {
		return nil, err
	}
	if seen {
		return &ApplyResult{AlreadyApplied: true}, nil
	}

	adjusted, err := set.AdjustedTime()
	if err != nil {
		return nil, fmt.Errorf("%w: parse clientDate %q: %v", store.ErrConfig, set.ClientDate, err)
	}

	var applied []map[string]any
	err = e.client.Transaction(ctx, func(tc *store.Client) error {
		if err := e.insertSyncLog(ctx, tc, set); err != nil {
			return err
		}
		for i, ch := range set.Changes {
			result, err := e.applyChange(ctx, tc, ch, adjusted)
			if err != nil {
				return fmt.Errorf("change %d on %s: %w", i+1, ch.Table, err)
			}
			applied = append(applied, result)
		}
		return e.markSyncLog(ctx, tc, set.UUID, StatusDone, "")
	})
	if err != nil {
		e.log.Error("change-set apply failed", "uuid", set.UUID, "error", err)
		if logErr := e.recordFailure(ctx, set, err); logErr != nil {
			e.log.Error("record sync failure", "uuid", set.UUID, "error", logErr)
		}
		return &ApplyResult{ShouldRefresh: true}, nil
	}
	return &ApplyResult{Applied: applied}, nil
}

// alreadyApplied reports whether the uuid is present in sync_log, whatever
// its status.
func (e *Engine) alreadyApplied(ctx context.Context, uuid string) (bool, error) {
	var found bool
	err := e.client.Unsafe(func(uc *store.Client) error {
		rows, err := uc.Query(ctx, `SELECT 1 FROM sync_log WHERE uuid = ?`, uuid)
		if err != nil {
			return err
		}
		defer rows.Close()
		found = rows.Next()
		return rows.Err()
	})
	return found, err
}

func (e *Engine) insertSyncLog(ctx context.Context, tc *store.Client, set ChangeSet) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encode change-set: %w", err)
	}
	return tc.Unsafe(func(uc *store.Client) error {
		_, err := uc.Exec(ctx, `
			INSERT INTO sync_log (uuid, client_date, sync_date, status, data)
			VALUES (?, ?, ?, ?, ?)`,
			set.UUID, set.ClientDate, time.Now().UTC().Format(time.RFC3339Nano), StatusTodo, string(data))
		return err
	})
}

func (e *Engine) markSyncLog(ctx context.Context, tc *store.Client, uuid, status, errMsg string) error {
	return tc.Unsafe(func(uc *store.Client) error {
		var msg any
		if errMsg != "" {
			msg = errMsg
		}
		_, err := uc.Exec(ctx, `UPDATE sync_log SET status = ?, error_msg = ? WHERE uuid = ?`,
			status, msg, uuid)
		return err
	})
}

// recordFailure writes the error row outside the rolled-back transaction so
// the uuid survives as the idempotency marker. A row already marked done must
// never be demoted: a duplicate upload that slips past the pre-check and then
// fails would otherwise reopen a committed change-set for re-application.
func (e *Engine) recordFailure(ctx context.Context, set ChangeSet, applyErr error) error {
	data, _ := json.Marshal(set)
	return e.client.Unsafe(func(uc *store.Client) error {
		_, err := uc.Exec(ctx, `
			INSERT INTO sync_log (uuid, client_date, sync_date, status, data, error_msg)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (uuid) DO UPDATE
			SET status = excluded.status, sync_date = excluded.sync_date, error_msg = excluded.error_msg
			WHERE sync_log.status <> 'done'`,
			set.UUID, set.ClientDate, time.Now().UTC().Format(time.RFC3339Nano),
			StatusError, string(data), applyErr.Error())
		return err
	})
}

func (e *Engine) applyChange(ctx context.Context, tc *store.Client, ch Change, adjusted time.Time) (map[string]any, error) {
	switch ch.Action {
	case ActionRemoveWhere:
		pred, err := query.ParsePredicate(ch.Conditions)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", store.ErrConfig, err)
		}
		n, err := tc.RemoveWhere(ctx, ch.Table, pred)
		if err != nil {
			return nil, err
		}
		return map[string]any{"removed": n}, nil

	case ActionRemove:
		_, err := tc.GetByPK(ctx, ch.Table, store.Record(ch.Record))
		if errors.Is(err, store.ErrNotFound) {
			// already gone on the server; nothing to do
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if err := tc.Remove(ctx, ch.Table, store.Record(ch.Record)); err != nil {
			return nil, err
		}
		return nil, nil

	case ActionInsert, ActionUpdate, ActionAuto:
		return e.applyUpsert(ctx, tc, ch, adjusted)

	default:
		return nil, fmt.Errorf("%w: unknown change action %q", store.ErrConfig, ch.Action)
	}
}

// applyUpsert resolves an incoming insert or update against the current
// server row, conflict-checking column by column against the modification
// history.
func (e *Engine) applyUpsert(ctx context.Context, tc *store.Client, ch Change, adjusted time.Time) (map[string]any, error) {
	s, err := tc.Catalog().Load(ctx)
	if err != nil {
		return nil, err
	}
	table := s.Table(ch.Table)
	if table == nil {
		return nil, fmt.Errorf("%w: unknown table %q", store.ErrConfig, ch.Table)
	}

	rec := make(store.Record, len(ch.Record))
	for k, v := range ch.Record {
		rec[k] = v
	}

	hasPK := len(table.PK) > 0
	for _, col := range table.PK {
		if v, ok := rec[col]; !ok || v == nil {
			hasPK = false
			break
		}
	}
	if !hasPK {
		if ch.Action == ActionUpdate {
			return nil, fmt.Errorf("%w: update of %q without a full pk", store.ErrConfig, ch.Table)
		}
		rec[track.ColVersionDate] = adjusted.Format(time.RFC3339Nano)
		return tc.Insert(ctx, ch.Table, rec)
	}

	current, err := tc.GetByPK(ctx, ch.Table, rec)
	if errors.Is(err, store.ErrNotFound) {
		if ch.Action != ActionInsert {
			tombstoned, err := e.tombstoned(ctx, tc, table, rec)
			if err != nil {
				return nil, err
			}
			if tombstoned {
				// the row was removed after the client last synced; the
				// remove wins over the stale update
				return nil, nil
			}
		}
		rec[track.ColVersionDate] = adjusted.Format(time.RFC3339Nano)
		return tc.Insert(ctx, ch.Table, rec)
	}
	if err != nil {
		return nil, err
	}

	incomingVR := asInt64(rec[track.ColVersionRecord])
	serverVR := asInt64(current[track.ColVersionRecord])
	if ch.Action != ActionInsert && incomingVR > serverVR {
		// the client saw a newer revision than the server holds
		rec[track.ColVersionDate] = adjusted.Format(time.RFC3339Nano)
		return tc.Update(ctx, ch.Table, rec)
	}

	uid := tc.Tracker().TableUID(table, current)
	update := make(store.Record, len(rec))
	for _, col := range table.PK {
		update[col] = current[col]
	}

	for _, col := range table.Columns {
		name := col.Name
		if isPK(table, name) || track.IsReserved(name) || tc.Tracker().Masked(table.Name, name) {
			continue
		}
		val, present := rec[name]
		if !present || track.StringForm(val) == track.StringForm(current[name]) {
			continue
		}
		wins, err := e.resolveColumn(ctx, tc, table, uid, name, val, current, incomingVR, adjusted, ch.Action == ActionInsert)
		if err != nil {
			return nil, err
		}
		if wins {
			update[name] = val
		}
	}

	if len(update) == len(table.PK) {
		// every conflicting column lost; the row itself stays untouched
		return current, nil
	}
	update[track.ColVersionDate] = adjusted.Format(time.RFC3339Nano)
	return tc.Update(ctx, ch.Table, update)
}

// resolveColumn decides whether the incoming value for one conflicting
// column wins. A losing value is preserved in modif_track: either by
// splitting the newer history entry so the chain reads old, incoming,
// current, or as a standalone audit row when no history entry exists.
func (e *Engine) resolveColumn(ctx context.Context, tc *store.Client, table *schema.Table, uid, column string, incoming any, current store.Record, incomingVR int64, adjusted time.Time, isInsert bool) (bool, error) {
	type historyRow struct {
		versionRecord int64
		versionTable  int64
		versionDate   string
		before        any
	}
	var newer *historyRow
	sawAny := false
	err := tc.Unsafe(func(uc *store.Client) error {
		rows, err := uc.Query(ctx, `
			SELECT version_record, version_table, version_date, column_before
			FROM modif_track
			WHERE table_name = ? AND table_uid = ? AND column_name = ? AND version_record >= ?
			ORDER BY version_record, version_date`,
			table.Name, uid, column, incomingVR)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var h historyRow
			var before any
			if err := rows.Scan(&h.versionRecord, &h.versionTable, &h.versionDate, &before); err != nil {
				return err
			}
			h.before = normalizeText(before)
			sawAny = true
			date, err := parseTimestamp(h.versionDate)
			if err != nil {
				return fmt.Errorf("parse history date %q: %w", h.versionDate, err)
			}
			if date.After(adjusted) && newer == nil {
				hh := h
				newer = &hh
			}
		}
		return rows.Err()
	})
	if err != nil {
		return false, err
	}

	if !sawAny || isInsert {
		// no per-column history to compare against: fall back to the row's
		// own stamp. A server value newer than the change demotes the
		// incoming value to an audit entry.
		serverDate, err := parseTimestamp(fmt.Sprint(current[track.ColVersionDate]))
		if err != nil {
			return false, fmt.Errorf("parse row date: %w", err)
		}
		if !serverDate.After(adjusted) {
			return true, nil
		}
		return false, e.insertHistory(ctx, tc, table.Name, uid, column,
			incoming, current[column],
			asInt64(current[track.ColVersionRecord]), asInt64(current[track.ColVersionTable]),
			adjusted, fmt.Sprint(current[track.ColVersionUser]))
	}

	if newer == nil {
		// every unseen history entry predates the change; last writer wins
		return true, nil
	}

	// Split the newer entry: it now reads incoming -> its-after, and a new
	// entry records old-before -> incoming at the change's own time.
	err = tc.Unsafe(func(uc *store.Client) error {
		_, err := uc.Exec(ctx, `
			UPDATE modif_track SET column_before = ?
			WHERE table_name = ? AND table_uid = ? AND column_name = ?
			  AND version_record = ? AND version_table = ? AND version_date = ?`,
			nullableText(incoming), table.Name, uid, column,
			newer.versionRecord, newer.versionTable, newer.versionDate)
		return err
	})
	if err != nil {
		return false, err
	}
	return false, e.insertHistory(ctx, tc, table.Name, uid, column,
		newer.before, incoming, newer.versionRecord, newer.versionTable, adjusted, "")
}

// insertHistory writes one modif_track row preserving a value that lost a
// conflict.
func (e *Engine) insertHistory(ctx context.Context, tc *store.Client, table, uid, column string, before, after any, versionRecord, versionTable int64, date time.Time, user string) error {
	return tc.Unsafe(func(uc *store.Client) error {
		var actor any
		if user != "" && user != "<nil>" {
			actor = user
		}
		_, err := uc.Exec(ctx, `
			INSERT INTO modif_track (table_name, table_uid, column_name, column_before, column_after, version_record, version_table, version_date, version_user)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			table, uid, column, nullableText(before), nullableText(after),
			versionRecord, versionTable, date.Format(time.RFC3339Nano), actor)
		return err
	})
}

// tombstoned reports whether the row's pk tuple has a delete_track entry.
func (e *Engine) tombstoned(ctx context.Context, tc *store.Client, table *schema.Table, rec store.Record) (bool, error) {
	uid := tc.Tracker().TableUID(table, rec)
	var found bool
	err := tc.Unsafe(func(uc *store.Client) error {
		rows, err := uc.Query(ctx, `SELECT 1 FROM delete_track WHERE table_name = ? AND table_uid = ?`,
			table.Name, uid)
		if err != nil {
			return err
		}
		defer rows.Close()
		found = rows.Next()
		return rows.Err()
	})
	return found, err
}

func isPK(table *schema.Table, col string) bool {
	for _, pk := range table.PK {
		if pk == col {
			return true
		}
	}
	return false
}

func normalizeText(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func nullableText(v any) any {
	if v == nil {
		return nil
	}
	return fmt.Sprint(v)
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		var out int64
		fmt.Sscan(n, &out)
		return out
	default:
		return 0
	}
}
