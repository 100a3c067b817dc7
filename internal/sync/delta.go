package sync

import (
	"context"
	"fmt"

	"github.com/hyperengineering/ledger/internal/query"
	"github.com/hyperengineering/ledger/internal/schema"
	"github.com/hyperengineering/ledger/internal/store"
	"github.com/hyperengineering/ledger/internal/track"
)

// Delta returns the table's rows with a version beyond the client's and the
// tombstones recorded since, plus the server's current table version for the
// client to persist once it has applied the delta.
func (e *Engine) Delta(ctx context.Context, tableName string, after int64) (*TableDelta, error) {
	s, err := e.client.Catalog().Load(ctx)
	if err != nil {
		return nil, err
	}
	table := s.Table(tableName)
	if table == nil {
		return nil, fmt.Errorf("%w: unknown table %q", store.ErrConfig, tableName)
	}

	version, err := track.TableVersion(ctx, e.client.DB(), e.client.Dialect(), tableName)
	if err != nil {
		return nil, err
	}

	// View-of-many tables select on every sub-table version column; the
	// column names come from explicit configuration, never from naming
	// conventions.
	var pred query.Predicate
	if len(table.ViewOf) > 0 {
		or := make(query.Or, 0, len(table.ViewOf))
		for _, src := range table.ViewOf {
			if src.VersionColumn == "" {
				return nil, fmt.Errorf("%w: view source %q of %q has no version column", store.ErrConfig, src.Name, tableName)
			}
			or = append(or, query.Cond{Col: src.VersionColumn, Op: query.OpGt, Value: after})
		}
		pred = or
	} else {
		pred = query.Cond{Col: track.ColVersionTable, Op: query.OpGt, Value: after}
	}

	rows, err := e.client.Search(ctx, tableName, pred, store.SearchOptions{})
	if err != nil {
		return nil, err
	}

	removed, err := e.removedSince(ctx, table, after)
	if err != nil {
		return nil, err
	}

	delta := &TableDelta{
		Table:   tableName,
		Version: version,
		Rows:    make([]map[string]any, len(rows)),
		Removed: removed,
	}
	for i, r := range rows {
		delta.Rows[i] = r
	}
	return delta, nil
}

// removedSince parses tombstones back into pk records using the table's pk
// order and the fixed separator.
func (e *Engine) removedSince(ctx context.Context, table *schema.Table, after int64) ([]map[string]any, error) {
	uids := make([]string, 0)
	err := e.client.Unsafe(func(uc *store.Client) error {
		rows, err := uc.Query(ctx, `
			SELECT table_uid FROM delete_track
			WHERE table_name = ? AND table_version > ?
			ORDER BY table_version`,
			table.Name, after)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var uid string
			if err := rows.Scan(&uid); err != nil {
				return err
			}
			uids = append(uids, uid)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	removed := make([]map[string]any, 0, len(uids))
	for _, uid := range uids {
		rec, err := track.ParseTableUID(table, uid)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", store.ErrConfig, err)
		}
		removed = append(removed, rec)
	}
	return removed, nil
}
