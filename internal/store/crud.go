package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/hyperengineering/ledger/internal/query"
	"github.com/hyperengineering/ledger/internal/schema"
	"github.com/hyperengineering/ledger/internal/sqlutil"
)

// Insert writes one row and returns it as stored, including values the
// backend or the tracker filled in (sequences, version columns). Tracked
// tables get their version columns stamped and the table version bumped in
// the same statement scope as the insert.
func (c *Client) Insert(ctx context.Context, tableName string, rec Record) (Record, error) {
	_, table, err := c.table(ctx, tableName)
	if err != nil {
		return nil, err
	}

	ev := &Event{Op: OpInsert, Table: tableName, Record: cloneRecord(rec), Client: c}
	if err := c.hooks.runBefore(ctx, ev); err != nil {
		return nil, err
	}
	row := ev.Record

	tracked := c.tracker.Tracked(table)
	if tracked && c.tracker.RequireActor() && c.actor == "" {
		return nil, fmt.Errorf("%w: mutation of tracked table %q without an actor", ErrConfig, tableName)
	}
	if err := c.applySequences(ctx, table, row); err != nil {
		return nil, err
	}
	if tracked {
		if err := c.tracker.StampInsert(ctx, c.ex, table, row, c.actor); err != nil {
			return nil, err
		}
	}

	cols, err := recordColumns(table, row)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: empty record for table %q", ErrConfig, tableName)
	}

	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		quoted[i] = c.dialect.QuoteIdent(col)
		marks[i] = "?"
		args[i] = row[col]
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		c.dialect.QuoteIdent(table.Name), strings.Join(quoted, ", "), strings.Join(marks, ", "))

	pkRec, err := c.execInsert(ctx, table, stmt, args, row)
	if err != nil {
		return nil, err
	}

	stored, err := c.runSelect(ctx, table, pkPredicate(table, pkRec), SearchOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, fmt.Errorf("reread inserted row of %s: %w", tableName, ErrNotFound)
	}

	ev.Result = stored[0]
	if err := c.hooks.runAfter(ctx, ev); err != nil {
		return nil, err
	}
	out, _ := ev.Result.(Record)
	return out, nil
}

// execInsert runs the insert and resolves the pk tuple of the new row. When
// the record already carries every pk column the tuple is taken from it;
// otherwise postgres returns the generated pk via RETURNING and sqlite via
// the rowid.
func (c *Client) execInsert(ctx context.Context, table *schema.Table, stmt string, args []any, row Record) (Record, error) {
	missing := make([]string, 0, len(table.PK))
	pkRec := make(Record, len(table.PK))
	for _, col := range table.PK {
		if v, ok := row[col]; ok && v != nil {
			pkRec[col] = v
		} else {
			missing = append(missing, col)
		}
	}

	if len(missing) == 0 {
		if _, err := c.ex.ExecContext(ctx, c.dialect.Rebind(stmt), args...); err != nil {
			return nil, fmt.Errorf("insert into %s: %w", table.Name, err)
		}
		return pkRec, nil
	}

	if c.dialect.IsPostgres() {
		quoted := make([]string, len(missing))
		for i, col := range missing {
			quoted[i] = c.dialect.QuoteIdent(col)
		}
		stmt += " RETURNING " + strings.Join(quoted, ", ")
		dests := make([]any, len(missing))
		vals := make([]any, len(missing))
		for i := range dests {
			dests[i] = &vals[i]
		}
		if err := c.ex.QueryRowContext(ctx, c.dialect.Rebind(stmt), args...).Scan(dests...); err != nil {
			return nil, fmt.Errorf("insert into %s: %w", table.Name, err)
		}
		for i, col := range missing {
			pkRec[col] = vals[i]
		}
		return pkRec, nil
	}

	if len(missing) > 1 {
		return nil, fmt.Errorf("%w: insert into %q leaves %d pk columns unset", ErrConfig, table.Name, len(missing))
	}
	res, err := c.ex.ExecContext(ctx, c.dialect.Rebind(stmt), args...)
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", table.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert into %s: generated pk: %w", table.Name, err)
	}
	pkRec[missing[0]] = id
	return pkRec, nil
}

// InsertAll inserts the records in order and returns the stored rows.
func (c *Client) InsertAll(ctx context.Context, tableName string, recs []Record) ([]Record, error) {
	out := make([]Record, 0, len(recs))
	for i, rec := range recs {
		stored, err := c.Insert(ctx, tableName, rec)
		if err != nil {
			return nil, fmt.Errorf("insert %d of %d into %s: %w", i+1, len(recs), tableName, err)
		}
		out = append(out, stored)
	}
	return out, nil
}

// Update rewrites the columns present in the record for the row identified
// by its pk, which must be fully present. Tracked tables additionally get a
// per-column diff in modif_track and their version columns advanced.
// Returns the row as stored, or ErrNotFound.
func (c *Client) Update(ctx context.Context, tableName string, rec Record) (Record, error) {
	_, table, err := c.table(ctx, tableName)
	if err != nil {
		return nil, err
	}
	pkRec, err := pkRecord(table, Record(rec))
	if err != nil {
		return nil, err
	}

	ev := &Event{Op: OpUpdate, Table: tableName, Record: cloneRecord(rec), Client: c}
	if err := c.hooks.runBefore(ctx, ev); err != nil {
		return nil, err
	}
	row := ev.Record

	olds, err := c.runSelect(ctx, table, pkPredicate(table, pkRec), SearchOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(olds) == 0 {
		return nil, ErrNotFound
	}
	old := olds[0]

	tracked := c.tracker.Tracked(table)
	if tracked && c.tracker.RequireActor() && c.actor == "" {
		return nil, fmt.Errorf("%w: mutation of tracked table %q without an actor", ErrConfig, tableName)
	}
	if tracked {
		if err := c.tracker.StampUpdate(ctx, c.ex, table, old, row, c.actor); err != nil {
			return nil, err
		}
	}

	cols, err := recordColumns(table, row)
	if err != nil {
		return nil, err
	}
	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+len(table.PK))
	for _, col := range cols {
		if isPKColumn(table, col) {
			continue
		}
		sets = append(sets, c.dialect.QuoteIdent(col)+" = ?")
		args = append(args, row[col])
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("%w: update of %q sets no columns", ErrConfig, tableName)
	}
	where, whereArgs := pkWhere(c.dialect, table, pkRec)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		c.dialect.QuoteIdent(table.Name), strings.Join(sets, ", "), where)
	if _, err := c.ex.ExecContext(ctx, c.dialect.Rebind(stmt), append(args, whereArgs...)...); err != nil {
		return nil, fmt.Errorf("update %s: %w", tableName, err)
	}

	stored, err := c.runSelect(ctx, table, pkPredicate(table, pkRec), SearchOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, ErrNotFound
	}

	ev.Result = stored[0]
	if err := c.hooks.runAfter(ctx, ev); err != nil {
		return nil, err
	}
	out, _ := ev.Result.(Record)
	return out, nil
}

// Remove deletes the row identified by the pk value or record. Tracked
// tables get a tombstone in delete_track; removing an absent row returns
// ErrNotFound.
func (c *Client) Remove(ctx context.Context, tableName string, pk any) error {
	_, table, err := c.table(ctx, tableName)
	if err != nil {
		return err
	}
	pkRec, err := pkRecord(table, pk)
	if err != nil {
		return err
	}

	ev := &Event{Op: OpRemove, Table: tableName, Record: pkRec, Client: c}
	if err := c.hooks.runBefore(ctx, ev); err != nil {
		return err
	}

	if err := c.removeOne(ctx, table, ev.Record); err != nil {
		return err
	}
	return c.hooks.runAfter(ctx, ev)
}

// removeOne deletes one row by pk record with tracking applied.
func (c *Client) removeOne(ctx context.Context, table *schema.Table, pkRec Record) error {
	olds, err := c.runSelect(ctx, table, pkPredicate(table, pkRec), SearchOptions{Limit: 1})
	if err != nil {
		return err
	}
	if len(olds) == 0 {
		return ErrNotFound
	}
	old := olds[0]

	tracked := c.tracker.Tracked(table)
	if tracked && c.tracker.RequireActor() && c.actor == "" {
		return fmt.Errorf("%w: mutation of tracked table %q without an actor", ErrConfig, table.Name)
	}

	where, args := pkWhere(c.dialect, table, pkRec)
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", c.dialect.QuoteIdent(table.Name), where)
	if _, err := c.ex.ExecContext(ctx, c.dialect.Rebind(stmt), args...); err != nil {
		return fmt.Errorf("delete from %s: %w", table.Name, err)
	}
	if tracked {
		if err := c.tracker.RecordDelete(ctx, c.ex, table, old, c.actor); err != nil {
			return err
		}
	}
	return nil
}

// RemoveWhere deletes every row matching the predicate, one at a time so
// each tracked row gets its own tombstone. Returns the number of rows
// removed; an empty match is not an error.
func (c *Client) RemoveWhere(ctx context.Context, tableName string, pred query.Predicate) (int, error) {
	_, table, err := c.table(ctx, tableName)
	if err != nil {
		return 0, err
	}

	ev := &Event{Op: OpRemoveWhere, Table: tableName, Predicate: pred, Client: c}
	if err := c.hooks.runBefore(ctx, ev); err != nil {
		return 0, err
	}

	matches, err := c.runSelect(ctx, table, ev.Predicate, SearchOptions{})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, row := range matches {
		pkRec := make(Record, len(table.PK))
		for _, col := range table.PK {
			pkRec[col] = row[col]
		}
		if err := c.removeOne(ctx, table, pkRec); err != nil {
			return removed, err
		}
		removed++
	}

	ev.Result = removed
	if err := c.hooks.runAfter(ctx, ev); err != nil {
		return removed, err
	}
	return removed, nil
}

// applySequences fills columns bound to a named sequence when the caller
// left them unset. Postgres draws from the real sequence; sqlite emulates
// with max+1, which is safe under its single-writer model.
func (c *Client) applySequences(ctx context.Context, table *schema.Table, rec Record) error {
	for col, seq := range table.Sequences {
		if v, ok := rec[col]; ok && v != nil {
			continue
		}
		var next int64
		var err error
		if c.dialect.IsPostgres() {
			err = c.ex.QueryRowContext(ctx,
				fmt.Sprintf("SELECT nextval('%s')", seq)).Scan(&next)
		} else {
			err = c.ex.QueryRowContext(ctx, fmt.Sprintf(
				"SELECT COALESCE(MAX(%s), 0) + 1 FROM %s",
				c.dialect.QuoteIdent(col), c.dialect.QuoteIdent(table.Name))).Scan(&next)
		}
		if err != nil {
			return fmt.Errorf("next value of sequence %s for %s.%s: %w", seq, table.Name, col, err)
		}
		rec[col] = next
	}
	return nil
}

func isPKColumn(table *schema.Table, col string) bool {
	for _, pk := range table.PK {
		if pk == col {
			return true
		}
	}
	return false
}

// pkWhere renders the pk equality clause for raw UPDATE and DELETE.
func pkWhere(d sqlutil.Dialect, table *schema.Table, pkRec Record) (string, []any) {
	parts := make([]string, len(table.PK))
	args := make([]any, len(table.PK))
	for i, col := range table.PK {
		parts[i] = d.QuoteIdent(col) + " = ?"
		args[i] = pkRec[col]
	}
	return strings.Join(parts, " AND "), args
}

func cloneRecord(rec Record) Record {
	out := make(Record, len(rec)+4)
	for k, v := range rec {
		out[k] = v
	}
	return out
}
