// Package track maintains the modification and delete history for tracked
// tables. Every insert and update of a tracked table bumps the per-table
// sequence and the per-record counter and stamps the version columns; every
// update additionally writes a column-level diff row per changed column, and
// every remove writes a tombstone. The hooks run inside the mutation's
// transaction so history commits atomically with the mutation.
package track

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/ledger/internal/schema"
	"github.com/hyperengineering/ledger/internal/sqlutil"
)

// Separator joins pk values into a table_uid. It must not appear in any pk
// value; modif_track and delete_track key-join on the same serialization.
const Separator = "$_$"

// Reserved version columns carried by tracked tables.
const (
	ColVersionRecord = "version_record"
	ColVersionTable  = "version_table"
	ColVersionDate   = "version_date"
	ColVersionUser   = "version_user"
)

// coreTables are never tracked: they are the tracker's own bookkeeping, the
// session table, and the binary table which has its own save path.
var coreTables = map[string]bool{
	"table_versions": true,
	"modif_track":    true,
	"delete_track":   true,
	"sync_log":       true,
	"sessions":       true,
	"db_version":     true,
	"binary_meta":    true,
}

// Execer is the subset of database/sql shared by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Config restricts which tables are tracked. Exactly one of Allow, Include
// or Exclude is typically set; when several are set they all must pass.
type Config struct {
	// Allow, when set, must return true for a table to be tracked.
	Allow func(table string) bool
	// Include, when non-empty, limits tracking to the listed tables.
	Include []string
	// Exclude lists tables that are never tracked.
	Exclude []string
	// Masked lists per-table columns excluded from history and from sync
	// conflict comparison (e.g. password).
	Masked map[string][]string
	// RequireActor makes a tracked mutation without an actor an error.
	// With it off, version_user is left null.
	RequireActor bool
}

// Tracker applies the tracking configuration to mutations.
type Tracker struct {
	dialect sqlutil.Dialect
	cfg     Config
	include map[string]bool
	exclude map[string]bool
	masked  map[string]map[string]bool
}

// New creates a Tracker for the given dialect and configuration.
func New(dialect sqlutil.Dialect, cfg Config) *Tracker {
	t := &Tracker{dialect: dialect, cfg: cfg}
	if len(cfg.Include) > 0 {
		t.include = make(map[string]bool, len(cfg.Include))
		for _, name := range cfg.Include {
			t.include[name] = true
		}
	}
	if len(cfg.Exclude) > 0 {
		t.exclude = make(map[string]bool, len(cfg.Exclude))
		for _, name := range cfg.Exclude {
			t.exclude[name] = true
		}
	}
	if len(cfg.Masked) > 0 {
		t.masked = make(map[string]map[string]bool, len(cfg.Masked))
		for table, cols := range cfg.Masked {
			set := make(map[string]bool, len(cols))
			for _, col := range cols {
				set[col] = true
			}
			t.masked[table] = set
		}
	}
	return t
}

// Tracked reports whether mutations of the table are instrumented. A table
// must also declare the reserved version columns to be tracked.
func (t *Tracker) Tracked(table *schema.Table) bool {
	if table == nil || coreTables[table.Name] {
		return false
	}
	if t.exclude[table.Name] {
		return false
	}
	if t.include != nil && !t.include[table.Name] {
		return false
	}
	if t.cfg.Allow != nil && !t.cfg.Allow(table.Name) {
		return false
	}
	return table.HasColumn(ColVersionRecord) && table.HasColumn(ColVersionTable) &&
		table.HasColumn(ColVersionDate) && table.HasColumn(ColVersionUser)
}

// Masked reports whether the column is excluded from history for the table.
func (t *Tracker) Masked(table, column string) bool {
	return t.masked[table][column]
}

// RequireActor reports whether tracked mutations must carry an actor.
func (t *Tracker) RequireActor() bool {
	return t.cfg.RequireActor
}

// TableUID serializes the record's pk tuple with the fixed separator.
func (t *Tracker) TableUID(table *schema.Table, rec map[string]any) string {
	uid := ""
	for i, col := range table.PK {
		if i > 0 {
			uid += Separator
		}
		uid += fmt.Sprint(rec[col])
	}
	return uid
}

// ParseTableUID splits a table_uid back into a pk record using the table's
// pk order.
func ParseTableUID(table *schema.Table, uid string) (map[string]any, error) {
	values := splitUID(uid)
	if len(values) != len(table.PK) {
		return nil, fmt.Errorf("table_uid %q has %d parts, table %s pk has %d", uid, len(values), table.Name, len(table.PK))
	}
	rec := make(map[string]any, len(values))
	for i, col := range table.PK {
		rec[col] = values[i]
	}
	return rec, nil
}

func splitUID(uid string) []string {
	return strings.Split(uid, Separator)
}

// StampInsert fills the version columns for a fresh row and bumps the
// table version. version_record starts at 0; version_date is the server
// wall-clock unless the caller supplied one.
func (t *Tracker) StampInsert(ctx context.Context, ex Execer, table *schema.Table, rec map[string]any, actor string) error {
	version, err := t.bumpTableVersion(ctx, ex, table.Name)
	if err != nil {
		return err
	}
	rec[ColVersionRecord] = int64(0)
	rec[ColVersionTable] = version
	if rec[ColVersionDate] == nil {
		rec[ColVersionDate] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if actor != "" {
		rec[ColVersionUser] = actor
	}
	return nil
}

// StampUpdate fills the version columns for an update of old and writes one
// modif_track row per changed column.
func (t *Tracker) StampUpdate(ctx context.Context, ex Execer, table *schema.Table, old, rec map[string]any, actor string) error {
	version, err := t.bumpTableVersion(ctx, ex, table.Name)
	if err != nil {
		return err
	}

	recordVersion := asInt64(old[ColVersionRecord]) + 1
	rec[ColVersionRecord] = recordVersion
	rec[ColVersionTable] = version
	if rec[ColVersionDate] == nil {
		rec[ColVersionDate] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if actor != "" {
		rec[ColVersionUser] = actor
	}

	uid := t.TableUID(table, old)
	versionDate := fmt.Sprint(rec[ColVersionDate])
	var versionUser any
	if actor != "" {
		versionUser = actor
	}

	for _, col := range table.Columns {
		name := col.Name
		if IsReserved(name) || t.Masked(table.Name, name) {
			continue
		}
		after, present := rec[name]
		if !present {
			continue
		}
		before := old[name]
		if StringForm(before) == StringForm(after) {
			continue
		}
		_, err := ex.ExecContext(ctx, t.dialect.Rebind(`
			INSERT INTO modif_track (table_name, table_uid, column_name, column_before, column_after, version_record, version_table, version_date, version_user)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			table.Name, uid, name, nullableString(before), nullableString(after),
			recordVersion, version, versionDate, versionUser)
		if err != nil {
			return fmt.Errorf("write modif_track for %s.%s: %w", table.Name, name, err)
		}
	}
	return nil
}

// RecordDelete writes the tombstone for a removed row. Tombstones are never
// removed by the core.
func (t *Tracker) RecordDelete(ctx context.Context, ex Execer, table *schema.Table, old map[string]any, actor string) error {
	version, err := t.bumpTableVersion(ctx, ex, table.Name)
	if err != nil {
		return err
	}
	var deletedBy any
	if actor != "" {
		deletedBy = actor
	}
	_, err = ex.ExecContext(ctx, t.dialect.Rebind(`
		INSERT INTO delete_track (table_name, table_uid, table_version, deleted_at, deleted_by)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (table_name, table_uid) DO UPDATE
		SET table_version = excluded.table_version, deleted_at = excluded.deleted_at, deleted_by = excluded.deleted_by`),
		table.Name, t.TableUID(table, old), version,
		time.Now().UTC().Format(time.RFC3339Nano), deletedBy)
	if err != nil {
		return fmt.Errorf("write delete_track for %s: %w", table.Name, err)
	}
	return nil
}

// bumpTableVersion advances the per-table sequence, mirroring it to the
// table_versions row with upsert semantics, and returns the new value.
func (t *Tracker) bumpTableVersion(ctx context.Context, ex Execer, table string) (int64, error) {
	var version int64
	err := ex.QueryRowContext(ctx, t.dialect.Rebind(t.dialect.UpsertTableVersion()),
		table, time.Now().UTC().Format(time.RFC3339Nano)).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("bump table version for %s: %w", table, err)
	}
	return version, nil
}

// TableVersion reads the current version for a table, -1 when absent.
func TableVersion(ctx context.Context, ex Execer, dialect sqlutil.Dialect, table string) (int64, error) {
	var version int64
	err := ex.QueryRowContext(ctx, dialect.Rebind(
		`SELECT version_table FROM table_versions WHERE table_name = ?`), table).Scan(&version)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read table version for %s: %w", table, err)
	}
	return version, nil
}

// IsReserved reports whether the column is one of the reserved version
// columns.
func IsReserved(col string) bool {
	switch col {
	case ColVersionRecord, ColVersionTable, ColVersionDate, ColVersionUser:
		return true
	}
	return false
}

// StringForm is the comparison form used to decide whether a column value
// changed. Nil maps to a sentinel no printable value can collide with.
func StringForm(v any) string {
	if v == nil {
		return "\x00null"
	}
	return fmt.Sprint(v)
}

func nullableString(v any) any {
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
