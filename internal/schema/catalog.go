// Package schema reflects the backend's tables, columns, primary keys and
// foreign keys into a cached catalog. The catalog is process-wide and
// read-mostly; executing DDL invalidates it.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hyperengineering/ledger/internal/sqlutil"
)

// Column describes a single table column.
type Column struct {
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`
	Size int    `yaml:"size,omitempty" json:"size,omitempty"`
}

// ForeignKey describes a column-level reference to another table.
type ForeignKey struct {
	Column       string `yaml:"column" json:"thisColumn"`
	TargetTable  string `yaml:"target_table" json:"targetTable"`
	TargetColumn string `yaml:"target_column" json:"targetColumn"`
}

// ViewSource names a sub-table of a view-of-many table together with the
// column that carries its table version. The version column is always
// explicit; nothing is inferred from naming conventions.
type ViewSource struct {
	Name          string `yaml:"name" json:"name"`
	VersionColumn string `yaml:"version_column" json:"versionColumn"`
}

// Table is the catalog entry for one table.
type Table struct {
	Name      string            `yaml:"name" json:"name"`
	Columns   []Column          `yaml:"columns" json:"columns"`
	PK        []string          `yaml:"pk" json:"pk"`
	FKs       []ForeignKey      `yaml:"fk,omitempty" json:"fk,omitempty"`
	ViewOf    []ViewSource      `yaml:"view_of,omitempty" json:"viewOfTables,omitempty"`
	Sequences map[string]string `yaml:"sequences,omitempty" json:"sequences,omitempty"`
}

// HasColumn reports whether the table declares the named column.
func (t *Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Column returns the named column, or nil.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// Schema maps table name to its catalog entry.
type Schema map[string]*Table

// Table returns the entry for name, or nil.
func (s Schema) Table(name string) *Table {
	return s[name]
}

// Names returns all table names in sorted order.
func (s Schema) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Catalog loads and caches the backend schema.
type Catalog struct {
	db        *sql.DB
	dialect   sqlutil.Dialect
	overrides Schema

	mu     sync.RWMutex
	cached Schema
}

// NewCatalog creates a catalog over the given handle. The overrides schema
// is merged column-by-column into the reflected schema on every load.
func NewCatalog(db *sql.DB, dialect sqlutil.Dialect, overrides Schema) *Catalog {
	return &Catalog{db: db, dialect: dialect, overrides: overrides}
}

// Load returns the full schema, reflecting it from the backend on first use.
func (c *Catalog) Load(ctx context.Context) (Schema, error) {
	c.mu.RLock()
	if c.cached != nil {
		s := c.cached
		c.mu.RUnlock()
		return s, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != nil {
		return c.cached, nil
	}

	var (
		s   Schema
		err error
	)
	switch c.dialect {
	case sqlutil.Postgres:
		s, err = reflectPostgres(ctx, c.db)
	default:
		s, err = reflectSQLite(ctx, c.db)
	}
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	mergeOverrides(s, c.overrides)
	defaultPrimaryKeys(s)

	c.cached = s
	return s, nil
}

// MergeOverrides replaces the override schema and drops the cache, so the
// next Load reflects and re-merges. Used when a client refetches the schema
// from its server.
func (c *Catalog) MergeOverrides(overrides Schema) {
	c.mu.Lock()
	c.overrides = overrides
	c.cached = nil
	c.mu.Unlock()
}

// Invalidate drops the cached schema. The next Load reflects again.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// ObserveSQL invalidates the cache when an executed statement contains DDL.
// Detection is a case-insensitive check for a CREATE or ALTER keyword.
func (c *Catalog) ObserveSQL(stmt string) {
	upper := strings.ToUpper(stmt)
	if strings.Contains(upper, "CREATE ") || strings.Contains(upper, "ALTER ") {
		c.Invalidate()
	}
}

// Version returns the schema version. When a db_version row exists its value
// is authoritative; otherwise a surrogate derived from the table and column
// counts provides a monotonic proxy under the assumption that schema only
// grows.
func (c *Catalog) Version(ctx context.Context) (int64, error) {
	var v sql.NullInt64
	err := c.db.QueryRowContext(ctx, "SELECT MAX(version) FROM db_version").Scan(&v)
	if err == nil && v.Valid {
		return v.Int64, nil
	}

	s, err := c.Load(ctx)
	if err != nil {
		return 0, err
	}
	var surrogate int64
	for _, t := range s {
		surrogate += 1 + int64(len(t.Columns))
	}
	return surrogate, nil
}

// mergeOverrides merges the user-supplied partial schema: existing columns
// are updated in place, new columns appended, and table-level metadata
// (pk, fk, view-of, sequences) replaced when supplied.
func mergeOverrides(s Schema, overrides Schema) {
	for name, ov := range overrides {
		existing, ok := s[name]
		if !ok {
			s[name] = ov
			continue
		}
		for _, col := range ov.Columns {
			if cur := existing.Column(col.Name); cur != nil {
				*cur = col
			} else {
				existing.Columns = append(existing.Columns, col)
			}
		}
		if len(ov.PK) > 0 {
			existing.PK = ov.PK
		}
		if len(ov.FKs) > 0 {
			existing.FKs = ov.FKs
		}
		if len(ov.ViewOf) > 0 {
			existing.ViewOf = ov.ViewOf
		}
		if len(ov.Sequences) > 0 {
			existing.Sequences = ov.Sequences
		}
	}
}

// defaultPrimaryKeys gives tables without a detected primary key a pk equal
// to their full column list.
func defaultPrimaryKeys(s Schema) {
	for _, t := range s {
		if len(t.PK) > 0 {
			continue
		}
		pk := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			pk[i] = c.Name
		}
		t.PK = pk
	}
}
