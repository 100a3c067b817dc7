// Package sqlutil smooths over the differences between the supported SQL
// backends. The query builder always emits '?' placeholders and dialect-free
// SQL; callers rebind through the Dialect before execution.
package sqlutil

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect identifies a supported SQL backend.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Open opens a database handle for the given driver name and DSN.
// Supported drivers: "sqlite" and "postgres".
func Open(driver, dsn string) (*sql.DB, Dialect, error) {
	switch Dialect(driver) {
	case SQLite:
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, "", fmt.Errorf("open sqlite database: %w", err)
		}
		return db, SQLite, nil
	case Postgres:
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, "", fmt.Errorf("open postgres database: %w", err)
		}
		return db, Postgres, nil
	default:
		return nil, "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Rebind converts '?' placeholders to the dialect's native form.
// SQLite keeps '?'; Postgres uses $1, $2, ...
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inString := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '\'' {
			inString = !inString
		}
		if c == '?' && !inString {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// IsPostgres reports whether the dialect is the Postgres backend.
func (d Dialect) IsPostgres() bool { return d == Postgres }

// ILike returns the case-insensitive LIKE operator for the dialect.
// SQLite's LIKE is case-insensitive for ASCII by default.
func (d Dialect) ILike() string {
	if d == Postgres {
		return "ILIKE"
	}
	return "LIKE"
}

// QuoteIdent quotes an identifier for safe embedding in generated SQL.
func (d Dialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// UpsertTableVersion returns the dialect's statement for bumping a
// table_versions row, returning the new version via RETURNING.
// Both supported backends understand ON CONFLICT ... DO UPDATE.
func (d Dialect) UpsertTableVersion() string {
	return `
		INSERT INTO table_versions (table_name, version_table, version_date)
		VALUES (?, 1, ?)
		ON CONFLICT (table_name) DO UPDATE
		SET version_table = table_versions.version_table + 1, version_date = excluded.version_date
		RETURNING version_table`
}
