package schema

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// reflectSQLite builds the schema from sqlite_master and the table_info /
// foreign_key_list pragmas.
func reflectSQLite(ctx context.Context, db *sql.DB) (Schema, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name NOT LIKE 'goose_%'
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s := make(Schema, len(names))
	for _, name := range names {
		t := &Table{Name: name}
		if err := sqliteColumns(ctx, db, t); err != nil {
			return nil, err
		}
		if err := sqliteForeignKeys(ctx, db, t); err != nil {
			return nil, err
		}
		s[name] = t
	}
	return s, nil
}

func sqliteColumns(ctx context.Context, db *sql.DB, t *Table) error {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", t.Name))
	if err != nil {
		return fmt.Errorf("table_info %s: %w", t.Name, err)
	}
	defer rows.Close()

	type pkCol struct {
		name string
		rank int
	}
	var pks []pkCol
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("scan table_info %s: %w", t.Name, err)
		}
		t.Columns = append(t.Columns, Column{Name: name, Type: colType})
		if pk > 0 {
			pks = append(pks, pkCol{name: name, rank: pk})
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	sort.Slice(pks, func(i, j int) bool { return pks[i].rank < pks[j].rank })
	for _, p := range pks {
		t.PK = append(t.PK, p.name)
	}
	return nil
}

func sqliteForeignKeys(ctx context.Context, db *sql.DB, t *Table) error {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%q)", t.Name))
	if err != nil {
		return fmt.Errorf("foreign_key_list %s: %w", t.Name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, seq                      int
			target, from, to             string
			onUpdate, onDelete, matching string
		)
		if err := rows.Scan(&id, &seq, &target, &from, &to, &onUpdate, &onDelete, &matching); err != nil {
			return fmt.Errorf("scan foreign_key_list %s: %w", t.Name, err)
		}
		t.FKs = append(t.FKs, ForeignKey{Column: from, TargetTable: target, TargetColumn: to})
	}
	return rows.Err()
}

// reflectPostgres builds the schema from information_schema.
func reflectPostgres(ctx context.Context, db *sql.DB) (Schema, error) {
	s := make(Schema)

	rows, err := db.QueryContext(ctx, `
		SELECT table_name, column_name, data_type, COALESCE(character_maximum_length, 0)
		FROM information_schema.columns
		WHERE table_schema = current_schema()
		ORDER BY table_name, ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			table, column, colType string
			size                   int
		)
		if err := rows.Scan(&table, &column, &colType, &size); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		t, ok := s[table]
		if !ok {
			t = &Table{Name: table}
			s[table] = t
		}
		t.Columns = append(t.Columns, Column{Name: column, Type: colType, Size: size})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := postgresKeys(ctx, db, s); err != nil {
		return nil, err
	}
	delete(s, "goose_db_version")
	return s, nil
}

func postgresKeys(ctx context.Context, db *sql.DB, s Schema) error {
	rows, err := db.QueryContext(ctx, `
		SELECT tc.table_name, tc.constraint_type, kcu.column_name,
		       COALESCE(ccu.table_name, ''), COALESCE(ccu.column_name, '')
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		LEFT JOIN information_schema.constraint_column_usage ccu
		  ON tc.constraint_name = ccu.constraint_name AND tc.constraint_type = 'FOREIGN KEY'
		WHERE tc.table_schema = current_schema()
		  AND tc.constraint_type IN ('PRIMARY KEY', 'FOREIGN KEY')
		ORDER BY tc.table_name, kcu.ordinal_position`)
	if err != nil {
		return fmt.Errorf("list constraints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var table, kind, column, targetTable, targetColumn string
		if err := rows.Scan(&table, &kind, &column, &targetTable, &targetColumn); err != nil {
			return fmt.Errorf("scan constraint: %w", err)
		}
		t, ok := s[table]
		if !ok {
			continue
		}
		switch kind {
		case "PRIMARY KEY":
			t.PK = append(t.PK, column)
		case "FOREIGN KEY":
			t.FKs = append(t.FKs, ForeignKey{Column: column, TargetTable: targetTable, TargetColumn: targetColumn})
		}
	}
	return rows.Err()
}
