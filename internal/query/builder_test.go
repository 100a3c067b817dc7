package query

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/hyperengineering/ledger/internal/schema"
	"github.com/hyperengineering/ledger/internal/sqlutil"
	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) (*sql.DB, schema.Schema) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "query_test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	stmts := []string{
		`CREATE TABLE orders (id TEXT PRIMARY KEY, customer TEXT, total REAL)`,
		`CREATE TABLE lines (
			id TEXT PRIMARY KEY,
			order_id TEXT REFERENCES orders(id),
			sku TEXT,
			qty INTEGER
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("exec %s: %v", stmt, err)
		}
	}

	cat := schema.NewCatalog(db, sqlutil.SQLite, nil)
	s, err := cat.Load(context.Background())
	if err != nil {
		t.Fatalf("load schema: %v", err)
	}
	return db, s
}

func runPlan(t *testing.T, db *sql.DB, plan *SelectPlan) []map[string]any {
	t.Helper()
	rows, err := db.Query(plan.SQL, plan.Args...)
	if err != nil {
		t.Fatalf("query failed: %v\nsql: %s", err, plan.SQL)
	}
	defer rows.Close()
	recs, err := plan.Collect(rows)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	return recs
}

func seedOrders(t *testing.T, db *sql.DB, orders int, linesPer int) {
	t.Helper()
	for i := 1; i <= orders; i++ {
		if _, err := db.Exec(`INSERT INTO orders (id, customer, total) VALUES (?, ?, ?)`,
			fmt.Sprintf("o%02d", i), fmt.Sprintf("cust-%d", i%3), float64(i)*10); err != nil {
			t.Fatalf("seed order: %v", err)
		}
		for j := 1; j <= linesPer; j++ {
			if _, err := db.Exec(`INSERT INTO lines (id, order_id, sku, qty) VALUES (?, ?, ?, ?)`,
				fmt.Sprintf("o%02d-l%d", i, j), fmt.Sprintf("o%02d", i), fmt.Sprintf("sku-%d", j), j); err != nil {
				t.Fatalf("seed line: %v", err)
			}
		}
	}
}

func TestSelect_ExamplePredicate(t *testing.T) {
	// Given: seeded orders
	db, s := newTestDB(t)
	seedOrders(t, db, 5, 0)
	b := &Builder{Dialect: sqlutil.SQLite, Schema: s}

	// When: searching by example (equality)
	plan, err := b.Select(s.Table("orders"), Example(map[string]any{"customer": "cust-1"}), Options{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	recs := runPlan(t, db, plan)

	// Then: only matching rows return
	if len(recs) != 2 { // o01, o04
		t.Fatalf("expected 2 rows, got %d", len(recs))
	}
	for _, rec := range recs {
		if rec["customer"] != "cust-1" {
			t.Errorf("unexpected row %v", rec)
		}
	}
}

func TestSelect_OperatorForms(t *testing.T) {
	db, s := newTestDB(t)
	seedOrders(t, db, 6, 0)
	b := &Builder{Dialect: sqlutil.SQLite, Schema: s}
	orders := s.Table("orders")

	cases := []struct {
		name string
		pred Predicate
		want int
	}{
		{"gt", Cond{Col: "total", Op: OpGt, Value: 40.0}, 2},
		{"between", Between("total", 20.0, 40.0), 3},
		{"in", In("id", "o01", "o03", "missing"), 2},
		{"not in", Cond{Col: "id", Op: OpNotIn, Value: []any{"o01"}}, 5},
		{"ilike", Like("customer", "CUST-%"), 6},
		{"or", Or{Eq("id", "o01"), Eq("id", "o02")}, 2},
		{"null", Eq("customer", nil), 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := b.Select(orders, tc.pred, Options{})
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			recs := runPlan(t, db, plan)
			if len(recs) != tc.want {
				t.Errorf("got %d rows, want %d", len(recs), tc.want)
			}
		})
	}
}

func TestSelect_MatchesReferenceInterpreter(t *testing.T) {
	// The SQL filter and the in-memory interpreter must agree on the same
	// row set for predicates drawn from the grammar.
	db, s := newTestDB(t)
	seedOrders(t, db, 9, 0)
	b := &Builder{Dialect: sqlutil.SQLite, Schema: s}
	orders := s.Table("orders")

	all, err := b.Select(orders, nil, Options{})
	if err != nil {
		t.Fatalf("build all: %v", err)
	}
	allRecs := runPlan(t, db, all)
	if len(allRecs) != 9 {
		t.Fatalf("seed mismatch: %d", len(allRecs))
	}

	preds := []Predicate{
		Eq("customer", "cust-2"),
		Cond{Col: "total", Op: OpGte, Value: 50.0},
		And{Cond{Col: "total", Op: OpGt, Value: 20.0}, Cond{Col: "total", Op: OpLt, Value: 80.0}},
		Or{Eq("id", "o01"), Between("total", 60.0, 90.0)},
		In("customer", "cust-0", "cust-1"),
		Like("id", "o0%"),
	}

	for i, pred := range preds {
		plan, err := b.Select(orders, pred, Options{})
		if err != nil {
			t.Fatalf("pred %d build: %v", i, err)
		}
		got := runPlan(t, db, plan)

		want := 0
		for _, rec := range allRecs {
			if Matches(pred, rec) {
				want++
			}
		}
		if len(got) != want {
			t.Errorf("pred %d: sql returned %d rows, interpreter %d", i, len(got), want)
		}
	}
}

func TestSelect_JoinFetch2Many(t *testing.T) {
	// Given: orders with three lines each
	db, s := newTestDB(t)
	seedOrders(t, db, 4, 3)
	b := &Builder{Dialect: sqlutil.SQLite, Schema: s}

	// When: join-fetching lines via FK resolution
	plan, err := b.Select(s.Table("orders"), nil, Options{
		JoinFetch: []JoinFetch{{OtherTable: "lines", Type: Join2Many}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	recs := runPlan(t, db, plan)

	// Then: each order carries its full lines list
	if len(recs) != 4 {
		t.Fatalf("expected 4 orders, got %d", len(recs))
	}
	for _, rec := range recs {
		lines, ok := rec["lines"].([]map[string]any)
		if !ok {
			t.Fatalf("lines not attached: %v", rec)
		}
		if len(lines) != 3 {
			t.Errorf("order %v has %d lines, want 3", rec["id"], len(lines))
		}
	}
}

func TestSelect_JoinFetchPagingOverParents(t *testing.T) {
	// Paging applies to the parent row set regardless of how many joined
	// rows exist.
	db, s := newTestDB(t)
	seedOrders(t, db, 5, 4)
	b := &Builder{Dialect: sqlutil.SQLite, Schema: s}

	plan, err := b.Select(s.Table("orders"), nil, Options{
		JoinFetch: []JoinFetch{{OtherTable: "lines", Type: Join2Many}},
		OrderBy:   "id asc",
		Offset:    0,
		Limit:     2,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	recs := runPlan(t, db, plan)

	if len(recs) != 2 {
		t.Fatalf("expected exactly 2 parent orders, got %d", len(recs))
	}
	if recs[0]["id"] != "o01" || recs[1]["id"] != "o02" {
		t.Errorf("wrong page: %v, %v", recs[0]["id"], recs[1]["id"])
	}
	for _, rec := range recs {
		lines := rec["lines"].([]map[string]any)
		if len(lines) != 4 {
			t.Errorf("order %v has %d lines, want full list of 4", rec["id"], len(lines))
		}
	}
}

func TestSelect_JoinFetch2One(t *testing.T) {
	// 2one from lines back to their order
	db, s := newTestDB(t)
	seedOrders(t, db, 2, 2)
	b := &Builder{Dialect: sqlutil.SQLite, Schema: s}

	plan, err := b.Select(s.Table("lines"), nil, Options{
		JoinFetch: []JoinFetch{{OtherTable: "orders", Type: Join2One, Name: "order"}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	recs := runPlan(t, db, plan)

	if len(recs) != 4 {
		t.Fatalf("expected 4 lines, got %d", len(recs))
	}
	for _, rec := range recs {
		order, ok := rec["order"].(map[string]any)
		if !ok || order["id"] != rec["order_id"] {
			t.Errorf("line %v has wrong order %v", rec["id"], rec["order"])
		}
	}
}

func TestSelect_JoinSearchInOnClause(t *testing.T) {
	// joinSearch must restrict the joined rows, not drop parents.
	db, s := newTestDB(t)
	seedOrders(t, db, 2, 3)
	b := &Builder{Dialect: sqlutil.SQLite, Schema: s}

	plan, err := b.Select(s.Table("orders"), nil, Options{
		JoinFetch: []JoinFetch{{
			OtherTable: "lines",
			Type:       Join2Many,
			JoinSearch: Cond{Col: "qty", Op: OpGte, Value: 2},
		}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	recs := runPlan(t, db, plan)

	if len(recs) != 2 {
		t.Fatalf("parents dropped by joinSearch: %d", len(recs))
	}
	for _, rec := range recs {
		lines := rec["lines"].([]map[string]any)
		if len(lines) != 2 {
			t.Errorf("order %v: %d lines, want 2", rec["id"], len(lines))
		}
	}
}

func TestSelect_JoinResolutionErrors(t *testing.T) {
	db, s := newTestDB(t)
	_ = db
	b := &Builder{Dialect: sqlutil.SQLite, Schema: s}

	cases := []struct {
		name string
		jf   JoinFetch
	}{
		{"one side only", JoinFetch{OtherTable: "lines", Type: Join2Many, ThisField: "id"}},
		{"no fk", JoinFetch{OtherTable: "orders", Type: Join2One, ThisTable: "orders"}},
		{"bad type", JoinFetch{OtherTable: "lines", Type: "many"}},
		{"unknown table", JoinFetch{OtherTable: "nope", Type: Join2Many}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := b.Select(s.Table("orders"), nil, Options{JoinFetch: []JoinFetch{tc.jf}})
			if err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSelect_OrderByValidation(t *testing.T) {
	db, s := newTestDB(t)
	_ = db
	b := &Builder{Dialect: sqlutil.SQLite, Schema: s}

	if _, err := b.Select(s.Table("orders"), nil, Options{OrderBy: "nosuch asc"}); err == nil {
		t.Error("unknown order-by column accepted")
	}
	if _, err := b.Select(s.Table("orders"), nil, Options{OrderBy: "id asc, total desc"}); err == nil {
		t.Error("mixed ASC/DESC accepted")
	}
}

func TestSelect_ViewRewrite(t *testing.T) {
	// A registered view expression replaces the bare table in reads.
	db, s := newTestDB(t)
	seedOrders(t, db, 3, 0)
	b := &Builder{
		Dialect: sqlutil.SQLite,
		Schema:  s,
		Expr: func(table string) string {
			if table == "orders" {
				return `(SELECT * FROM orders WHERE customer <> 'cust-0')`
			}
			return ""
		},
	}

	plan, err := b.Select(s.Table("orders"), nil, Options{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	recs := runPlan(t, db, plan)
	if len(recs) != 2 {
		t.Errorf("view rewrite not applied: got %d rows", len(recs))
	}
}
