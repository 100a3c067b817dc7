// Package store exposes the connection-scoped access client: CRUD and
// search by example over the backend, pluggable interceptors, per-table
// view rewrites for row/column authorization, and transactional batched
// changes. Mutations of tracked tables run through the modification and
// delete trackers inside the same transaction.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/hyperengineering/ledger/internal/query"
	"github.com/hyperengineering/ledger/internal/schema"
	"github.com/hyperengineering/ledger/internal/sqlutil"
	"github.com/hyperengineering/ledger/internal/track"
)

// Record is a column-to-value mapping.
type Record = map[string]any

// Client is the connection-scoped access object. A Client exclusively owns
// its backend handle for its lifetime; a transaction owns a child client
// whose lifetime is bounded by the parent.
type Client struct {
	db      *sql.DB
	ex      track.Execer
	tx      *sql.Tx
	dialect sqlutil.Dialect
	catalog *schema.Catalog
	tracker *track.Tracker
	hooks   *HookRegistry
	views   map[string]string
	actor   string
	unsafe  bool
}

// Option configures a Client at open time.
type Option func(*openConfig)

type openConfig struct {
	overrides schema.Schema
	tracking  track.Config
	migrate   bool
}

// WithOverrides merges a caller-supplied partial schema into the catalog.
func WithOverrides(s schema.Schema) Option {
	return func(cfg *openConfig) { cfg.overrides = s }
}

// WithTracking sets the tracked-table configuration.
func WithTracking(tc track.Config) Option {
	return func(cfg *openConfig) { cfg.tracking = tc }
}

// WithoutMigrations skips applying the core-table migrations on open.
func WithoutMigrations() Option {
	return func(cfg *openConfig) { cfg.migrate = false }
}

// Open opens the backend, applies pragmas and core migrations, and returns
// a ready client.
func Open(driver, dsn string, opts ...Option) (*Client, error) {
	cfg := openConfig{migrate: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	db, dialect, err := sqlutil.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if dialect == sqlutil.SQLite {
		if err := enablePragmas(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable pragmas: %w", err)
		}
	}
	if cfg.migrate {
		if err := RunMigrations(db, dialect); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	return &Client{
		db:      db,
		ex:      db,
		dialect: dialect,
		catalog: schema.NewCatalog(db, dialect, cfg.overrides),
		tracker: track.New(dialect, cfg.tracking),
		hooks:   NewHookRegistry(),
		views:   make(map[string]string),
	}, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the backend handle.
func (c *Client) Close() error {
	return c.db.Close()
}

// DB exposes the underlying handle for collaborators (sessions, binary).
func (c *Client) DB() *sql.DB { return c.db }

// Dialect returns the backend dialect.
func (c *Client) Dialect() sqlutil.Dialect { return c.dialect }

// Catalog returns the shared schema catalog.
func (c *Client) Catalog() *schema.Catalog { return c.catalog }

// Tracker returns the modification tracker.
func (c *Client) Tracker() *track.Tracker { return c.tracker }

// InTransaction reports whether this client is transaction-scoped.
func (c *Client) InTransaction() bool { return c.tx != nil }

// WithActor returns a request-scoped clone carrying the actor identity that
// stamps version_user on tracked mutations. State is passed explicitly;
// there is no ambient identity.
func (c *Client) WithActor(actor string) *Client {
	clone := *c
	clone.actor = actor
	return &clone
}

// Actor returns the request-scoped actor identity.
func (c *Client) Actor() string { return c.actor }

// RegisterView registers a SQL expression used in place of the bare table
// name in every SELECT-family query against the table. Redacted columns are
// expressed inside the expression (NULL AS col).
func (c *Client) RegisterView(table, expr string) {
	c.views[table] = expr
}

// Hooks returns the interceptor registry.
func (c *Client) Hooks() *HookRegistry { return c.hooks }

// Unsafe runs fn with a clone that bypasses view rewrites and permits raw
// SQL via Exec and Query. The escalation lasts only for the call.
func (c *Client) Unsafe(fn func(uc *Client) error) error {
	clone := *c
	clone.unsafe = true
	return fn(&clone)
}

// Exec runs raw SQL. Only permitted inside Unsafe; executed DDL invalidates
// the schema catalog.
func (c *Client) Exec(ctx context.Context, stmt string, args ...any) (sql.Result, error) {
	if !c.unsafe {
		return nil, ErrUnsafe
	}
	res, err := c.ex.ExecContext(ctx, c.dialect.Rebind(stmt), args...)
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}
	c.catalog.ObserveSQL(stmt)
	return res, nil
}

// Query runs a raw SQL query. Only permitted inside Unsafe.
func (c *Client) Query(ctx context.Context, stmt string, args ...any) (*sql.Rows, error) {
	if !c.unsafe {
		return nil, ErrUnsafe
	}
	rows, err := c.ex.QueryContext(ctx, c.dialect.Rebind(stmt), args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return rows, nil
}

// builder returns the query builder for this client, honoring registered
// view rewrites unless the client is in unsafe mode.
func (c *Client) builder(s schema.Schema) *query.Builder {
	b := &query.Builder{Dialect: c.dialect, Schema: s}
	if !c.unsafe && len(c.views) > 0 {
		views := c.views
		b.Expr = func(table string) string { return views[table] }
	}
	return b
}

// table resolves a table from the catalog.
func (c *Client) table(ctx context.Context, name string) (schema.Schema, *schema.Table, error) {
	s, err := c.catalog.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	t := s.Table(name)
	if t == nil {
		return nil, nil, fmt.Errorf("%w: unknown table %q", ErrConfig, name)
	}
	return s, t, nil
}

// pkRecord normalizes a pk argument: a Record must carry every pk column; a
// scalar is accepted for single-column pks.
func pkRecord(table *schema.Table, pk any) (Record, error) {
	switch v := pk.(type) {
	case Record:
		out := make(Record, len(table.PK))
		for _, col := range table.PK {
			val, ok := v[col]
			if !ok {
				return nil, fmt.Errorf("%w: missing pk column %q for table %q", ErrConfig, col, table.Name)
			}
			out[col] = val
		}
		return out, nil
	default:
		if len(table.PK) != 1 {
			return nil, fmt.Errorf("%w: table %q has a composite pk, a record is required", ErrConfig, table.Name)
		}
		return Record{table.PK[0]: pk}, nil
	}
}

// pkPredicate builds the equality predicate over the pk tuple.
func pkPredicate(table *schema.Table, pk Record) query.Predicate {
	conds := make(query.And, 0, len(table.PK))
	for _, col := range table.PK {
		conds = append(conds, query.Eq(col, pk[col]))
	}
	return conds
}

// recordColumns returns the record's keys that are declared columns, sorted
// for deterministic SQL. Unknown keys reject.
func recordColumns(table *schema.Table, rec Record) ([]string, error) {
	cols := make([]string, 0, len(rec))
	for k := range rec {
		if !table.HasColumn(k) {
			return nil, fmt.Errorf("%w: unknown column %q on table %q", ErrConfig, k, table.Name)
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols, nil
}
