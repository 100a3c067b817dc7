package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperengineering/ledger/internal/query"
	"github.com/hyperengineering/ledger/internal/schema"
)

// SearchOptions are the explicit optional parameters of Search. There is no
// positional overloading between order-by and join-fetch.
type SearchOptions struct {
	JoinFetch []query.JoinFetch
	OrderBy   string
	Offset    int
	Limit     int
}

// GetByPK returns the row identified by the pk value (scalar for
// single-column pks) or record, with optional join-fetch. Returns
// ErrNotFound when no row matches.
func (c *Client) GetByPK(ctx context.Context, tableName string, pk any, joinFetch ...query.JoinFetch) (Record, error) {
	_, table, err := c.table(ctx, tableName)
	if err != nil {
		return nil, err
	}
	pkRec, err := pkRecord(table, pk)
	if err != nil {
		return nil, err
	}

	ev := &Event{Op: OpGetByPK, Table: tableName, Record: pkRec, Client: c}
	if err := c.hooks.runBefore(ctx, ev); err != nil {
		return nil, err
	}

	recs, err := c.runSelect(ctx, table, pkPredicate(table, ev.Record), SearchOptions{JoinFetch: joinFetch, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}

	ev.Result = recs[0]
	if err := c.hooks.runAfter(ctx, ev); err != nil {
		return nil, err
	}
	rec, _ := ev.Result.(Record)
	return rec, nil
}

// Search returns the rows matching the predicate.
func (c *Client) Search(ctx context.Context, tableName string, pred query.Predicate, opts SearchOptions) ([]Record, error) {
	_, table, err := c.table(ctx, tableName)
	if err != nil {
		return nil, err
	}

	ev := &Event{Op: OpSearch, Table: tableName, Predicate: pred, Client: c}
	if err := c.hooks.runBefore(ctx, ev); err != nil {
		return nil, err
	}

	recs, err := c.runSelect(ctx, table, ev.Predicate, opts)
	if err != nil {
		return nil, err
	}

	ev.Result = recs
	if err := c.hooks.runAfter(ctx, ev); err != nil {
		return nil, err
	}
	out, _ := ev.Result.([]Record)
	return out, nil
}

// SearchFirst returns the first row of Search with limit 1, or ErrNotFound.
func (c *Client) SearchFirst(ctx context.Context, tableName string, pred query.Predicate, opts SearchOptions) (Record, error) {
	opts.Limit = 1
	opts.Offset = 0
	recs, err := c.Search(ctx, tableName, pred, opts)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// runSelect builds and executes the SELECT, assembling joined rows.
func (c *Client) runSelect(ctx context.Context, table *schema.Table, pred query.Predicate, opts SearchOptions) ([]Record, error) {
	s, err := c.catalog.Load(ctx)
	if err != nil {
		return nil, err
	}
	plan, err := c.builder(s).Select(table, pred, query.Options(opts))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConfig, err)
	}
	rows, err := c.ex.QueryContext(ctx, c.dialect.Rebind(plan.SQL), plan.Args...)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", table.Name, err)
	}
	defer rows.Close()

	raw, err := plan.Collect(rows)
	if err != nil {
		return nil, fmt.Errorf("collect %s: %w", table.Name, err)
	}
	recs := make([]Record, len(raw))
	for i := range raw {
		recs[i] = Record(raw[i])
	}
	return recs, nil
}

// ReadSpec is one named read of a Multiread: a pk lookup, a search, or a
// search-first.
type ReadSpec struct {
	Table     string
	PK        any
	Predicate query.Predicate
	Options   SearchOptions
	First     bool
}

// Multiread executes several reads and returns their results by name.
func (c *Client) Multiread(ctx context.Context, reads map[string]ReadSpec) (map[string]any, error) {
	results := make(map[string]any, len(reads))
	for name, spec := range reads {
		switch {
		case spec.PK != nil:
			rec, err := c.GetByPK(ctx, spec.Table, spec.PK, spec.Options.JoinFetch...)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("multiread %q: %w", name, err)
			}
			results[name] = orNil(rec, err)
		case spec.First:
			rec, err := c.SearchFirst(ctx, spec.Table, spec.Predicate, spec.Options)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("multiread %q: %w", name, err)
			}
			results[name] = orNil(rec, err)
		default:
			recs, err := c.Search(ctx, spec.Table, spec.Predicate, spec.Options)
			if err != nil {
				return nil, fmt.Errorf("multiread %q: %w", name, err)
			}
			results[name] = recs
		}
	}
	return results, nil
}

func orNil(rec Record, err error) any {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return rec
}
