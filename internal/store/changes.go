package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Change is one step of a transactional batch.
type Change struct {
	Table  string `json:"table"`
	Action string `json:"action"`
	Record Record `json:"record"`
}

// Change actions. ActionAuto resolves to update when the record carries its
// full pk and the row exists, and to insert otherwise.
const (
	ActionInsert = "insert"
	ActionUpdate = "update"
	ActionRemove = "remove"
	ActionAuto   = "auto"
)

// changeToken matches a whole-value reference ${table.field} to a field of
// the last row written to that table earlier in the batch.
var changeToken = regexp.MustCompile(`^\$\{([^.}]+)\.([^}]+)\}$`)

// Changes applies the batch atomically, in order, and returns one result per
// change: the stored row for inserts and updates, nil for removes. A string
// value of the form ${table.field} is replaced with the named field of the
// last row written to that table by an earlier change, so later steps can
// reference generated keys. Any failure rolls back the whole batch.
func (c *Client) Changes(ctx context.Context, changes []Change) ([]Record, error) {
	if c.tx != nil {
		return c.applyChanges(ctx, changes)
	}
	var results []Record
	err := c.Transaction(ctx, func(tc *Client) error {
		var err error
		results, err = tc.applyChanges(ctx, changes)
		return err
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) applyChanges(ctx context.Context, changes []Change) ([]Record, error) {
	lastWritten := make(map[string]Record)
	results := make([]Record, 0, len(changes))

	for i, change := range changes {
		rec, err := substituteTokens(change.Record, lastWritten)
		if err != nil {
			return nil, fmt.Errorf("change %d on %s: %w", i+1, change.Table, err)
		}

		action := change.Action
		if action == "" {
			action = ActionAuto
		}
		if action == ActionAuto {
			action, err = c.resolveAuto(ctx, change.Table, rec)
			if err != nil {
				return nil, fmt.Errorf("change %d on %s: %w", i+1, change.Table, err)
			}
		}

		switch action {
		case ActionInsert:
			stored, err := c.Insert(ctx, change.Table, rec)
			if err != nil {
				return nil, fmt.Errorf("change %d on %s: %w", i+1, change.Table, err)
			}
			lastWritten[change.Table] = stored
			results = append(results, stored)
		case ActionUpdate:
			stored, err := c.Update(ctx, change.Table, rec)
			if err != nil {
				return nil, fmt.Errorf("change %d on %s: %w", i+1, change.Table, err)
			}
			lastWritten[change.Table] = stored
			results = append(results, stored)
		case ActionRemove:
			if err := c.Remove(ctx, change.Table, rec); err != nil {
				return nil, fmt.Errorf("change %d on %s: %w", i+1, change.Table, err)
			}
			results = append(results, nil)
		default:
			return nil, fmt.Errorf("%w: unknown change action %q", ErrConfig, change.Action)
		}
	}
	return results, nil
}

// resolveAuto decides insert versus update for an auto change.
func (c *Client) resolveAuto(ctx context.Context, tableName string, rec Record) (string, error) {
	_, table, err := c.table(ctx, tableName)
	if err != nil {
		return "", err
	}
	for _, col := range table.PK {
		if v, ok := rec[col]; !ok || v == nil {
			return ActionInsert, nil
		}
	}
	_, err = c.GetByPK(ctx, tableName, Record(rec))
	if errors.Is(err, ErrNotFound) {
		return ActionInsert, nil
	}
	if err != nil {
		return "", err
	}
	return ActionUpdate, nil
}

// substituteTokens resolves ${table.field} string values against the rows
// written so far. An unresolved reference is an error, not a literal.
func substituteTokens(rec Record, lastWritten map[string]Record) (Record, error) {
	out := cloneRecord(rec)
	for key, val := range out {
		s, ok := val.(string)
		if !ok {
			continue
		}
		m := changeToken.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		src, ok := lastWritten[m[1]]
		if !ok {
			return nil, fmt.Errorf("%w: %s references %q before any write to it", ErrConfig, key, m[1])
		}
		fieldVal, ok := src[m[2]]
		if !ok {
			return nil, fmt.Errorf("%w: %s references unknown field %q of %q", ErrConfig, key, m[2], m[1])
		}
		out[key] = fieldVal
	}
	return out, nil
}
