package store

import (
	"context"
	"fmt"

	"github.com/hyperengineering/ledger/internal/query"
)

// OpKind tags the operation an interceptor attaches to. The set is closed
// and validated at registration time, not per call.
type OpKind string

const (
	OpGetByPK     OpKind = "getByPk"
	OpSearch      OpKind = "search"
	OpSearchFirst OpKind = "searchFirst"
	OpInsert      OpKind = "insert"
	OpUpdate      OpKind = "update"
	OpRemove      OpKind = "remove"
	OpRemoveWhere OpKind = "removeWhere"
)

var knownOpKinds = map[OpKind]bool{
	OpGetByPK: true, OpSearch: true, OpSearchFirst: true,
	OpInsert: true, OpUpdate: true, OpRemove: true, OpRemoveWhere: true,
}

// Event carries the operation inputs to hooks. Before hooks may mutate the
// record or predicate; after hooks additionally receive the result and may
// mutate it in place.
type Event struct {
	Op        OpKind
	Table     string
	Record    Record
	Predicate query.Predicate
	Result    any
	Client    *Client
}

// HookFunc is an interceptor callback. Returning an error short-circuits
// the operation.
type HookFunc func(ctx context.Context, ev *Event) error

// Hook intercepts one operation kind, optionally restricted to a table.
type Hook struct {
	Op     OpKind
	Table  string // empty matches every table
	Before HookFunc
	After  HookFunc
}

// HookRegistry holds interceptors in registration order.
type HookRegistry struct {
	hooks []Hook
}

// NewHookRegistry creates an empty registry.
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{}
}

// Register validates and appends a hook. All matching before hooks run in
// registration order, then the operation, then all matching after hooks.
func (r *HookRegistry) Register(h Hook) error {
	if !knownOpKinds[h.Op] {
		return fmt.Errorf("%w: unknown hook operation %q", ErrConfig, h.Op)
	}
	if h.Before == nil && h.After == nil {
		return fmt.Errorf("%w: hook must set Before or After", ErrConfig)
	}
	r.hooks = append(r.hooks, h)
	return nil
}

func (r *HookRegistry) runBefore(ctx context.Context, ev *Event) error {
	for _, h := range r.hooks {
		if h.Before == nil || h.Op != ev.Op || (h.Table != "" && h.Table != ev.Table) {
			continue
		}
		if err := h.Before(ctx, ev); err != nil {
			return fmt.Errorf("before hook on %s %s: %w", ev.Op, ev.Table, err)
		}
	}
	return nil
}

func (r *HookRegistry) runAfter(ctx context.Context, ev *Event) error {
	for _, h := range r.hooks {
		if h.After == nil || h.Op != ev.Op || (h.Table != "" && h.Table != ev.Table) {
			continue
		}
		if err := h.After(ctx, ev); err != nil {
			return fmt.Errorf("after hook on %s %s: %w", ev.Op, ev.Table, err)
		}
	}
	return nil
}
