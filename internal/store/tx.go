package store

import (
	"context"
	"sync"
	"time"
)

// DefaultTransactionTimeout bounds a Transaction that does not set its own.
const DefaultTransactionTimeout = 30 * time.Second

// Transaction runs fn with a transaction-scoped clone of the client. The
// transaction commits when fn returns nil and rolls back when it returns an
// error, when the context is canceled, or when the default timeout expires.
// Nesting is rejected with ErrNestedTransaction.
func (c *Client) Transaction(ctx context.Context, fn func(tc *Client) error) error {
	return c.TransactionTimeout(ctx, DefaultTransactionTimeout, fn)
}

// TransactionTimeout is Transaction with an explicit deadline. On expiry the
// transaction is rolled back and ErrTimeout returned; any statement fn still
// runs afterwards fails against the finished transaction. A timeout of zero
// or less disables the deadline, leaving only context cancellation.
func (c *Client) TransactionTimeout(ctx context.Context, timeout time.Duration, fn func(tc *Client) error) error {
	if c.tx != nil {
		return ErrNestedTransaction
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	clone := *c
	clone.tx = tx
	clone.ex = tx

	var once sync.Once
	rollback := func() { once.Do(func() { tx.Rollback() }) }

	done := make(chan error, 1)
	go func() { done <- fn(&clone) }()

	// A nil channel never fires, so the select below degrades to
	// done-or-canceled when the deadline is disabled.
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-done:
		if err != nil {
			rollback()
			return err
		}
		var commitErr error
		once.Do(func() { commitErr = tx.Commit() })
		return commitErr
	case <-expired:
		rollback()
		return ErrTimeout
	case <-ctx.Done():
		rollback()
		return ctx.Err()
	}
}
