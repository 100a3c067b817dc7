package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/ledger/internal/store"
)

func newTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	c, err := store.Open("sqlite", filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return NewStore(c, ttl, nil)
}

func TestStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t, time.Minute)
	ctx := context.Background()

	sid, err := s.Create(ctx, &User{UID: "u1", Username: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if sid == "" {
		t.Fatal("empty session id")
	}

	user, err := s.Get(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	if user.UID != "u1" || user.Username != "alice" {
		t.Errorf("user = %+v, want u1/alice", user)
	}
}

func TestStore_UnknownAndDeletedSessions(t *testing.T) {
	s := newTestStore(t, time.Minute)
	ctx := context.Background()

	if _, err := s.Get(ctx, "no-such-sid"); !errors.Is(err, ErrNoSession) {
		t.Errorf("unknown sid = %v, want ErrNoSession", err)
	}

	sid, err := s.Create(ctx, &User{UID: "u1", Username: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, sid); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, sid); !errors.Is(err, ErrNoSession) {
		t.Errorf("deleted sid = %v, want ErrNoSession", err)
	}
	// deleting again stays silent
	if err := s.Delete(ctx, sid); err != nil {
		t.Errorf("second delete = %v", err)
	}
}

func TestStore_ExpiryAndSweep(t *testing.T) {
	s := newTestStore(t, -time.Second)
	ctx := context.Background()

	sid, err := s.Create(ctx, &User{UID: "u1", Username: "alice"})
	if err != nil {
		t.Fatal(err)
	}

	// Given an already expired session, Then lookups reject it
	if _, err := s.Get(ctx, sid); !errors.Is(err, ErrNoSession) {
		t.Errorf("expired sid = %v, want ErrNoSession", err)
	}

	other, err := s.Create(ctx, &User{UID: "u2", Username: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	removed, err := s.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("sweep removed %d rows, want 1", removed)
	}
	if _, err := s.Get(ctx, other); !errors.Is(err, ErrNoSession) {
		t.Errorf("second expired sid survived the sweep: %v", err)
	}
}
