package sync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/ledger/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Client) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "ledger.db")
	c, err := store.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open client: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	err = c.Unsafe(func(uc *store.Client) error {
		_, err := uc.Exec(context.Background(), `CREATE TABLE notes (
			uid TEXT PRIMARY KEY,
			body TEXT,
			qty INTEGER,
			version_record INTEGER,
			version_table INTEGER,
			version_date TEXT,
			version_user TEXT)`)
		return err
	})
	if err != nil {
		t.Fatalf("create notes: %v", err)
	}
	return NewEngine(c, nil), c
}

func countRows(t *testing.T, c *store.Client, query string, args ...any) int {
	t.Helper()
	n := 0
	err := c.Unsafe(func(uc *store.Client) error {
		rows, err := uc.Query(context.Background(), query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			n++
		}
		return rows.Err()
	})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestEngine_ApplyInsertAndIdempotency(t *testing.T) {
	e, c := newTestEngine(t)
	ctx := context.Background()

	set := ChangeSet{
		UUID:       "U1",
		ClientDate: time.Now().UTC().Format(time.RFC3339Nano),
		Changes: []Change{
			{Table: "notes", Action: ActionInsert, Record: map[string]any{"uid": "a", "body": "hello"}},
		},
	}

	// First apply lands the row
	res, err := e.Apply(ctx, set)
	if err != nil {
		t.Fatal(err)
	}
	if res.ShouldRefresh {
		t.Error("first apply should not ask for a refresh")
	}
	if len(res.Applied) != 1 {
		t.Fatalf("applied = %d, want 1", len(res.Applied))
	}
	if _, err := c.GetByPK(ctx, "notes", "a"); err != nil {
		t.Fatalf("row missing after apply: %v", err)
	}

	// Second apply with the same uuid is a no-op
	res, err = e.Apply(ctx, set)
	if err != nil {
		t.Fatal(err)
	}
	if res.ShouldRefresh || !res.AlreadyApplied {
		t.Errorf("replay = %+v, want alreadyApplied without refresh", res)
	}
	if n := countRows(t, c, `SELECT 1 FROM sync_log WHERE uuid = 'U1' AND status = 'done'`); n != 1 {
		t.Errorf("sync_log done rows = %d, want 1", n)
	}
	if n := countRows(t, c, `SELECT 1 FROM notes`); n != 1 {
		t.Errorf("notes rows = %d, want 1", n)
	}
}

func TestEngine_StaleUpdateLosesAndHistorySplits(t *testing.T) {
	e, c := newTestEngine(t)
	ctx := context.Background()

	// Given: the row went P -> S on the server after the client last synced
	if _, err := c.Insert(ctx, "notes", store.Record{"uid": "a", "body": "P"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Update(ctx, "notes", store.Record{"uid": "a", "body": "S"}); err != nil {
		t.Fatal(err)
	}

	// When: the client uploads body=C stamped an hour before the server write
	earlier := time.Now().UTC().Add(-time.Hour)
	res, err := e.Apply(ctx, ChangeSet{
		UUID:       "U-stale",
		ClientDate: earlier.Format(time.RFC3339Nano),
		Changes: []Change{
			{Table: "notes", Action: ActionUpdate, Record: map[string]any{
				"uid": "a", "body": "C", "version_record": 0,
			}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ShouldRefresh {
		t.Fatal("stale update should still apply cleanly")
	}

	// Then: the server value survives
	row, err := c.GetByPK(ctx, "notes", "a")
	if err != nil {
		t.Fatal(err)
	}
	if row["body"] != "S" {
		t.Errorf("body = %v, want S", row["body"])
	}

	// Then: history reads P -> C -> S
	type hist struct{ before, after string }
	var chain []hist
	err = c.Unsafe(func(uc *store.Client) error {
		rows, err := uc.Query(ctx, `
			SELECT column_before, column_after FROM modif_track
			WHERE table_name = 'notes' AND table_uid = 'a' AND column_name = 'body'
			ORDER BY version_date`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var h hist
			if err := rows.Scan(&h.before, &h.after); err != nil {
				return err
			}
			chain = append(chain, h)
		}
		return rows.Err()
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 2 {
		t.Fatalf("history rows = %d, want 2: %+v", len(chain), chain)
	}
	if chain[0].before != "P" || chain[0].after != "C" {
		t.Errorf("first transition = %+v, want P -> C", chain[0])
	}
	if chain[1].before != "C" || chain[1].after != "S" {
		t.Errorf("second transition = %+v, want C -> S", chain[1])
	}
}

func TestEngine_NewerClientUpdateWins(t *testing.T) {
	e, c := newTestEngine(t)
	ctx := context.Background()

	if _, err := c.Insert(ctx, "notes", store.Record{"uid": "a", "body": "old"}); err != nil {
		t.Fatal(err)
	}

	// The client already holds revision 1 while the server is at 0
	res, err := e.Apply(ctx, ChangeSet{
		UUID:       "U-newer",
		ClientDate: time.Now().UTC().Format(time.RFC3339Nano),
		Changes: []Change{
			{Table: "notes", Action: ActionUpdate, Record: map[string]any{
				"uid": "a", "body": "new", "version_record": 1,
			}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ShouldRefresh {
		t.Fatal("apply failed unexpectedly")
	}

	row, err := c.GetByPK(ctx, "notes", "a")
	if err != nil {
		t.Fatal(err)
	}
	if row["body"] != "new" {
		t.Errorf("body = %v, want new", row["body"])
	}
}

func TestEngine_UpdateAfterRemoteRemoveIsDropped(t *testing.T) {
	e, c := newTestEngine(t)
	ctx := context.Background()

	if _, err := c.Insert(ctx, "notes", store.Record{"uid": "gone", "body": "b"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Remove(ctx, "notes", "gone"); err != nil {
		t.Fatal(err)
	}

	res, err := e.Apply(ctx, ChangeSet{
		UUID:       "U-tomb",
		ClientDate: time.Now().UTC().Format(time.RFC3339Nano),
		Changes: []Change{
			{Table: "notes", Action: ActionUpdate, Record: map[string]any{
				"uid": "gone", "body": "resurrect", "version_record": 5,
			}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ShouldRefresh {
		t.Fatal("apply failed unexpectedly")
	}

	// The tombstone wins; the stale update neither recreates nor errors
	if _, err := c.GetByPK(ctx, "notes", "gone"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("row after tombstoned update = %v, want ErrNotFound", err)
	}
}

func TestEngine_UpdateOfMissingRowUpgradesToInsert(t *testing.T) {
	e, c := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Apply(ctx, ChangeSet{
		UUID:       "U-upgrade",
		ClientDate: time.Now().UTC().Format(time.RFC3339Nano),
		Changes: []Change{
			{Table: "notes", Action: ActionUpdate, Record: map[string]any{
				"uid": "fresh", "body": "b", "version_record": 3,
			}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ShouldRefresh {
		t.Fatal("apply failed unexpectedly")
	}
	if _, err := c.GetByPK(ctx, "notes", "fresh"); err != nil {
		t.Errorf("upgraded insert missing: %v", err)
	}
}

func TestEngine_ConflictingInsertAuditsNewerColumns(t *testing.T) {
	e, c := newTestEngine(t)
	ctx := context.Background()

	// The server row was created after the client's offline insert
	if _, err := c.Insert(ctx, "notes", store.Record{"uid": "dup", "body": "server"}); err != nil {
		t.Fatal(err)
	}

	earlier := time.Now().UTC().Add(-time.Hour)
	res, err := e.Apply(ctx, ChangeSet{
		UUID:       "U-dup",
		ClientDate: earlier.Format(time.RFC3339Nano),
		Changes: []Change{
			{Table: "notes", Action: ActionInsert, Record: map[string]any{
				"uid": "dup", "body": "client",
			}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ShouldRefresh {
		t.Fatal("apply failed unexpectedly")
	}

	row, err := c.GetByPK(ctx, "notes", "dup")
	if err != nil {
		t.Fatal(err)
	}
	if row["body"] != "server" {
		t.Errorf("body = %v, want server", row["body"])
	}
	if n := countRows(t, c, `
		SELECT 1 FROM modif_track
		WHERE table_name = 'notes' AND table_uid = 'dup'
		  AND column_before = 'client' AND column_after = 'server'`); n != 1 {
		t.Errorf("audit rows = %d, want 1", n)
	}
}

func TestEngine_ApplyFailureRetainsUUID(t *testing.T) {
	e, c := newTestEngine(t)
	ctx := context.Background()

	set := ChangeSet{
		UUID:       "U-bad",
		ClientDate: time.Now().UTC().Format(time.RFC3339Nano),
		Changes: []Change{
			{Table: "notes", Action: ActionInsert, Record: map[string]any{"uid": "ok", "body": "b"}},
			{Table: "no_such_table", Action: ActionInsert, Record: map[string]any{"x": 1}},
		},
	}

	res, err := e.Apply(ctx, set)
	if err != nil {
		t.Fatal(err)
	}
	if !res.ShouldRefresh {
		t.Error("failed apply should ask the client to refresh")
	}

	// The batch rolled back, but the uuid stays as the idempotency marker
	if n := countRows(t, c, `SELECT 1 FROM notes`); n != 0 {
		t.Errorf("notes rows after rollback = %d, want 0", n)
	}
	if n := countRows(t, c, `SELECT 1 FROM sync_log WHERE uuid = 'U-bad' AND status = 'error'`); n != 1 {
		t.Errorf("error sync_log rows = %d, want 1", n)
	}

	// Retrying the same uuid does not re-apply
	res, err = e.Apply(ctx, set)
	if err != nil {
		t.Fatal(err)
	}
	if !res.AlreadyApplied {
		t.Error("retry of a logged uuid should be a no-op")
	}
}

func TestEngine_FailureRecordNeverDemotesDone(t *testing.T) {
	e, c := newTestEngine(t)
	ctx := context.Background()

	set := ChangeSet{
		UUID:       "U-dup",
		ClientDate: time.Now().UTC().Format(time.RFC3339Nano),
		Changes: []Change{
			{Table: "notes", Action: ActionInsert, Record: map[string]any{"uid": "d1", "body": "b"}},
		},
	}
	if _, err := e.Apply(ctx, set); err != nil {
		t.Fatal(err)
	}
	if n := countRows(t, c, `SELECT 1 FROM sync_log WHERE uuid = 'U-dup' AND status = 'done'`); n != 1 {
		t.Fatalf("done sync_log rows = %d, want 1", n)
	}

	// A duplicate upload that slips past the pre-check and then fails must
	// not reopen the committed row; 'done' is terminal.
	if err := e.recordFailure(ctx, set, errors.New("constraint already consumed")); err != nil {
		t.Fatal(err)
	}
	if n := countRows(t, c, `SELECT 1 FROM sync_log WHERE uuid = 'U-dup' AND status = 'done'`); n != 1 {
		t.Errorf("done row was demoted by a racing duplicate's failure record")
	}

	// A retry of the uuid stays a no-op
	res, err := e.Apply(ctx, set)
	if err != nil {
		t.Fatal(err)
	}
	if !res.AlreadyApplied {
		t.Error("retry of a done uuid should be a no-op")
	}
}

func TestEngine_RemoveOfMissingRowIsSkipped(t *testing.T) {
	e, c := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Apply(ctx, ChangeSet{
		UUID:       "U-rm",
		ClientDate: time.Now().UTC().Format(time.RFC3339Nano),
		Changes: []Change{
			{Table: "notes", Action: ActionRemove, Record: map[string]any{"uid": "nope"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ShouldRefresh {
		t.Error("removing an absent row should not fail the batch")
	}
	if n := countRows(t, c, `SELECT 1 FROM sync_log WHERE uuid = 'U-rm' AND status = 'done'`); n != 1 {
		t.Errorf("sync_log done rows = %d, want 1", n)
	}
}

func TestEngine_Delta(t *testing.T) {
	e, c := newTestEngine(t)
	ctx := context.Background()

	if _, err := c.Insert(ctx, "notes", store.Record{"uid": "a", "body": "1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Insert(ctx, "notes", store.Record{"uid": "b", "body": "2"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Remove(ctx, "notes", "a"); err != nil {
		t.Fatal(err)
	}
	// versions now: insert a=1, insert b=2, remove a=3

	// A client at version 1 sees b's row and a's tombstone
	delta, err := e.Delta(ctx, "notes", 1)
	if err != nil {
		t.Fatal(err)
	}
	if delta.Version != 3 {
		t.Errorf("delta version = %d, want 3", delta.Version)
	}
	if len(delta.Rows) != 1 || delta.Rows[0]["uid"] != "b" {
		t.Errorf("delta rows = %v, want just b", delta.Rows)
	}
	if len(delta.Removed) != 1 || delta.Removed[0]["uid"] != "a" {
		t.Errorf("delta removed = %v, want just a", delta.Removed)
	}

	// A fully synced client sees nothing
	delta, err = e.Delta(ctx, "notes", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(delta.Rows) != 0 || len(delta.Removed) != 0 {
		t.Errorf("up-to-date delta = %+v, want empty", delta)
	}
}
