package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/hyperengineering/ledger/internal/store"
	ledgersync "github.com/hyperengineering/ledger/internal/sync"
)

func newLocalClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := New(Config{
		ServerURL: serverURL,
		LocalPath: filepath.Join(t.TempDir(), "replica.db"),
		Tables:    []string{"notes"},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { c.store.Close() })

	err = c.Store().Unsafe(func(uc *store.Client) error {
		_, err := uc.Exec(context.Background(), `CREATE TABLE notes (
			uid TEXT PRIMARY KEY,
			body TEXT,
			version_record INTEGER,
			version_table INTEGER,
			version_date TEXT,
			version_user TEXT)`)
		return err
	})
	if err != nil {
		t.Fatalf("create notes: %v", err)
	}
	return c
}

func TestSyncer_NegotiateSkewConverges(t *testing.T) {
	// Given: a server whose clock runs three seconds ahead
	const trueSkew = 3 * time.Second
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		stamp, err := time.Parse(time.RFC3339Nano, string(body))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		serverNow := time.Now().UTC().Add(trueSkew)
		fmt.Fprintf(w, "%d", serverNow.Sub(stamp).Milliseconds())
	}))
	defer srv.Close()

	s := NewSyncer(srv.URL, 0, nil)
	skew, err := s.NegotiateSkew(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if skew < 2500 || skew > 3500 {
		t.Errorf("negotiated skew = %dms, want about 3000ms", skew)
	}
}

func TestSyncer_NegotiateSkewUnstable(t *testing.T) {
	// A server that never lands inside the tolerance
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		fmt.Fprint(w, "10000")
	}))
	defer srv.Close()

	s := NewSyncer(srv.URL, 0, nil)
	if _, err := s.NegotiateSkew(context.Background()); !errors.Is(err, ErrUnstableConnection) {
		t.Errorf("err = %v, want ErrUnstableConnection", err)
	}
}

func TestClient_ApplyQueuesChangeSet(t *testing.T) {
	c := newLocalClient(t, "")
	ctx := context.Background()

	applied, err := c.Apply(ctx, []store.Change{
		{Table: "notes", Action: store.ActionInsert, Record: store.Record{"uid": "a", "body": "local"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 1 || applied[0]["body"] != "local" {
		t.Fatalf("applied = %v", applied)
	}

	// The change-set is queued with the locally stamped record
	var data string
	err = c.Store().Unsafe(func(uc *store.Client) error {
		rows, err := uc.Query(ctx, `SELECT data FROM sync_log WHERE status = 'todo'`)
		if err != nil {
			return err
		}
		defer rows.Close()
		if !rows.Next() {
			return errors.New("no queued change-set")
		}
		return rows.Scan(&data)
	})
	if err != nil {
		t.Fatal(err)
	}
	var set ledgersync.ChangeSet
	if err := json.Unmarshal([]byte(data), &set); err != nil {
		t.Fatal(err)
	}
	if len(set.Changes) != 1 || set.Changes[0].Record["uid"] != "a" {
		t.Errorf("queued set = %+v", set)
	}
	if set.Changes[0].Record["version_record"] == nil {
		t.Error("queued record lost its version columns")
	}
}

func TestClient_SyncRoundtrip(t *testing.T) {
	var uploaded []ledgersync.ChangeSet

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/syncGetTime", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		fmt.Fprint(w, "0")
	})
	mux.HandleFunc("/api/v1/schema", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"version": 0, "tables": map[string]any{}})
	})
	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var set ledgersync.ChangeSet
		if err := json.Unmarshal([]byte(r.FormValue("changes")), &set); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		uploaded = append(uploaded, set)
		json.NewEncoder(w).Encode(ledgersync.ApplyResult{})
	})
	mux.HandleFunc("/sync/delta", func(w http.ResponseWriter, r *http.Request) {
		after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
		delta := ledgersync.TableDelta{
			Table:   r.URL.Query().Get("table"),
			Version: 7,
			Rows:    []map[string]any{},
			Removed: []map[string]any{},
		}
		if after < 7 {
			delta.Rows = append(delta.Rows, map[string]any{
				"uid": "from-server", "body": "remote",
				"version_record": 2, "version_table": 7,
				"version_date": time.Now().UTC().Format(time.RFC3339Nano),
			})
			delta.Removed = append(delta.Removed, map[string]any{"uid": "stale"})
		}
		json.NewEncoder(w).Encode(delta)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newLocalClient(t, srv.URL)
	ctx := context.Background()

	// Given: one queued local change and one row the server has removed
	if _, err := c.Apply(ctx, []store.Change{
		{Table: "notes", Action: store.ActionInsert, Record: store.Record{"uid": "mine", "body": "local"}},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Store().Insert(ctx, "notes", store.Record{"uid": "stale", "body": "old"}); err != nil {
		t.Fatal(err)
	}

	if err := c.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	// Then: the queued change-set was uploaded and marked done
	if len(uploaded) != 1 {
		t.Fatalf("uploads = %d, want 1", len(uploaded))
	}
	if n := countStatus(t, c, ledgersync.StatusTodo); n != 0 {
		t.Errorf("todo rows after sync = %d, want 0", n)
	}
	if n := countStatus(t, c, ledgersync.StatusDone); n != 1 {
		t.Errorf("done rows after sync = %d, want 1", n)
	}

	// Then: the server row landed with its version columns intact
	row, err := c.Store().GetByPK(ctx, "notes", "from-server")
	if err != nil {
		t.Fatalf("downloaded row missing: %v", err)
	}
	if got := row["version_table"]; fmt.Sprint(got) != "7" {
		t.Errorf("version_table = %v, want 7", got)
	}

	// Then: the server-side removal is applied locally
	if _, err := c.Store().GetByPK(ctx, "notes", "stale"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("stale row = %v, want ErrNotFound", err)
	}

	// Then: the local table version jumped to the server's
	var version int64
	err = c.Store().Unsafe(func(uc *store.Client) error {
		rows, err := uc.Query(ctx, `SELECT version_table FROM table_versions WHERE table_name = 'notes'`)
		if err != nil {
			return err
		}
		defer rows.Close()
		if !rows.Next() {
			return errors.New("no table_versions row")
		}
		return rows.Scan(&version)
	})
	if err != nil {
		t.Fatal(err)
	}
	if version != 7 {
		t.Errorf("local table version = %d, want 7", version)
	}
}

func countStatus(t *testing.T, c *Client, status string) int {
	t.Helper()
	n := 0
	err := c.Store().Unsafe(func(uc *store.Client) error {
		rows, err := uc.Query(context.Background(), `SELECT 1 FROM sync_log WHERE status = ?`, status)
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
		t.Fatal(err)
	}
	return n
}
