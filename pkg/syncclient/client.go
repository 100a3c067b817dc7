// Package syncclient is the offline-first client for a ledger server. It
// owns a local replica database, applies mutations locally with full
// tracking, queues them as change-sets in the local sync_log, and
// synchronizes with the server: queued change-sets upload in order, then
// per-table deltas download and apply in one transaction. At most one sync
// runs at a time; a sync requested while one is running is coalesced into a
// deferred rerun.
package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperengineering/ledger/internal/schema"
	"github.com/hyperengineering/ledger/internal/store"
	ledgersync "github.com/hyperengineering/ledger/internal/sync"
	"github.com/hyperengineering/ledger/internal/track"
)

// deferRetryDelay is the fixed delay before a coalesced sync reruns.
const deferRetryDelay = 2 * time.Second

// Config configures a client.
type Config struct {
	// ServerURL is the ledger server base URL. Empty means offline.
	ServerURL string
	// LocalPath is the DSN of the local replica database.
	LocalPath string
	// Driver selects the local backend; defaults to sqlite.
	Driver string
	// Tables lists the tables to download during sync.
	Tables []string
	// HTTPTimeout bounds each server call.
	HTTPTimeout time.Duration
	// SyncInterval is the background sync period when AutoSync is set.
	SyncInterval time.Duration
	// AutoSync starts a background sync loop on Initialize.
	AutoSync bool
	// OfflineMode disables all server traffic.
	OfflineMode bool
	// Tracking restricts which local tables are tracked.
	Tracking track.Config
	// Overrides is merged into the local schema catalog.
	Overrides schema.Schema
	// Logger receives sync diagnostics; nil uses slog.Default.
	Logger *slog.Logger
}

// Client is an offline-first replica with background synchronization.
type Client struct {
	cfg    Config
	store  *store.Client
	syncer *Syncer
	log    *slog.Logger

	mu          sync.Mutex
	syncing     bool
	pendingSync bool
	closed      bool
	done        chan struct{}
}

// New opens the local replica and prepares the transport. No server traffic
// happens until Initialize or Sync.
func New(cfg Config) (*Client, error) {
	if cfg.LocalPath == "" {
		return nil, errors.New("LocalPath is required")
	}
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = 5 * time.Minute
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	st, err := store.Open(cfg.Driver, cfg.LocalPath,
		store.WithTracking(cfg.Tracking),
		store.WithOverrides(cfg.Overrides))
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:    cfg,
		store:  st,
		syncer: NewSyncer(cfg.ServerURL, cfg.HTTPTimeout, log),
		log:    log,
		done:   make(chan struct{}),
	}, nil
}

// Initialize negotiates the clock skew and starts the background sync loop
// when configured. A server that is unreachable at startup is not fatal; the
// client stays usable offline.
func (c *Client) Initialize(ctx context.Context) error {
	if c.online() {
		if _, err := c.syncer.NegotiateSkew(ctx); err != nil {
			if errors.Is(err, ErrUnstableConnection) {
				return err
			}
			c.log.Warn("initial skew negotiation failed, staying offline", "error", err)
		}
	}
	if c.cfg.AutoSync && c.online() {
		go c.syncLoop()
	}
	return nil
}

// Store exposes the local access client for reads and ad-hoc writes.
func (c *Client) Store() *store.Client { return c.store }

// Close stops the sync loop, attempts a final sync, and closes the replica.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	if c.online() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.Sync(ctx); err != nil {
			c.log.Warn("final sync failed", "error", err)
		}
	}
	return c.store.Close()
}

func (c *Client) online() bool {
	return !c.cfg.OfflineMode && c.cfg.ServerURL != ""
}

// Apply runs the changes on the local replica in one transaction and queues
// the applied result as a change-set for upload. The queued records carry
// the locally stamped version columns so the server can conflict-check them.
func (c *Client) Apply(ctx context.Context, changes []store.Change) ([]store.Record, error) {
	applied, err := c.store.Changes(ctx, changes)
	if err != nil {
		return nil, err
	}

	set := ledgersync.ChangeSet{
		UUID:       uuid.NewString(),
		ClientDate: time.Now().UTC().Format(time.RFC3339Nano),
		Changes:    make([]ledgersync.Change, len(changes)),
	}
	for i, ch := range changes {
		rec := map[string]any(ch.Record)
		if i < len(applied) && applied[i] != nil {
			rec = applied[i]
		}
		set.Changes[i] = ledgersync.Change{Table: ch.Table, Action: ch.Action, Record: rec}
	}
	if err := c.enqueue(ctx, set); err != nil {
		return nil, err
	}
	return applied, nil
}

// enqueue stores the change-set in the local sync_log as pending upload.
func (c *Client) enqueue(ctx context.Context, set ledgersync.ChangeSet) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encode change-set: %w", err)
	}
	return c.store.Unsafe(func(uc *store.Client) error {
		_, err := uc.Exec(ctx, `
			INSERT INTO sync_log (uuid, client_date, sync_date, status, data)
			VALUES (?, ?, ?, ?, ?)`,
			set.UUID, set.ClientDate, set.ClientDate, ledgersync.StatusTodo, string(data))
		return err
	})
}

// Sync uploads queued change-sets and downloads table deltas. While one sync
// runs, further calls mark a pending rerun and return immediately; the rerun
// fires after a short fixed delay.
func (c *Client) Sync(ctx context.Context) error {
	if !c.online() {
		return nil
	}

	c.mu.Lock()
	if c.syncing {
		c.pendingSync = true
		c.mu.Unlock()
		return nil
	}
	c.syncing = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.syncing = false
		rerun := c.pendingSync && !c.closed
		c.pendingSync = false
		c.mu.Unlock()
		if rerun {
			time.AfterFunc(deferRetryDelay, func() {
				if err := c.Sync(context.Background()); err != nil {
					c.log.Warn("deferred sync failed", "error", err)
				}
			})
		}
	}()

	if !c.syncer.negotiated {
		if _, err := c.syncer.NegotiateSkew(ctx); err != nil {
			return err
		}
	}
	if err := c.syncSchema(ctx); err != nil {
		return err
	}
	if err := c.push(ctx); err != nil {
		return err
	}
	return c.pull(ctx)
}

// syncSchema refetches the server schema when the remote version is ahead.
func (c *Client) syncSchema(ctx context.Context) error {
	localVersion, err := c.store.Catalog().Version(ctx)
	if err != nil {
		return err
	}
	remoteVersion, tables, err := c.syncer.FetchSchema(ctx)
	if err != nil {
		return err
	}
	if remoteVersion > localVersion {
		c.log.Info("schema refreshed from server", "local", localVersion, "remote", remoteVersion)
		c.store.Catalog().MergeOverrides(tables)
	}
	return nil
}

// push uploads queued change-sets in client-date order, one at a time.
func (c *Client) push(ctx context.Context) error {
	type pending struct {
		uuid string
		data string
	}
	var queue []pending
	err := c.store.Unsafe(func(uc *store.Client) error {
		rows, err := uc.Query(ctx, `
			SELECT uuid, data FROM sync_log WHERE status = ? ORDER BY client_date`,
			ledgersync.StatusTodo)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p pending
			if err := rows.Scan(&p.uuid, &p.data); err != nil {
				return err
			}
			queue = append(queue, p)
		}
		return rows.Err()
	})
	if err != nil {
		return err
	}

	for _, p := range queue {
		var set ledgersync.ChangeSet
		if err := json.Unmarshal([]byte(p.data), &set); err != nil {
			return fmt.Errorf("decode queued change-set %s: %w", p.uuid, err)
		}
		set.TimeSkewMS = c.syncer.SkewMS()

		result, err := c.syncer.Upload(ctx, set)
		if err != nil {
			// transport failure: leave the queue as is and retry next sync
			return err
		}
		status := ledgersync.StatusDone
		if result.ShouldRefresh && !result.AlreadyApplied {
			// the server logged an apply error under our uuid; the
			// follow-up pull reconciles local state
			status = ledgersync.StatusError
			c.log.Warn("server rejected change-set, refresh scheduled", "uuid", p.uuid)
		}
		markErr := c.store.Unsafe(func(uc *store.Client) error {
			_, err := uc.Exec(ctx, `UPDATE sync_log SET status = ?, sync_date = ? WHERE uuid = ?`,
				status, time.Now().UTC().Format(time.RFC3339Nano), p.uuid)
			return err
		})
		if markErr != nil {
			return markErr
		}
	}
	return nil
}

// pull downloads and applies the delta of every configured table.
func (c *Client) pull(ctx context.Context) error {
	for _, table := range c.cfg.Tables {
		after, err := track.TableVersion(ctx, c.store.DB(), c.store.Dialect(), table)
		if err != nil {
			return err
		}
		delta, err := c.syncer.Download(ctx, table, after)
		if err != nil {
			return err
		}
		if err := c.applyDelta(ctx, delta); err != nil {
			return fmt.Errorf("apply delta for %s: %w", table, err)
		}
	}
	return nil
}

// applyDelta writes one table's delta in a single transaction. Rows are
// replaced verbatim so the server's version columns survive; the local
// table version then jumps to the server's.
func (c *Client) applyDelta(ctx context.Context, delta *ledgersync.TableDelta) error {
	s, err := c.store.Catalog().Load(ctx)
	if err != nil {
		return err
	}
	table := s.Table(delta.Table)
	if table == nil {
		return fmt.Errorf("%w: unknown table %q", store.ErrConfig, delta.Table)
	}

	return c.store.Transaction(ctx, func(tc *store.Client) error {
		return tc.Unsafe(func(uc *store.Client) error {
			for _, row := range delta.Rows {
				if err := replaceRow(ctx, uc, table, row); err != nil {
					return err
				}
			}
			for _, pk := range delta.Removed {
				if err := deleteRow(ctx, uc, table, pk); err != nil {
					return err
				}
			}
			_, err := uc.Exec(ctx, `
				INSERT INTO table_versions (table_name, version_table, version_date)
				VALUES (?, ?, ?)
				ON CONFLICT (table_name) DO UPDATE
				SET version_table = excluded.version_table, version_date = excluded.version_date`,
				delta.Table, delta.Version, time.Now().UTC().Format(time.RFC3339Nano))
			return err
		})
	})
}

// replaceRow deletes any existing row with the pk and inserts the server
// copy with every declared column, version columns included.
func replaceRow(ctx context.Context, uc *store.Client, table *schema.Table, row map[string]any) error {
	if err := deleteRow(ctx, uc, table, row); err != nil {
		return err
	}

	cols := make([]string, 0, len(row))
	for k := range row {
		if table.HasColumn(k) {
			cols = append(cols, k)
		}
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	d := uc.Dialect()
	for i, col := range cols {
		quoted[i] = d.QuoteIdent(col)
		marks[i] = "?"
		args[i] = row[col]
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.QuoteIdent(table.Name), strings.Join(quoted, ", "), strings.Join(marks, ", "))
	_, err := uc.Exec(ctx, stmt, args...)
	return err
}

func deleteRow(ctx context.Context, uc *store.Client, table *schema.Table, row map[string]any) error {
	d := uc.Dialect()
	parts := make([]string, len(table.PK))
	args := make([]any, len(table.PK))
	for i, col := range table.PK {
		parts[i] = d.QuoteIdent(col) + " = ?"
		args[i] = row[col]
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", d.QuoteIdent(table.Name), strings.Join(parts, " AND "))
	_, err := uc.Exec(ctx, stmt, args...)
	return err
}

func (c *Client) syncLoop() {
	ticker := time.NewTicker(c.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			if err := c.Sync(ctx); err != nil {
				c.log.Warn("background sync failed", "error", err)
			}
			cancel()
		}
	}
}
