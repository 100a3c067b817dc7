// Package binary stores content-addressed binary blobs next to the
// relational data. Content arrives into a temporary file, is checksummed,
// and is moved into its pattern-derived location only after the metadata
// row committed. Clients reconcile local copies against the server with a
// three-way checksum comparison.
package binary

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/ledger/internal/store"
)

// DefaultPattern places blobs by owning record, one directory per record.
const DefaultPattern = "{table}/{table_uid}/{uid}.{ext}"

// Meta is the metadata row of one stored blob. Path is derived from the
// pattern on first save and immutable afterwards.
type Meta struct {
	UID            string `json:"uid"`
	TableName      string `json:"tableName"`
	TableUID       string `json:"tableUid"`
	Checksum       string `json:"checksum"`
	Size           int64  `json:"size"`
	CreationTS     string `json:"creationTs"`
	ModificationTS string `json:"modificationTs"`
	MimeType       string `json:"mimeType,omitempty"`
	Filename       string `json:"filename,omitempty"`
	Description    string `json:"description,omitempty"`
	Path           string `json:"path"`
	VersionRecord  int64  `json:"versionRecord"`
}

// Config configures the storage root, the path pattern and the checksum
// algorithm.
type Config struct {
	Root     string
	Pattern  string
	Checksum string
}

// Engine is the server-side blob store.
type Engine struct {
	client *store.Client
	cfg    Config
	mirror Mirror
	log    *slog.Logger
}

// NewEngine prepares the storage root and its temp directory.
func NewEngine(client *store.Client, cfg Config, mirror Mirror, log *slog.Logger) (*Engine, error) {
	if cfg.Root == "" {
		return nil, errors.New("binary storage root is required")
	}
	if cfg.Pattern == "" {
		cfg.Pattern = DefaultPattern
	}
	if cfg.Checksum == "" {
		cfg.Checksum = ChecksumMD5
	}
	if _, err := newHasher(cfg.Checksum); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(cfg.Root, "temp"), 0o755); err != nil {
		return nil, fmt.Errorf("create binary temp dir: %w", err)
	}
	if mirror == nil {
		mirror = &NoopMirror{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{client: client, cfg: cfg, mirror: mirror, log: log}, nil
}

// Save stores the contents and upserts the metadata row. A fresh uid gets
// an insert with creation and modification stamps equal; an existing uid
// keeps its creation stamp and path and bumps version_record. The file
// reaches its final location only after the metadata committed; a failed
// move keeps the temp file for reconciliation.
func (e *Engine) Save(ctx context.Context, meta Meta, contents io.Reader) (*Meta, error) {
	tempPath := filepath.Join(e.cfg.Root, "temp", ulid.Make().String())
	checksum, size, err := e.writeTemp(tempPath, contents)
	if err != nil {
		return nil, err
	}

	if meta.UID == "" {
		meta.UID = uuid.NewString()
	}
	meta.Checksum = checksum
	meta.Size = size

	stored, err := e.upsertMeta(ctx, meta)
	if err != nil {
		os.Remove(tempPath)
		return nil, err
	}

	finalPath := filepath.Join(e.cfg.Root, stored.Path)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		// the metadata row stays so the blob can be reconciled later
		return nil, fmt.Errorf("move blob %s into place (temp kept at %s): %w", stored.UID, tempPath, err)
	}

	if err := e.mirror.Put(ctx, stored.Path, finalPath); err != nil {
		e.log.Warn("mirror upload failed", "uid", stored.UID, "error", err)
	}
	return stored, nil
}

// writeTemp streams contents to the temp path while hashing.
func (e *Engine) writeTemp(tempPath string, contents io.Reader) (string, int64, error) {
	h, err := newHasher(e.cfg.Checksum)
	if err != nil {
		return "", 0, err
	}
	f, err := os.Create(tempPath)
	if err != nil {
		return "", 0, fmt.Errorf("create temp blob: %w", err)
	}
	size, err := io.Copy(io.MultiWriter(f, h), contents)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempPath)
		return "", 0, fmt.Errorf("write temp blob: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// upsertMeta writes the metadata row in one transaction and returns the
// stored state.
func (e *Engine) upsertMeta(ctx context.Context, meta Meta) (*Meta, error) {
	var stored *Meta
	err := e.client.Transaction(ctx, func(tc *store.Client) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		existing, err := tc.GetByPK(ctx, "binary_meta", meta.UID)
		if errors.Is(err, store.ErrNotFound) {
			meta.CreationTS = now
			meta.ModificationTS = now
			meta.VersionRecord = 0
			meta.Path = ExpandPattern(e.cfg.Pattern, meta, time.Now().UTC())
			rec, err := tc.Insert(ctx, "binary_meta", metaRecord(meta))
			if err != nil {
				return err
			}
			stored = recordMeta(rec)
			return nil
		}
		if err != nil {
			return err
		}

		// path and creation stamp are immutable once written
		meta.Path = fmt.Sprint(existing["path"])
		meta.CreationTS = fmt.Sprint(existing["creation_ts"])
		meta.ModificationTS = now
		meta.VersionRecord = asInt64(existing["version_record"]) + 1
		rec, err := tc.Update(ctx, "binary_meta", metaRecord(meta))
		if err != nil {
			return err
		}
		stored = recordMeta(rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Get returns the metadata row for a uid.
func (e *Engine) Get(ctx context.Context, uid string) (*Meta, error) {
	rec, err := e.client.GetByPK(ctx, "binary_meta", uid)
	if err != nil {
		return nil, err
	}
	return recordMeta(rec), nil
}

// Open returns the metadata and a reader over the stored content.
func (e *Engine) Open(ctx context.Context, uid string) (*Meta, io.ReadCloser, error) {
	meta, err := e.Get(ctx, uid)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(filepath.Join(e.cfg.Root, meta.Path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("blob file for %s: %w", uid, store.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("open blob %s: %w", uid, err)
	}
	return meta, f, nil
}

// Delete removes the metadata row and the backing file.
func (e *Engine) Delete(ctx context.Context, uid string) error {
	meta, err := e.Get(ctx, uid)
	if err != nil {
		return err
	}
	if err := e.client.Remove(ctx, "binary_meta", uid); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(e.cfg.Root, meta.Path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob file %s: %w", uid, err)
	}
	if err := e.mirror.Remove(ctx, meta.Path); err != nil {
		e.log.Warn("mirror remove failed", "uid", uid, "error", err)
	}
	return nil
}

// Checksum hashes an on-disk file with the engine's algorithm.
func (e *Engine) Checksum(path string) (string, error) {
	return HashFile(e.cfg.Checksum, path)
}

func metaRecord(m Meta) store.Record {
	return store.Record{
		"uid":             m.UID,
		"table_name":      m.TableName,
		"table_uid":       m.TableUID,
		"checksum":        m.Checksum,
		"size":            m.Size,
		"creation_ts":     m.CreationTS,
		"modification_ts": m.ModificationTS,
		"mime_type":       m.MimeType,
		"filename":        m.Filename,
		"description":     m.Description,
		"path":            m.Path,
		"version_record":  m.VersionRecord,
	}
}

func recordMeta(rec store.Record) *Meta {
	return &Meta{
		UID:            fmt.Sprint(rec["uid"]),
		TableName:      stringOr(rec["table_name"]),
		TableUID:       stringOr(rec["table_uid"]),
		Checksum:       stringOr(rec["checksum"]),
		Size:           asInt64(rec["size"]),
		CreationTS:     stringOr(rec["creation_ts"]),
		ModificationTS: stringOr(rec["modification_ts"]),
		MimeType:       stringOr(rec["mime_type"]),
		Filename:       stringOr(rec["filename"]),
		Description:    stringOr(rec["description"]),
		Path:           stringOr(rec["path"]),
		VersionRecord:  asInt64(rec["version_record"]),
	}
}

func stringOr(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
