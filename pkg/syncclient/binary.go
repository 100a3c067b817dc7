package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/ledger/internal/binary"
	"github.com/hyperengineering/ledger/internal/store"
)

// BinaryTransport moves blob content between the client and the server.
// *Syncer implements it over the HTTP endpoints; tests substitute fakes.
type BinaryTransport interface {
	SaveBinary(ctx context.Context, meta binary.Meta, contents io.Reader) (*binary.Meta, error)
	ReadBinary(ctx context.Context, uid string) (io.ReadCloser, error)
	BinaryMeta(ctx context.Context, uid string) (*binary.Meta, error)
}

// SaveBinary uploads blob content with its metadata as multipart form data.
func (s *Syncer) SaveBinary(ctx context.Context, meta binary.Meta, contents io.Reader) (*binary.Meta, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	record, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode binary meta: %w", err)
	}
	if field, err := mw.CreateFormField("record"); err != nil {
		return nil, err
	} else if _, err := field.Write(record); err != nil {
		return nil, err
	}
	name := meta.Filename
	if name == "" {
		name = "contents"
	}
	part, err := mw.CreateFormFile("contents", name)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, contents); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	body, err := s.do(ctx, http.MethodPost, "/saveBinary", mw.FormDataContentType(), buf.Bytes())
	if err != nil {
		return nil, err
	}
	var stored binary.Meta
	if err := json.Unmarshal(body, &stored); err != nil {
		return nil, fmt.Errorf("decode saveBinary response: %w", err)
	}
	return &stored, nil
}

// ReadBinary streams the server's blob content.
func (s *Syncer) ReadBinary(ctx context.Context, uid string) (io.ReadCloser, error) {
	body, err := s.do(ctx, http.MethodGet, "/readBinary/download/"+url.PathEscape(uid), "", nil)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

// BinaryMeta fetches the server's metadata row, nil when absent.
func (s *Syncer) BinaryMeta(ctx context.Context, uid string) (*binary.Meta, error) {
	body, err := s.do(ctx, http.MethodGet, "/api/v1/db/binary_meta/"+url.PathEscape(uid), "", nil)
	if err != nil {
		var he *httpError
		if errors.As(err, &he) && he.status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if len(body) == 0 || string(body) == "null" {
		return nil, nil
	}
	var meta binary.Meta
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("decode binary meta: %w", err)
	}
	return &meta, nil
}

// SyncBinary reconciles one blob between the local file and the server
// using the three-way checksum comparison. The last synced checksum lives
// in the local replica's binary_meta row. On a conflict resolved as
// download, the losing local copy is first uploaded under a fresh uid as an
// audit trace.
func (c *Client) SyncBinary(ctx context.Context, transport BinaryTransport, uid, localPath string, resolve binary.Resolver) (binary.Action, error) {
	serverMeta, err := transport.BinaryMeta(ctx, uid)
	if err != nil {
		return "", err
	}

	localSum, err := binary.HashFile(binary.ChecksumMD5, localPath)
	if err != nil {
		return "", err
	}
	lastSum, err := c.lastSyncedChecksum(ctx, uid)
	if err != nil {
		return "", err
	}

	state := binary.FileState{Local: localSum, LastSync: lastSum}
	if serverMeta != nil {
		state.Server = serverMeta.Checksum
	}

	action := binary.Decide(state)
	resolution := ""
	if action == binary.ActionConflict {
		if resolve == nil {
			return "", errors.New("binary conflict without a resolver")
		}
		resolution = resolve(state, serverMeta)
		action, err = binary.ResolveConflict(resolution)
		if err != nil {
			return "", err
		}
		if action == binary.ActionDownload {
			// preserve the losing local copy before it is overwritten
			if err := c.uploadAudit(ctx, transport, uid, localPath, resolution, serverMeta); err != nil {
				return "", err
			}
		}
	}

	switch action {
	case binary.ActionNone:
		return binary.ActionNone, nil
	case binary.ActionUpload:
		stored, err := c.uploadLocal(ctx, transport, uid, localPath, serverMeta)
		if err != nil {
			return "", err
		}
		return binary.ActionUpload, c.rememberChecksum(ctx, uid, stored.Checksum, localPath)
	case binary.ActionDownload:
		if err := c.downloadToLocal(ctx, transport, uid, localPath); err != nil {
			return "", err
		}
		return binary.ActionDownload, c.rememberChecksum(ctx, uid, state.Server, localPath)
	default:
		return "", fmt.Errorf("unhandled binary action %q", action)
	}
}

func (c *Client) uploadLocal(ctx context.Context, transport BinaryTransport, uid, localPath string, serverMeta *binary.Meta) (*binary.Meta, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	meta := binary.Meta{UID: uid, Filename: filepath.Base(localPath)}
	if serverMeta != nil {
		meta.TableName = serverMeta.TableName
		meta.TableUID = serverMeta.TableUID
		meta.MimeType = serverMeta.MimeType
	}
	return transport.SaveBinary(ctx, meta, f)
}

// uploadAudit ships the local copy under a fresh uid so the conflicting
// content survives the download that follows.
func (c *Client) uploadAudit(ctx context.Context, transport BinaryTransport, uid, localPath, resolution string, serverMeta *binary.Meta) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	meta := binary.Meta{
		Filename:    filepath.Base(localPath),
		Description: fmt.Sprintf("conflict audit of %s (%s)", uid, resolution),
	}
	if serverMeta != nil {
		meta.TableName = serverMeta.TableName
		meta.TableUID = serverMeta.TableUID
	}
	_, err = transport.SaveBinary(ctx, meta, f)
	return err
}

func (c *Client) downloadToLocal(ctx context.Context, transport BinaryTransport, uid, localPath string) error {
	reader, err := transport.ReadBinary(ctx, uid)
	if err != nil {
		return err
	}
	defer reader.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	tmp := localPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, reader)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, localPath)
}

// lastSyncedChecksum reads the checksum recorded at the last successful
// sync from the local binary_meta row, "" when the blob was never synced.
func (c *Client) lastSyncedChecksum(ctx context.Context, uid string) (string, error) {
	sum := ""
	err := c.store.Unsafe(func(uc *store.Client) error {
		rows, err := uc.Query(ctx, `SELECT checksum FROM binary_meta WHERE uid = ?`, uid)
		if err != nil {
			return err
		}
		defer rows.Close()
		if rows.Next() {
			if err := rows.Scan(&sum); err != nil {
				return err
			}
		}
		return rows.Err()
	})
	return sum, err
}

func (c *Client) rememberChecksum(ctx context.Context, uid, checksum, localPath string) error {
	return c.store.Unsafe(func(uc *store.Client) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		_, err := uc.Exec(ctx, `
			INSERT INTO binary_meta (uid, table_name, table_uid, checksum, size, creation_ts, modification_ts, path)
			VALUES (?, '', '', ?, 0, ?, ?, ?)
			ON CONFLICT (uid) DO UPDATE
			SET checksum = excluded.checksum, modification_ts = excluded.modification_ts, path = excluded.path`,
			uid, checksum, now, now, localPath)
		return err
	})
}
