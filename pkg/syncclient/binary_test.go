package syncclient

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperengineering/ledger/internal/binary"
)

// fakeTransport is an in-memory server for one blob.
type fakeTransport struct {
	meta    *binary.Meta
	content []byte

	uploads []binary.Meta
}

func (f *fakeTransport) SaveBinary(_ context.Context, meta binary.Meta, contents io.Reader) (*binary.Meta, error) {
	data, err := io.ReadAll(contents)
	if err != nil {
		return nil, err
	}
	stored := meta
	if stored.UID == "" {
		stored.UID = "audit-" + meta.Filename
	}
	stored.Checksum = md5hex(data)
	stored.Size = int64(len(data))
	f.uploads = append(f.uploads, stored)
	if meta.UID != "" {
		f.meta = &stored
		f.content = data
	}
	return &stored, nil
}

func (f *fakeTransport) ReadBinary(_ context.Context, uid string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.content)), nil
}

func (f *fakeTransport) BinaryMeta(_ context.Context, uid string) (*binary.Meta, error) {
	return f.meta, nil
}

func md5hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func writeLocal(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "photo.jpg")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSyncBinary_UploadWhenServerAbsent(t *testing.T) {
	c := newLocalClient(t, "")
	ctx := context.Background()
	local := writeLocal(t, t.TempDir(), "local only")
	ft := &fakeTransport{}

	action, err := c.SyncBinary(ctx, ft, "b1", local, nil)
	if err != nil {
		t.Fatal(err)
	}
	if action != binary.ActionUpload {
		t.Fatalf("action = %s, want upload", action)
	}
	if len(ft.uploads) != 1 || ft.uploads[0].UID != "b1" {
		t.Fatalf("uploads = %+v, want one upload of b1", ft.uploads)
	}

	// the stored checksum becomes the last-sync marker
	sum, err := c.lastSyncedChecksum(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if sum != ft.uploads[0].Checksum {
		t.Errorf("recorded checksum %s, want %s", sum, ft.uploads[0].Checksum)
	}
}

func TestSyncBinary_DownloadWhenLocalAbsent(t *testing.T) {
	c := newLocalClient(t, "")
	ctx := context.Background()
	local := filepath.Join(t.TempDir(), "nested", "photo.jpg")

	serverContent := []byte("server copy")
	ft := &fakeTransport{
		meta:    &binary.Meta{UID: "b1", Checksum: md5hex(serverContent)},
		content: serverContent,
	}

	action, err := c.SyncBinary(ctx, ft, "b1", local, nil)
	if err != nil {
		t.Fatal(err)
	}
	if action != binary.ActionDownload {
		t.Fatalf("action = %s, want download", action)
	}
	data, err := os.ReadFile(local)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, serverContent) {
		t.Errorf("downloaded %q, want %q", data, serverContent)
	}
}

func TestSyncBinary_NoopWhenInSync(t *testing.T) {
	c := newLocalClient(t, "")
	ctx := context.Background()
	local := writeLocal(t, t.TempDir(), "same bytes")

	sum, err := binary.HashFile(binary.ChecksumMD5, local)
	if err != nil {
		t.Fatal(err)
	}
	ft := &fakeTransport{meta: &binary.Meta{UID: "b1", Checksum: sum}}

	action, err := c.SyncBinary(ctx, ft, "b1", local, nil)
	if err != nil {
		t.Fatal(err)
	}
	if action != binary.ActionNone {
		t.Errorf("action = %s, want none", action)
	}
	if len(ft.uploads) != 0 {
		t.Errorf("in-sync blob triggered %d uploads", len(ft.uploads))
	}
}

func TestSyncBinary_ConflictDownloadAuditsLocalCopy(t *testing.T) {
	c := newLocalClient(t, "")
	ctx := context.Background()
	local := writeLocal(t, t.TempDir(), "local edit")

	serverContent := []byte("server edit")
	ft := &fakeTransport{
		meta: &binary.Meta{
			UID:       "b1",
			TableName: "items",
			TableUID:  "7",
			Checksum:  md5hex(serverContent),
		},
		content: serverContent,
	}
	// both sides diverged from the last synced state
	if err := c.rememberChecksum(ctx, "b1", "stale-checksum", local); err != nil {
		t.Fatal(err)
	}

	resolver := func(state binary.FileState, server *binary.Meta) string {
		return "download-keep server"
	}
	action, err := c.SyncBinary(ctx, ft, "b1", local, resolver)
	if err != nil {
		t.Fatal(err)
	}
	if action != binary.ActionDownload {
		t.Fatalf("action = %s, want download", action)
	}

	// Given the losing local copy, Then it survives as an audit upload
	// under a fresh uid before the overwrite
	if len(ft.uploads) != 1 {
		t.Fatalf("uploads = %d, want the audit copy", len(ft.uploads))
	}
	audit := ft.uploads[0]
	if audit.UID == "b1" {
		t.Error("audit upload reused the conflicted uid")
	}
	if audit.TableName != "items" || audit.TableUID != "7" {
		t.Errorf("audit keeps the owning record, got %s/%s", audit.TableName, audit.TableUID)
	}
	if audit.Description == "" {
		t.Error("audit upload carries no conflict description")
	}

	data, err := os.ReadFile(local)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, serverContent) {
		t.Errorf("local file = %q, want the server copy", data)
	}
}

func TestSyncBinary_ConflictWithoutResolverFails(t *testing.T) {
	c := newLocalClient(t, "")
	ctx := context.Background()
	local := writeLocal(t, t.TempDir(), "local edit")
	ft := &fakeTransport{meta: &binary.Meta{UID: "b1", Checksum: "different"}}

	if _, err := c.SyncBinary(ctx, ft, "b1", local, nil); err == nil {
		t.Error("conflict without resolver should fail")
	}
}
