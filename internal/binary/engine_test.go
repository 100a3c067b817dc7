package binary

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/ledger/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	c, err := store.Open("sqlite", filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open client: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	root := t.TempDir()
	e, err := NewEngine(c, Config{Root: root}, nil, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, root
}

func TestEngine_SaveAndOpen(t *testing.T) {
	e, root := newTestEngine(t)
	ctx := context.Background()
	content := []byte("hello world")

	meta, err := e.Save(ctx, Meta{
		TableName: "items",
		TableUID:  "42",
		Filename:  "doc.txt",
		MimeType:  "text/plain",
	}, bytes.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}

	// Metadata reflects the content, not the caller's claims
	sum := md5.Sum(content)
	if meta.Checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("checksum = %s, want md5 of content", meta.Checksum)
	}
	if meta.Size != int64(len(content)) {
		t.Errorf("size = %d, want %d", meta.Size, len(content))
	}
	if meta.VersionRecord != 0 {
		t.Errorf("version_record = %d, want 0", meta.VersionRecord)
	}
	if meta.CreationTS != meta.ModificationTS {
		t.Errorf("fresh save should stamp creation == modification")
	}
	if !strings.HasPrefix(meta.Path, "items/42/") || !strings.HasSuffix(meta.Path, ".txt") {
		t.Errorf("path = %s, want items/42/<uid>.txt", meta.Path)
	}

	// The blob landed at its derived path and the temp dir is clean
	if _, err := os.Stat(filepath.Join(root, meta.Path)); err != nil {
		t.Fatalf("blob file: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(root, "temp"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("temp dir holds %d leftover files", len(entries))
	}

	got, reader, err := e.Open(ctx, meta.UID)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, content) {
		t.Errorf("read back %q, want %q", data, content)
	}
	if got.UID != meta.UID {
		t.Errorf("uid = %s, want %s", got.UID, meta.UID)
	}
}

func TestEngine_ResaveKeepsPathAndCreation(t *testing.T) {
	e, root := newTestEngine(t)
	ctx := context.Background()

	first, err := e.Save(ctx, Meta{TableName: "items", TableUID: "1", Filename: "a.png"},
		bytes.NewReader([]byte("v1")))
	if err != nil {
		t.Fatal(err)
	}

	second, err := e.Save(ctx, Meta{UID: first.UID, TableName: "items", TableUID: "1", Filename: "a.png"},
		bytes.NewReader([]byte("v2 longer")))
	if err != nil {
		t.Fatal(err)
	}

	if second.Path != first.Path {
		t.Errorf("path changed on resave: %s -> %s", first.Path, second.Path)
	}
	if second.CreationTS != first.CreationTS {
		t.Errorf("creation stamp changed on resave")
	}
	if second.VersionRecord != 1 {
		t.Errorf("version_record = %d, want 1", second.VersionRecord)
	}
	if second.Checksum == first.Checksum {
		t.Error("checksum did not follow the new content")
	}

	data, err := os.ReadFile(filepath.Join(root, second.Path))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v2 longer" {
		t.Errorf("file content = %q, want the resaved bytes", data)
	}
}

func TestEngine_ChecksumIntegrity(t *testing.T) {
	e, root := newTestEngine(t)
	ctx := context.Background()

	meta, err := e.Save(ctx, Meta{TableName: "t", TableUID: "1", Filename: "blob.bin"},
		bytes.NewReader([]byte("some binary payload")))
	if err != nil {
		t.Fatal(err)
	}

	// Hashing the stored file reproduces the recorded checksum
	sum, err := e.Checksum(filepath.Join(root, meta.Path))
	if err != nil {
		t.Fatal(err)
	}
	if sum != meta.Checksum {
		t.Errorf("file hash %s != recorded checksum %s", sum, meta.Checksum)
	}
}

func TestEngine_Delete(t *testing.T) {
	e, root := newTestEngine(t)
	ctx := context.Background()

	meta, err := e.Save(ctx, Meta{TableName: "t", TableUID: "1", Filename: "gone.txt"},
		bytes.NewReader([]byte("x")))
	if err != nil {
		t.Fatal(err)
	}

	if err := e.Delete(ctx, meta.UID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Get(ctx, meta.UID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("meta after delete = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(filepath.Join(root, meta.Path)); !os.IsNotExist(err) {
		t.Errorf("blob file survived delete: %v", err)
	}

	if err := e.Delete(ctx, "no-such-uid"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("delete of unknown uid = %v, want ErrNotFound", err)
	}
}

func TestExpandPattern(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	meta := Meta{UID: "u1", TableName: "docs", TableUID: "7", Filename: "report.pdf"}

	tests := []struct {
		pattern string
		want    string
	}{
		{"{table}/{table_uid}/{uid}.{ext}", "docs/7/u1.pdf"},
		{"{date}/{time}/{uid}.{ext}", "20260314/150926/u1.pdf"},
		{"{table}/{uid}", "docs/u1"},
	}
	for _, tt := range tests {
		if got := ExpandPattern(tt.pattern, meta, now); got != tt.want {
			t.Errorf("ExpandPattern(%q) = %q, want %q", tt.pattern, got, tt.want)
		}
	}

	// Path separators in metadata cannot escape the root
	evil := Meta{UID: "../../etc/passwd", TableName: "t", TableUID: "1", Filename: "x.txt"}
	got := ExpandPattern("{table}/{uid}.{ext}", evil, now)
	if strings.Contains(got, "..") {
		t.Errorf("pattern expansion leaked a traversal: %q", got)
	}
}
