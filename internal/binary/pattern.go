package binary

import (
	"path"
	"strings"
	"time"
)

// ExpandPattern derives a blob's relative storage path from its metadata.
// Tokens: {table}, {table_uid}, {uid}, {ext}, {date}, {time}. The extension
// comes from the original filename, without its dot.
func ExpandPattern(pattern string, meta Meta, now time.Time) string {
	ext := strings.TrimPrefix(path.Ext(meta.Filename), ".")
	if ext == "" {
		ext = "bin"
	}
	r := strings.NewReplacer(
		"{table}", safeSegment(meta.TableName),
		"{table_uid}", safeSegment(meta.TableUID),
		"{uid}", safeSegment(meta.UID),
		"{ext}", safeSegment(ext),
		"{date}", now.Format("20060102"),
		"{time}", now.Format("150405"),
	)
	return path.Clean(r.Replace(pattern))
}

// safeSegment keeps expanded tokens from escaping the storage root.
func safeSegment(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "..", "_")
	if s == "" {
		return "_"
	}
	return s
}
