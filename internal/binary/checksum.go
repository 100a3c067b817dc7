package binary

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// Supported checksum algorithms. Checksums address content, not security;
// md5 matches the default of existing deployments.
const (
	ChecksumMD5    = "md5"
	ChecksumSHA256 = "sha256"
)

func newHasher(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case ChecksumMD5:
		return md5.New(), nil
	case ChecksumSHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}
}

// HashFile returns the hex checksum of a file, or "" without error when the
// file does not exist.
func HashFile(algorithm, path string) (string, error) {
	h, err := newHasher(algorithm)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
