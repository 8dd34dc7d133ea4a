// Package dedup provides content-hash deduplication of processed documents.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"
)

// Record is one processed document keyed by content digest. ResultJSON is
// the stored job result, replayed verbatim on a duplicate submission.
type Record struct {
	Digest      string
	PaperID     string
	Path        string
	Parser      string
	ResultJSON  []byte
	ProcessedAt time.Time
}

// Store persists dedup records.
type Store interface {
	// Lookup returns the record for digest. The bool reports presence; a
	// missing digest is not an error.
	Lookup(ctx context.Context, digest string) (Record, bool, error)
	// Save upserts a record. A later submission of the same content wins.
	Save(ctx context.Context, rec Record) error
	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)
	Close() error
}

// SHA256Hasher streams files through SHA-256. It satisfies intake.Hasher.
type SHA256Hasher struct{}

// NewSHA256Hasher returns the production hasher.
func NewSHA256Hasher() *SHA256Hasher {
	return &SHA256Hasher{}
}

// HashFile returns the lowercase hex SHA-256 digest of the file contents.
func (SHA256Hasher) HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
