// Package storage is the document byte store. Stages read through Reader;
// only ingestion writes.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"docflow/internal/store"

	"github.com/google/uuid"
)

// ErrContentHashMismatch is returned when stored bytes no longer match the document hash.
var ErrContentHashMismatch = errors.New("content hash mismatch")

// Reader is the storage port consumed by stages.
type Reader interface {
	ReadDocumentBytes(ctx context.Context, doc store.Document) ([]byte, error)
}

// Object describes bytes written by ingestion.
type Object struct {
	Location    string
	ContentHash string
	Size        int64
	MediaType   string
}

// ObjectKey is where a tenant's document lives. The tenant prefix keeps stores disjoint.
func ObjectKey(tenantID, documentID uuid.UUID) string {
	return fmt.Sprintf("tenants/%s/documents/%s", tenantID, documentID)
}

// HashBytes returns the hex sha256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// VerifyHash checks b against the document's recorded content hash.
// Documents without a hash are accepted as-is.
func VerifyHash(doc store.Document, b []byte) error {
	if doc.ContentHash == "" {
		return nil
	}
	if got := HashBytes(b); got != doc.ContentHash {
		return fmt.Errorf("%w: document %s: want %s, got %s", ErrContentHashMismatch, doc.ID, doc.ContentHash, got)
	}
	return nil
}

// readAllLimited reads at most limit bytes (0 means unlimited).
func readAllLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("document exceeds %d bytes", limit)
	}
	return b, nil
}
