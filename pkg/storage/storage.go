// Package storage provides the object store port used for ledger payload
// spill and attachment persistence. Backends are pluggable; the core only
// consumes the ObjectStore interface.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arion-ai/arion/pkg/config"
)

// ErrObjectNotFound is returned when the requested key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the narrow storage port consumed by the ledger, the
// attachment ingestor, and the retention sweeper.
type ObjectStore interface {
	// Put stores data under key. Repeated puts of the same key overwrite;
	// callers using content-hash keys get idempotent puts for free.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get returns the full object bytes, or ErrObjectNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// PresignedGetURL returns a time-limited download URL for key.
	PresignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// New constructs the backend selected by cfg.Provider.
func New(ctx context.Context, cfg config.ObjectStoreConfig) (ObjectStore, error) {
	switch cfg.Provider {
	case config.ObjectStoreMemory:
		return NewMemoryStore(cfg.KeyPrefix), nil
	case config.ObjectStoreS3, config.ObjectStoreMinIO:
		return NewS3Store(ctx, cfg)
	case config.ObjectStoreGCS, config.ObjectStoreAzure:
		return nil, fmt.Errorf("object store provider %q is not supported by this build", cfg.Provider)
	default:
		return nil, fmt.Errorf("unknown object store provider %q", cfg.Provider)
	}
}

// PayloadKey is the spill location for an oversized ledger payload.
func PayloadKey(tenantID, conversationID string, eventID int64) string {
	return fmt.Sprintf("payload/%s/%s/%d.json.gz", tenantID, conversationID, eventID)
}

// AssetKey is the location for an ingested or generated attachment.
func AssetKey(tenantID, assetID, filename string) string {
	return fmt.Sprintf("asset/%s/%s/%s", tenantID, assetID, SanitizeFilename(filename))
}

// SanitizeFilename strips path separators and control characters so
// provider-supplied names cannot escape their key prefix.
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "file"
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == 0:
			b.WriteRune('_')
		case r < 0x20:
			continue
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	// Reject names that are only dots; "." and ".." have path meaning.
	if strings.Trim(out, ".") == "" {
		return "file"
	}
	return out
}
