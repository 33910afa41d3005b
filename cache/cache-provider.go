package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Suffixes appended to a cache key to get the names of the two storage slots of an entry.
const (
	ContentSuffix = ".content.cache"
	DataSuffix    = ".data.cache"
)

var (
	// ErrNotFound is returned when there is no entry for the key.
	ErrNotFound = errors.New("cache: entry not found")
	// ErrStale is returned when the entry had expired. The entry has already been removed.
	ErrStale = errors.New("cache: entry is stale")
	// ErrCorrupt is returned when only one of the two artifacts exists,
	// when the metadata cannot be decoded or when the artifacts do not belong together.
	ErrCorrupt = errors.New("cache: entry is corrupt")
)

// IsMiss reports whether the error returned from Read means that the entry should be regenerated.
func IsMiss(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrStale) || errors.Is(err, ErrCorrupt)
}

// Store is an interface for a page cache backend.
// Every entry is stored as two artifacts, the body and the metadata,
// in the slots named by ContentSlot and DataSlot.
// A missing counterpart must never be reported as a hit.
//
// Implementations must be thread-safe!
type Store interface {
	// Exists checks if both artifacts for the key are stored and not expired.
	Exists(ctx context.Context, key string) bool
	// Read returns the entry for the key.
	// The error is ErrNotFound, ErrStale or ErrCorrupt (possibly wrapped) for misses.
	Read(ctx context.Context, key string) (Entry, error)
	// Write stores the entry, replacing both artifacts.
	// Entries written with a ttl <= 0 are not stored.
	Write(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	// Delete removes both artifacts. Deleting a missing entry is not an error.
	Delete(ctx context.Context, key string) error
	// Clear removes every entry.
	Clear(ctx context.Context) error
}

// Entry is a stored response.
type Entry struct {
	// Exact bytes to send to the client, gzip encoded if Metadata.Gzip is set.
	Body     []byte
	Metadata Metadata
}

// Metadata is everything needed to replay the stored body.
type Metadata struct {
	StatusCode int
	Header     http.Header
	// Normalized URI of the request that generated the response.
	URI     string
	Created time.Time
	// Whether Body is gzip encoded by the cache.
	Gzip bool
	// Set by the store when writing.
	TTL time.Duration
	// Hex encoded SHA-256 of the body, set by the store when writing.
	Digest string
}

// ContentSlot returns the name of the body artifact for a key.
func ContentSlot(key string) string {
	return key + ContentSuffix
}

// DataSlot returns the name of the metadata artifact for a key.
func DataSlot(key string) string {
	return key + DataSuffix
}
