// Package cache provides the embedded, file-backed result cache that
// maps (extension identity, version) to a previously computed scan
// result. Entries carry indexed summary columns derived from the
// payload so aggregate queries never deserialize payloads.
package cache

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// SchemaVersion is the current on-disk schema version.
const SchemaVersion = 2

// Entry is one persisted scan result, keyed by (id, version). A
// version bump is a new entry, never an update in place.
type Entry struct {
	// ID is the extension identifier in publisher.name form.
	ID string

	// Version is the opaque version string the result was computed for.
	Version string

	// Payload is the serialized scan result.
	Payload []byte

	// Summary columns, always derivable from Payload and kept in
	// sync at write time.
	RiskLevel     string
	Score         float64
	VulnCount     int
	CriticalCount int
	HighCount     int

	// ScannedAt is when the result was computed.
	ScannedAt time.Time

	// SchemaVersion tags the schema the entry was written under.
	SchemaVersion int
}

// Key returns the id@version form used by the installed-key set.
func (e *Entry) Key() string {
	return e.ID + "@" + e.Version
}

// Stats holds aggregate cache statistics, computed entirely from
// indexed summary columns.
type Stats struct {
	Total     int64
	ByRisk    map[string]int64
	Stale     int64
	SizeBytes int64
}

// Store is the result cache contract used by the orchestrator.
type Store interface {
	// Lookup returns the entry matching id and version exactly,
	// provided it is no older than maxAge. Returns (nil, nil) on a
	// miss. maxAge <= 0 disables the staleness check.
	Lookup(ctx context.Context, id, version string, maxAge time.Duration) (*Entry, error)

	// BeginBatch opens the single write handle. Only one batch may
	// be open at a time.
	BeginBatch() (*Batch, error)

	// RemoveStale deletes entries whose id@version key is absent
	// from validKeys and returns the number deleted.
	RemoveStale(ctx context.Context, validKeys map[string]struct{}) (int64, error)

	// Stats returns aggregate counts; entries older than maxAge
	// count as stale.
	Stats(ctx context.Context, maxAge time.Duration) (*Stats, error)

	// Clear deletes every entry and returns the number removed.
	Clear(ctx context.Context) (int64, error)

	// Compact reclaims disk space when the store exceeds its size
	// threshold or enough rows have been deleted. Returns whether
	// compaction ran.
	Compact(ctx context.Context) (bool, error)

	Close() error
}

// CacheError is a typed failure from the cache layer, tagged with the
// operation that produced it.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache: %s: %v", e.Op, e.Err)
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

// segmentPattern is the strict identifier shape enforced on publisher
// and name segments before any key reaches the query layer. Queries
// are parameterized regardless; this is defense in depth.
var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// versionPattern additionally allows '+' for build metadata.
var versionPattern = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)

// ValidID reports whether id is a well-formed publisher.name identifier.
func ValidID(id string) bool {
	return segmentPattern.MatchString(id)
}

// ValidKey reports whether key is a well-formed id@version pair.
func ValidKey(key string) bool {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '@' {
			return ValidID(key[:i]) && versionPattern.MatchString(key[i+1:])
		}
	}
	return false
}
