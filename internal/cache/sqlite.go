package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Default compaction thresholds. VACUUM rewrites the whole file, so it
// only pays off once the store is large or many rows were deleted.
const (
	defaultCompactMinBytes   = 10 << 20 // 10 MiB
	defaultCompactMinDeletes = 1000
)

// Options configures a SQLiteCache. Zero values select defaults.
type Options struct {
	// CompactMinBytes is the file size above which Compact runs.
	CompactMinBytes int64

	// CompactMinDeletes is the deleted-row count above which
	// Compact runs regardless of file size.
	CompactMinDeletes int64
}

// SQLiteCache implements Store using SQLite via modernc.org/sqlite
// (pure Go). Writes go through a single Batch handle; reads may happen
// concurrently.
type SQLiteCache struct {
	db   *sql.DB
	path string
	opts Options

	mu        sync.Mutex
	batchOpen bool
	deletes   int64 // rows deleted since the last compaction

	// now is swapped out in tests to pin the staleness boundary.
	now func() time.Time
}

// Compile-time check that SQLiteCache implements Store.
var _ Store = (*SQLiteCache)(nil)

// Open creates or opens a SQLite-backed result cache at path; use
// ":memory:" for testing. The schema is migrated forward on open.
func Open(path string, opts Options) (*SQLiteCache, error) {
	if opts.CompactMinBytes <= 0 {
		opts.CompactMinBytes = defaultCompactMinBytes
	}
	if opts.CompactMinDeletes <= 0 {
		opts.CompactMinDeletes = defaultCompactMinDeletes
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &CacheError{Op: "open", Err: err}
	}

	// A single connection keeps :memory: databases coherent and avoids
	// writer contention on file-backed ones.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &CacheError{Op: "open", Err: err}
	}

	// Detect corruption before trusting the file with scan results.
	var check string
	if err := db.QueryRow(`PRAGMA quick_check`).Scan(&check); err != nil {
		db.Close()
		return nil, &CacheError{Op: "integrity", Err: err}
	}
	if check != "ok" {
		db.Close()
		return nil, &CacheError{Op: "integrity", Err: fmt.Errorf("quick_check reported %q", check)}
	}

	c := &SQLiteCache{db: db, path: path, opts: opts, now: time.Now}

	if err := c.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return c, nil
}

// Lookup returns a hit only on an exact (id, version) key match whose
// age does not exceed maxAge. The boundary is inclusive: an entry
// scanned exactly maxAge ago is still fresh. Returns (nil, nil) on a
// miss.
func (c *SQLiteCache) Lookup(ctx context.Context, id, version string, maxAge time.Duration) (*Entry, error) {
	query := `
		SELECT payload, risk_level, score, vuln_count, critical_count, high_count, scanned_at, schema_version
		FROM results
		WHERE id = ? AND version = ?
	`
	row := c.db.QueryRowContext(ctx, query, id, version)

	var (
		entry     Entry
		scannedAt string
	)
	entry.ID = id
	entry.Version = version
	err := row.Scan(
		&entry.Payload,
		&entry.RiskLevel,
		&entry.Score,
		&entry.VulnCount,
		&entry.CriticalCount,
		&entry.HighCount,
		&scannedAt,
		&entry.SchemaVersion,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &CacheError{Op: "lookup", Err: err}
	}

	t, err := time.Parse(time.RFC3339, scannedAt)
	if err != nil {
		return nil, &CacheError{Op: "lookup", Err: fmt.Errorf("parse scanned_at %q: %w", scannedAt, err)}
	}
	entry.ScannedAt = t

	// Staleness is a read-time check, not a background eviction. The
	// boundary is inclusive: age == maxAge is still a hit.
	if maxAge > 0 && c.now().Sub(entry.ScannedAt) > maxAge {
		return nil, nil
	}

	return &entry, nil
}

// BeginBatch opens the single write handle. A second BeginBatch while
// one is open is an error: a stale open writer would block all
// subsequent access.
func (c *SQLiteCache) BeginBatch() (*Batch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.batchOpen {
		return nil, &CacheError{Op: "begin-batch", Err: fmt.Errorf("a batch is already open")}
	}
	c.batchOpen = true
	return &Batch{cache: c}, nil
}

// releaseBatch returns the write handle. Called by Commit and Abort.
func (c *SQLiteCache) releaseBatch() {
	c.mu.Lock()
	c.batchOpen = false
	c.mu.Unlock()
}

// RemoveStale deletes entries whose id@version key is not present in
// validKeys. Every supplied key must pass the strict identifier shape
// check before any of them reaches the query layer.
func (c *SQLiteCache) RemoveStale(ctx context.Context, validKeys map[string]struct{}) (int64, error) {
	for k := range validKeys {
		if !ValidKey(k) {
			return 0, &CacheError{Op: "remove-stale", Err: fmt.Errorf("invalid key %q", k)}
		}
	}

	rows, err := c.db.QueryContext(ctx, `SELECT id, version FROM results`)
	if err != nil {
		return 0, &CacheError{Op: "remove-stale", Err: err}
	}

	type keyPair struct{ id, version string }
	var doomed []keyPair
	for rows.Next() {
		var kp keyPair
		if err := rows.Scan(&kp.id, &kp.version); err != nil {
			rows.Close()
			return 0, &CacheError{Op: "remove-stale", Err: err}
		}
		if _, ok := validKeys[kp.id+"@"+kp.version]; !ok {
			doomed = append(doomed, kp)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, &CacheError{Op: "remove-stale", Err: err}
	}
	rows.Close()

	if len(doomed) == 0 {
		return 0, nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &CacheError{Op: "remove-stale", Err: err}
	}

	var deleted int64
	for _, kp := range doomed {
		res, err := tx.ExecContext(ctx, `DELETE FROM results WHERE id = ? AND version = ?`, kp.id, kp.version)
		if err != nil {
			tx.Rollback()
			return 0, &CacheError{Op: "remove-stale", Err: err}
		}
		n, _ := res.RowsAffected()
		deleted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, &CacheError{Op: "remove-stale", Err: err}
	}

	c.mu.Lock()
	c.deletes += deleted
	c.mu.Unlock()

	return deleted, nil
}

// Stats returns aggregate counts computed from indexed summary columns
// only; payloads are never deserialized here.
func (c *SQLiteCache) Stats(ctx context.Context, maxAge time.Duration) (*Stats, error) {
	stats := &Stats{ByRisk: make(map[string]int64)}

	rows, err := c.db.QueryContext(ctx, `SELECT risk_level, COUNT(*) FROM results GROUP BY risk_level`)
	if err != nil {
		return nil, &CacheError{Op: "stats", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var (
			risk  string
			count int64
		)
		if err := rows.Scan(&risk, &count); err != nil {
			return nil, &CacheError{Op: "stats", Err: err}
		}
		stats.ByRisk[risk] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, &CacheError{Op: "stats", Err: err}
	}

	if maxAge > 0 {
		cutoff := c.now().UTC().Add(-maxAge).Format(time.RFC3339)
		row := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM results WHERE scanned_at < ?`, cutoff)
		if err := row.Scan(&stats.Stale); err != nil {
			return nil, &CacheError{Op: "stats", Err: err}
		}
	}

	if c.path != ":memory:" {
		if fi, err := os.Stat(c.path); err == nil {
			stats.SizeBytes = fi.Size()
		}
	}

	return stats, nil
}

// Clear deletes every entry. Compaction is left to the caller so small
// caches are not rewritten needlessly.
func (c *SQLiteCache) Clear(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM results`)
	if err != nil {
		return 0, &CacheError{Op: "clear", Err: err}
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, &CacheError{Op: "clear", Err: err}
	}

	c.mu.Lock()
	c.deletes += deleted
	c.mu.Unlock()

	return deleted, nil
}

// Compact reclaims disk space, but only when the file exceeds the size
// threshold or enough rows have been deleted since the last
// compaction. Returns whether a VACUUM actually ran.
func (c *SQLiteCache) Compact(ctx context.Context) (bool, error) {
	c.mu.Lock()
	deletes := c.deletes
	c.mu.Unlock()

	var size int64
	if c.path != ":memory:" {
		if fi, err := os.Stat(c.path); err == nil {
			size = fi.Size()
		}
	}

	if size < c.opts.CompactMinBytes && deletes < c.opts.CompactMinDeletes {
		return false, nil
	}

	if _, err := c.db.ExecContext(ctx, `VACUUM`); err != nil {
		return false, &CacheError{Op: "compact", Err: err}
	}

	c.mu.Lock()
	c.deletes = 0
	c.mu.Unlock()

	return true, nil
}

// Close closes the underlying database connection.
func (c *SQLiteCache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// --------------------------------------------------------------------------
// Batch
// --------------------------------------------------------------------------

// Batch is the session-scoped write mode: Save buffers entries in
// memory and Commit writes them atomically in one transaction.
// Concurrent workers never write directly; the orchestrator opens one
// batch after all workers have joined.
type Batch struct {
	cache   *SQLiteCache
	entries []*Entry
	done    bool
}

// Save buffers an entry for the next Commit. Saving on a committed or
// aborted batch is an error; the entry would never be written.
func (b *Batch) Save(e *Entry) error {
	if b.done {
		return &CacheError{Op: "save", Err: fmt.Errorf("batch already closed")}
	}
	b.entries = append(b.entries, e)
	return nil
}

// Len returns the number of buffered entries.
func (b *Batch) Len() int {
	return len(b.entries)
}

// Commit writes all buffered entries in a single transaction. Any
// failure rolls the whole batch back, releases the write handle, and
// surfaces a typed cache error: all or nothing.
func (b *Batch) Commit(ctx context.Context) error {
	if b.done {
		return &CacheError{Op: "commit-batch", Err: fmt.Errorf("batch already closed")}
	}
	b.done = true
	defer b.cache.releaseBatch()

	if len(b.entries) == 0 {
		return nil
	}

	tx, err := b.cache.db.BeginTx(ctx, nil)
	if err != nil {
		return &CacheError{Op: "commit-batch", Err: err}
	}

	query := `
		INSERT INTO results (id, version, payload, risk_level, score, vuln_count, critical_count, high_count, scanned_at, schema_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, version) DO UPDATE SET
			payload        = excluded.payload,
			risk_level     = excluded.risk_level,
			score          = excluded.score,
			vuln_count     = excluded.vuln_count,
			critical_count = excluded.critical_count,
			high_count     = excluded.high_count,
			scanned_at     = excluded.scanned_at,
			schema_version = excluded.schema_version
	`

	for _, e := range b.entries {
		if !ValidID(e.ID) || !versionPattern.MatchString(e.Version) {
			tx.Rollback()
			return &CacheError{Op: "commit-batch", Err: fmt.Errorf("invalid entry key %q", e.ID+"@"+e.Version)}
		}
		if len(e.Payload) == 0 {
			tx.Rollback()
			return &CacheError{Op: "commit-batch", Err: fmt.Errorf("entry %s has empty payload", e.Key())}
		}

		scannedAt := e.ScannedAt
		if scannedAt.IsZero() {
			scannedAt = time.Now().UTC()
		}

		_, err := tx.ExecContext(ctx, query,
			e.ID,
			e.Version,
			string(e.Payload),
			e.RiskLevel,
			e.Score,
			e.VulnCount,
			e.CriticalCount,
			e.HighCount,
			scannedAt.UTC().Format(time.RFC3339),
			SchemaVersion,
		)
		if err != nil {
			tx.Rollback()
			return &CacheError{Op: "commit-batch", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &CacheError{Op: "commit-batch", Err: err}
	}
	return nil
}

// Abort discards buffered entries and releases the write handle. Safe
// to call after Commit; it becomes a no-op.
func (b *Batch) Abort() {
	if b.done {
		return
	}
	b.done = true
	b.entries = nil
	b.cache.releaseBatch()
}
