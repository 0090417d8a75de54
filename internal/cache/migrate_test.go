package cache

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

// createV1Database builds a database in the v1 layout: a results table
// without summary columns and no cache_meta table.
func createV1Database(t *testing.T, path string, rows int) {
	t.Helper()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open v1 db: %v", err)
	}
	defer db.Close()

	_, err = db.Exec(`
		CREATE TABLE results (
			id         TEXT NOT NULL,
			version    TEXT NOT NULL,
			payload    TEXT NOT NULL,
			scanned_at TEXT NOT NULL,
			PRIMARY KEY (id, version)
		)
	`)
	if err != nil {
		t.Fatalf("create v1 table: %v", err)
	}

	scannedAt := time.Now().UTC().Format(time.RFC3339)
	for i := 0; i < rows; i++ {
		risk := "low"
		findings := `[]`
		if i%3 == 0 {
			risk = "high"
			findings = `[{"severity":"high"},{"severity":"critical"}]`
		}
		payload := fmt.Sprintf(`{"risk_level":%q,"score":%d,"findings":%s}`, risk, i, findings)
		_, err := db.Exec(
			`INSERT INTO results (id, version, payload, scanned_at) VALUES (?, ?, ?, ?)`,
			fmt.Sprintf("pub.ext%d", i), "1.0", payload, scannedAt,
		)
		if err != nil {
			t.Fatalf("insert v1 row %d: %v", i, err)
		}
	}
}

func TestMigrateV1toV2Backfill(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v1.db")

	// More rows than one migration batch, so the batched backfill is
	// exercised across multiple passes.
	const rows = migrationBatchSize*2 + 7
	createV1Database(t, path, rows)

	c, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open (migrating): %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	stats, err := c.Stats(ctx, 0)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != rows {
		t.Fatalf("Total = %d after migration, want %d", stats.Total, rows)
	}

	// Summary columns must be backfilled from payloads.
	wantHigh := int64(0)
	for i := 0; i < rows; i++ {
		if i%3 == 0 {
			wantHigh++
		}
	}
	if stats.ByRisk["high"] != wantHigh {
		t.Errorf("ByRisk[high] = %d, want %d", stats.ByRisk["high"], wantHigh)
	}
	if stats.ByRisk["low"] != int64(rows)-wantHigh {
		t.Errorf("ByRisk[low] = %d, want %d", stats.ByRisk["low"], int64(rows)-wantHigh)
	}

	// Spot-check a backfilled entry.
	got, err := c.Lookup(ctx, "pub.ext0", "1.0", 0)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got == nil {
		t.Fatal("migrated entry missing")
	}
	if got.RiskLevel != "high" || got.VulnCount != 2 || got.CriticalCount != 1 || got.HighCount != 1 {
		t.Errorf("backfilled summary = %+v, want high/2/1/1", got)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	saveEntries(t, c, testEntry("pub.ext", "1.0"))

	// Running Migrate again must not disturb existing data.
	if err := c.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if err := c.Migrate(ctx); err != nil {
		t.Fatalf("third Migrate: %v", err)
	}

	got, err := c.Lookup(ctx, "pub.ext", "1.0", time.Hour)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got == nil {
		t.Fatal("entry lost after repeated migrations")
	}

	v, err := c.schemaVersion(ctx)
	if err != nil {
		t.Fatalf("schemaVersion: %v", err)
	}
	if v != SchemaVersion {
		t.Errorf("schema version = %d, want %d", v, SchemaVersion)
	}
}

func TestMigrateRejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = db.Exec(`CREATE TABLE cache_meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`)
	if err != nil {
		t.Fatalf("create meta: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO cache_meta (key, value) VALUES ('schema_version', '99')`); err != nil {
		t.Fatalf("insert version: %v", err)
	}
	db.Close()

	if _, err := Open(path, Options{}); err == nil {
		t.Fatal("Open should reject a schema version newer than supported")
	}
}
