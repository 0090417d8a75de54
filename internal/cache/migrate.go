package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
)

// migrationBatchSize bounds how many rows a backfill migration rewrites
// per transaction, so migrating a large cache never loads the whole
// table into memory.
const migrationBatchSize = 100

// Migrate brings the on-disk schema forward to SchemaVersion. It is
// idempotent and runs once at open. Migrations are forward-only.
func (c *SQLiteCache) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS cache_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return &CacheError{Op: "migrate", Err: err}
	}

	current, err := c.schemaVersion(ctx)
	if err != nil {
		return err
	}

	switch {
	case current == 0:
		// Fresh database: create the current schema directly.
		if err := c.createSchema(ctx); err != nil {
			return err
		}
	case current == 1:
		if err := c.migrateV1toV2(ctx); err != nil {
			return err
		}
	case current > SchemaVersion:
		return &CacheError{Op: "migrate", Err: fmt.Errorf("cache schema version %d is newer than supported %d", current, SchemaVersion)}
	}

	return c.setSchemaVersion(ctx, SchemaVersion)
}

// schemaVersion reads the stored schema version. 0 means a fresh
// database. A results table without a meta record is treated as v1,
// the last release before the metadata table existed.
func (c *SQLiteCache) schemaVersion(ctx context.Context) (int, error) {
	var value string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM cache_meta WHERE key = 'schema_version'`).Scan(&value)
	if err == nil {
		v, convErr := strconv.Atoi(value)
		if convErr != nil {
			return 0, &CacheError{Op: "migrate", Err: fmt.Errorf("malformed schema version %q: %w", value, convErr)}
		}
		return v, nil
	}
	if err != sql.ErrNoRows {
		return 0, &CacheError{Op: "migrate", Err: err}
	}

	var name string
	err = c.db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'results'`).Scan(&name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, &CacheError{Op: "migrate", Err: err}
	}
	return 1, nil
}

func (c *SQLiteCache) setSchemaVersion(ctx context.Context, v int) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cache_meta (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, strconv.Itoa(v))
	if err != nil {
		return &CacheError{Op: "migrate", Err: err}
	}
	return nil
}

// createSchema creates the current schema from scratch.
func (c *SQLiteCache) createSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS results (
			id             TEXT NOT NULL,
			version        TEXT NOT NULL,
			payload        TEXT NOT NULL,
			risk_level     TEXT NOT NULL DEFAULT '',
			score          REAL NOT NULL DEFAULT 0,
			vuln_count     INTEGER NOT NULL DEFAULT 0,
			critical_count INTEGER NOT NULL DEFAULT 0,
			high_count     INTEGER NOT NULL DEFAULT 0,
			scanned_at     TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			PRIMARY KEY (id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_risk ON results(risk_level)`,
		`CREATE INDEX IF NOT EXISTS idx_results_scanned_at ON results(scanned_at)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return &CacheError{Op: "migrate", Err: err}
		}
	}
	return nil
}

// v1Payload is the subset of the v1 payload needed to backfill the
// summary columns added in v2.
type v1Payload struct {
	RiskLevel string  `json:"risk_level"`
	Score     float64 `json:"score"`
	Findings  []struct {
		Severity string `json:"severity"`
	} `json:"findings"`
}

// migrateV1toV2 adds the indexed summary columns and backfills them
// from stored payloads in small batches.
func (c *SQLiteCache) migrateV1toV2(ctx context.Context) error {
	alters := []string{
		`ALTER TABLE results ADD COLUMN risk_level TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE results ADD COLUMN score REAL NOT NULL DEFAULT 0`,
		`ALTER TABLE results ADD COLUMN vuln_count INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE results ADD COLUMN critical_count INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE results ADD COLUMN high_count INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE results ADD COLUMN schema_version INTEGER NOT NULL DEFAULT 1`,
		`CREATE INDEX IF NOT EXISTS idx_results_risk ON results(risk_level)`,
		`CREATE INDEX IF NOT EXISTS idx_results_scanned_at ON results(scanned_at)`,
	}
	for _, stmt := range alters {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return &CacheError{Op: "migrate", Err: err}
		}
	}

	// Backfill summary columns batch by batch, keyed by rowid so each
	// pass picks up where the previous one left off.
	lastRowID := int64(0)
	for {
		type row struct {
			rowid   int64
			payload string
		}

		rows, err := c.db.QueryContext(ctx, `
			SELECT rowid, payload FROM results
			WHERE rowid > ? AND schema_version < 2
			ORDER BY rowid
			LIMIT ?
		`, lastRowID, migrationBatchSize)
		if err != nil {
			return &CacheError{Op: "migrate", Err: err}
		}

		var batch []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.rowid, &r.payload); err != nil {
				rows.Close()
				return &CacheError{Op: "migrate", Err: err}
			}
			batch = append(batch, r)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return &CacheError{Op: "migrate", Err: err}
		}
		rows.Close()

		if len(batch) == 0 {
			return nil
		}

		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return &CacheError{Op: "migrate", Err: err}
		}

		for _, r := range batch {
			var p v1Payload
			if err := json.Unmarshal([]byte(r.payload), &p); err != nil {
				tx.Rollback()
				return &CacheError{Op: "migrate", Err: fmt.Errorf("backfill rowid %d: %w", r.rowid, err)}
			}

			critical, high := 0, 0
			for _, f := range p.Findings {
				switch f.Severity {
				case "critical":
					critical++
				case "high":
					high++
				}
			}

			_, err := tx.ExecContext(ctx, `
				UPDATE results
				SET risk_level = ?, score = ?, vuln_count = ?, critical_count = ?, high_count = ?, schema_version = 2
				WHERE rowid = ?
			`, p.RiskLevel, p.Score, len(p.Findings), critical, high, r.rowid)
			if err != nil {
				tx.Rollback()
				return &CacheError{Op: "migrate", Err: err}
			}

			lastRowID = r.rowid
		}

		if err := tx.Commit(); err != nil {
			return &CacheError{Op: "migrate", Err: err}
		}
	}
}
