package sqlitestore

import "fmt"

type migration struct {
	Version     int
	Description string
	SQL         string
}

// Timestamps are unix nanoseconds. evidence_refs is a JSON array.
var migrations = []migration{
	{
		Version:     1,
		Description: "evidence: imported records and their signals",
		SQL: `
CREATE TABLE evidence (
    id           TEXT PRIMARY KEY,
    source       TEXT NOT NULL DEFAULT '',
    occurred_at  INTEGER NOT NULL,
    content      TEXT NOT NULL DEFAULT '',
    person_id    TEXT NOT NULL DEFAULT '',
    person_name  TEXT NOT NULL DEFAULT '',
    context_id   TEXT NOT NULL DEFAULT '',
    context_name TEXT NOT NULL DEFAULT ''
);

CREATE INDEX idx_evidence_occurred ON evidence(occurred_at, id);

CREATE TABLE evidence_signals (
    evidence_id TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    kind        TEXT NOT NULL,
    confidence  REAL NOT NULL,
    rationale   TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (evidence_id, seq),
    FOREIGN KEY (evidence_id) REFERENCES evidence(id) ON DELETE CASCADE
);
`,
	},
	{
		Version:     2,
		Description: "insights: aggregated recommendations",
		SQL: `
CREATE TABLE insights (
    id            TEXT PRIMARY KEY,
    person_ref    TEXT NOT NULL DEFAULT '',
    context_ref   TEXT NOT NULL DEFAULT '',
    kind          TEXT NOT NULL,
    message       TEXT NOT NULL,
    confidence    REAL NOT NULL,
    evidence_refs TEXT NOT NULL CHECK (json_array_length(evidence_refs) > 0),
    created_at    INTEGER NOT NULL,
    dismissed_at  INTEGER
);

CREATE INDEX idx_insights_group_key ON insights(person_ref, context_ref, kind);
CREATE INDEX idx_insights_created   ON insights(created_at, id);
`,
	},
	{
		Version:     3,
		Description: "insights: one row per group key",
		SQL: `
DROP INDEX idx_insights_group_key;
CREATE UNIQUE INDEX idx_insights_group_key ON insights(person_ref, context_ref, kind);
`,
	},
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback() //nolint:errcheck // original error wins
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback() //nolint:errcheck // original error wins
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the current schema version.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
