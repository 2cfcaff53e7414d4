package store

import (
	"database/sql"
	"fmt"

	"github.com/vibeship/eidos/internal/eidos/model"
)

// migrateDistillationsFTS creates the FTS5 virtual table and sync triggers
// for full-text search over distillations. Structural retrieval is the
// primary lookup path; SearchDistillationsByText is a fallback for when
// type/trigger matching leaves result slots free.
func migrateDistillationsFTS(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS distillations_fts USING fts5(
			statement, domains, triggers,
			content='distillations',
			content_rowid='rowid'
		)
	`); err != nil {
		return fmt.Errorf("create distillations_fts virtual table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TRIGGER IF NOT EXISTS distillations_ai AFTER INSERT ON distillations BEGIN
			INSERT INTO distillations_fts(rowid, statement, domains, triggers)
			VALUES (new.rowid, new.statement, new.domains, new.triggers);
		END
	`); err != nil {
		return fmt.Errorf("create distillations_ai trigger: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TRIGGER IF NOT EXISTS distillations_ad AFTER DELETE ON distillations BEGIN
			INSERT INTO distillations_fts(distillations_fts, rowid, statement, domains, triggers)
			VALUES ('delete', old.rowid, old.statement, old.domains, old.triggers);
		END
	`); err != nil {
		return fmt.Errorf("create distillations_ad trigger: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TRIGGER IF NOT EXISTS distillations_au AFTER UPDATE ON distillations BEGIN
			INSERT INTO distillations_fts(distillations_fts, rowid, statement, domains, triggers)
			VALUES ('delete', old.rowid, old.statement, old.domains, old.triggers);
			INSERT INTO distillations_fts(rowid, statement, domains, triggers)
			VALUES (new.rowid, new.statement, new.domains, new.triggers);
		END
	`); err != nil {
		return fmt.Errorf("create distillations_au trigger: %w", err)
	}

	return nil
}

// SearchDistillationsByText performs FTS5 full-text search, ranked by BM25.
// Used only when structural retrieval returns fewer than the result cap.
func (s *Store) SearchDistillationsByText(query string, limit int) ([]*model.Distillation, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(selectDistillationColumnsAliased+`
		FROM distillations d
		JOIN distillations_fts f ON d.rowid = f.rowid
		WHERE distillations_fts MATCH ? AND d.archived = 0
		ORDER BY bm25(distillations_fts)
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: search distillations: %w", err)
	}
	defer rows.Close()
	return scanDistillationRows(rows)
}
