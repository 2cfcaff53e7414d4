package store

import (
	"bytes"
	"compress/zlib"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vibeship/eidos/internal/eidos/model"
)

// compressThresholdBytes is the content size above which Save compresses
// before writing, matching evidence_store.py's default compress_threshold.
const compressThresholdBytes = 10000

// EvidenceStore is the ephemeral, auto-expiring sibling of the canonical
// store. Tool output, diffs, and logs live here under a per-kind TTL; they
// are never promoted into the canonical store directly, only summarized
// into a Step's lesson or a Distillation's statement.
type EvidenceStore struct {
	db *sql.DB
}

const evidenceSchema = `
CREATE TABLE IF NOT EXISTS evidence (
	evidence_id TEXT PRIMARY KEY,
	step_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	tool_name TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	byte_size INTEGER NOT NULL DEFAULT 0,
	compressed INTEGER NOT NULL DEFAULT 0,
	exit_code INTEGER,
	duration_ms INTEGER,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	expires_at DATETIME,
	retention_reason TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_evidence_step ON evidence(step_id);
CREATE INDEX IF NOT EXISTS idx_evidence_expires ON evidence(expires_at);
CREATE INDEX IF NOT EXISTS idx_evidence_kind ON evidence(kind);
`

// OpenEvidenceStore creates or opens the evidence database at dbPath.
func OpenEvidenceStore(dbPath string) (*EvidenceStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("evidence store: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(evidenceSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("evidence store: create schema: %w", err)
	}
	return &EvidenceStore{db: db}, nil
}

func (s *EvidenceStore) Close() error {
	return s.db.Close()
}

// Save persists an evidence artifact, deriving content_hash, byte_size, and
// expires_at from RetentionPolicy if not already set.
func (s *EvidenceStore) Save(e *model.Evidence) error {
	if e.ContentHash == "" {
		sum := sha256.Sum256([]byte(e.Content))
		e.ContentHash = hex.EncodeToString(sum[:])
	}
	if e.ByteSize == 0 {
		e.ByteSize = len(e.Content)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.ExpiresAt == nil {
		if ttl, ok := model.RetentionPolicy[e.Kind]; ok && ttl > 0 {
			expires := e.CreatedAt.Add(ttl)
			e.ExpiresAt = &expires
		}
	}

	storedContent := e.Content
	storedSize := e.ByteSize
	compressed := e.Compressed
	if !compressed && storedSize > compressThresholdBytes {
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write([]byte(e.Content)); err == nil && w.Close() == nil {
			storedContent = hex.EncodeToString(buf.Bytes())
			storedSize = buf.Len()
			compressed = true
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO evidence (
			evidence_id, step_id, kind, tool_name, content, content_hash, byte_size,
			compressed, exit_code, duration_ms, created_at, expires_at, retention_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(evidence_id) DO UPDATE SET
			content=excluded.content,
			content_hash=excluded.content_hash,
			byte_size=excluded.byte_size,
			compressed=excluded.compressed,
			retention_reason=excluded.retention_reason
	`, e.EvidenceID, e.StepID, string(e.Kind), e.ToolName, storedContent, e.ContentHash,
		storedSize, boolToInt(compressed), e.ExitCode, e.DurationMS, e.CreatedAt,
		nullableTime(e.ExpiresAt), e.RetentionReason)
	if err != nil {
		return fmt.Errorf("evidence store: save: %w", err)
	}
	return nil
}

// Get fetches one evidence artifact by id, decompressing transparently.
func (s *EvidenceStore) Get(evidenceID string) (*model.Evidence, error) {
	rows, err := s.db.Query(`
		SELECT evidence_id, step_id, kind, tool_name, content, content_hash, byte_size,
		       compressed, exit_code, duration_ms, created_at, expires_at, retention_reason
		FROM evidence WHERE evidence_id = ? LIMIT 1
	`, evidenceID)
	if err != nil {
		return nil, fmt.Errorf("evidence store: get: %w", err)
	}
	defer rows.Close()
	out, err := scanEvidenceRows(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, sql.ErrNoRows
	}
	return out[0], nil
}

// GetByType returns the most recent evidence of a kind.
func (s *EvidenceStore) GetByType(kind model.EvidenceKind, limit int) ([]*model.Evidence, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT evidence_id, step_id, kind, tool_name, content, content_hash, byte_size,
		       compressed, exit_code, duration_ms, created_at, expires_at, retention_reason
		FROM evidence WHERE kind = ? ORDER BY created_at DESC LIMIT ?
	`, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("evidence store: get by type: %w", err)
	}
	defer rows.Close()
	return scanEvidenceRows(rows)
}

// FlagPermanent pins an evidence artifact: its TTL is removed and it is
// never purged again.
func (s *EvidenceStore) FlagPermanent(evidenceID, reason string) error {
	_, err := s.db.Exec(`
		UPDATE evidence SET expires_at = NULL, retention_reason = ? WHERE evidence_id = ?
	`, reason, evidenceID)
	if err != nil {
		return fmt.Errorf("evidence store: flag permanent: %w", err)
	}
	return nil
}

// ExtendRetention pushes an artifact's expiry out by the given duration.
// Already-permanent evidence is left alone.
func (s *EvidenceStore) ExtendRetention(evidenceID string, by time.Duration, reason string) error {
	e, err := s.Get(evidenceID)
	if err == sql.ErrNoRows || (err == nil && e.ExpiresAt == nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("evidence store: extend retention: %w", err)
	}
	_, err = s.db.Exec(`
		UPDATE evidence
		SET expires_at = ?, retention_reason = ?
		WHERE evidence_id = ? AND expires_at IS NOT NULL
	`, e.ExpiresAt.Add(by), reason, evidenceID)
	if err != nil {
		return fmt.Errorf("evidence store: extend retention: %w", err)
	}
	return nil
}

// GetByStep returns all evidence captured for a step.
func (s *EvidenceStore) GetByStep(stepID string) ([]*model.Evidence, error) {
	rows, err := s.db.Query(`
		SELECT evidence_id, step_id, kind, tool_name, content, content_hash, byte_size,
		       compressed, exit_code, duration_ms, created_at, expires_at, retention_reason
		FROM evidence WHERE step_id = ? ORDER BY created_at ASC
	`, stepID)
	if err != nil {
		return nil, fmt.Errorf("evidence store: get by step: %w", err)
	}
	defer rows.Close()
	return scanEvidenceRows(rows)
}

// PurgeExpired deletes evidence past its expires_at and returns how many
// rows were removed. Permanent evidence (expires_at IS NULL, e.g.
// user_flagged) is never purged.
func (s *EvidenceStore) PurgeExpired(asOf time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM evidence WHERE expires_at IS NOT NULL AND expires_at <= ?`, asOf)
	if err != nil {
		return 0, fmt.Errorf("evidence store: purge expired: %w", err)
	}
	return result.RowsAffected()
}

// CountByStep returns how many evidence artifacts exist for a step, used by
// watchers to detect steps taken without supporting evidence.
func (s *EvidenceStore) CountByStep(stepID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM evidence WHERE step_id = ?`, stepID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("evidence store: count by step: %w", err)
	}
	return count, nil
}

func scanEvidenceRows(rows *sql.Rows) ([]*model.Evidence, error) {
	var out []*model.Evidence
	for rows.Next() {
		var e model.Evidence
		var kind string
		var compressed int
		var expiresAt sql.NullTime

		if err := rows.Scan(&e.EvidenceID, &e.StepID, &kind, &e.ToolName, &e.Content,
			&e.ContentHash, &e.ByteSize, &compressed, &e.ExitCode, &e.DurationMS,
			&e.CreatedAt, &expiresAt, &e.RetentionReason); err != nil {
			return nil, fmt.Errorf("evidence store: scan: %w", err)
		}
		e.Kind = model.EvidenceKind(kind)
		e.Compressed = compressed != 0
		if e.Compressed && e.Content != "" {
			if decoded, decodeErr := decompressHex(e.Content); decodeErr == nil {
				e.Content = decoded
			}
			// Keep the hex blob as-is if decompression fails, mirroring
			// evidence_store.py's best-effort decode.
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			e.ExpiresAt = &t
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DetectEvidenceKind classifies a tool invocation's output into an evidence
// kind by tool name first, then content. Edit and Write are diffs by
// construction; anything mentioning an error or traceback is an error
// trace; everything else is plain tool output.
func DetectEvidenceKind(toolName, content string) model.EvidenceKind {
	tool := strings.ToLower(toolName)
	switch {
	case strings.Contains(tool, "test"):
		return model.EvidenceTestResult
	case strings.Contains(tool, "build"), strings.Contains(tool, "compile"):
		return model.EvidenceBuildLog
	case strings.Contains(tool, "deploy"):
		return model.EvidenceDeployArtifact
	case strings.Contains(tool, "security"), strings.Contains(tool, "auth"):
		return model.EvidenceSecurityEvent
	case toolName == "Edit", toolName == "Write":
		return model.EvidenceDiff
	}
	lower := strings.ToLower(content)
	if strings.Contains(lower, "error") || strings.Contains(lower, "traceback") {
		return model.EvidenceErrorTrace
	}
	return model.EvidenceToolOutput
}

func decompressHex(content string) (string, error) {
	raw, err := hex.DecodeString(content)
	if err != nil {
		return "", err
	}
	r, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
