package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id      TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    song_id         TEXT NOT NULL,
    song_title      TEXT NOT NULL,
    artist_name     TEXT NOT NULL,
    status          TEXT NOT NULL,
    started_at_ms   INTEGER NOT NULL,
    ended_at_ms     INTEGER,
    lines           TEXT NOT NULL,
    total_score     INTEGER NOT NULL,
    credits_used    INTEGER NOT NULL,
    settled         INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, settled, started_at_ms);

CREATE TABLE IF NOT EXISTS session_seals (
    session_id      TEXT PRIMARY KEY REFERENCES sessions(session_id),
    signature       BLOB,
    timestamp_ms    INTEGER NOT NULL,
    data_hash       BLOB NOT NULL
);
`

// SQLiteStore is the default local durable store.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Persist(ctx context.Context, rec Record, signature []byte) error {
	seal, err := newSeal(rec, signature)
	if err != nil {
		return err
	}
	lines, err := json.Marshal(rec.Lines)
	if err != nil {
		return fmt.Errorf("marshal lines: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(session_id, user_id, song_id, song_title, artist_name, status,
			 started_at_ms, ended_at_ms, lines, total_score, credits_used, settled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.UserID, rec.SongID, rec.SongTitle, rec.ArtistName, rec.Status,
		rec.StartedAtMS, nullableMS(rec.EndedAtMS), string(lines), rec.TotalScore, rec.CreditsUsed, rec.Settled,
	)
	if err != nil {
		return fmt.Errorf("persist session: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO session_seals (session_id, signature, timestamp_ms, data_hash)
		VALUES (?, ?, ?, ?)`,
		seal.SessionID, seal.Signature, seal.TimestampMS, seal.DataHash,
	)
	if err != nil {
		return fmt.Errorf("persist seal: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (Record, *Seal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT s.session_id, s.user_id, s.song_id, s.song_title, s.artist_name, s.status,
		       s.started_at_ms, s.ended_at_ms, s.lines, s.total_score, s.credits_used, s.settled,
		       l.signature, l.timestamp_ms, l.data_hash
		FROM sessions s
		LEFT JOIN session_seals l ON l.session_id = s.session_id
		WHERE s.session_id = ?`, sessionID)

	var rec Record
	var endedAt sql.NullInt64
	var lines string
	var sig []byte
	var sealTS sql.NullInt64
	var dataHash []byte
	err := row.Scan(&rec.SessionID, &rec.UserID, &rec.SongID, &rec.SongTitle, &rec.ArtistName, &rec.Status,
		&rec.StartedAtMS, &endedAt, &lines, &rec.TotalScore, &rec.CreditsUsed, &rec.Settled,
		&sig, &sealTS, &dataHash)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, nil, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, nil, fmt.Errorf("load session: %w", err)
	}
	if endedAt.Valid {
		rec.EndedAtMS = endedAt.Int64
	}
	if err := json.Unmarshal([]byte(lines), &rec.Lines); err != nil {
		return Record{}, nil, fmt.Errorf("unmarshal lines: %w", err)
	}

	if !sealTS.Valid {
		return rec, nil, nil
	}
	return rec, &Seal{
		SessionID:   rec.SessionID,
		Signature:   sig,
		TimestampMS: sealTS.Int64,
		DataHash:    dataHash,
	}, nil
}

func (s *SQLiteStore) Unsettled(ctx context.Context, userID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id FROM sessions
		WHERE user_id = ? AND settled = 0
		ORDER BY started_at_ms`, userID)
	if err != nil {
		return nil, fmt.Errorf("query unsettled: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan unsettled row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, _, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SQLiteStore) VerifyIntegrity(ctx context.Context, sessionID string) (bool, error) {
	rec, seal, err := s.Load(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return verifyAgainstSeal(rec, seal)
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullableMS(ms int64) any {
	if ms == 0 {
		return nil
	}
	return ms
}
