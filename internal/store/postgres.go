package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists session snapshots in PostgreSQL for deployments
// that want history off the local disk.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS karaoke_sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			song_id TEXT NOT NULL,
			song_title TEXT NOT NULL,
			artist_name TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at_ms BIGINT NOT NULL,
			ended_at_ms BIGINT,
			lines JSONB NOT NULL,
			total_score INT NOT NULL,
			credits_used BIGINT NOT NULL,
			settled BOOLEAN NOT NULL DEFAULT FALSE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_karaoke_sessions_user ON karaoke_sessions (user_id, settled, started_at_ms);`,
		`CREATE TABLE IF NOT EXISTS karaoke_session_seals (
			session_id TEXT PRIMARY KEY REFERENCES karaoke_sessions(session_id),
			signature BYTEA,
			timestamp_ms BIGINT NOT NULL,
			data_hash BYTEA NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Persist(ctx context.Context, rec Record, signature []byte) error {
	seal, err := newSeal(rec, signature)
	if err != nil {
		return err
	}
	lines, err := json.Marshal(rec.Lines)
	if err != nil {
		return fmt.Errorf("marshal lines: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var endedAt *int64
	if rec.EndedAtMS != 0 {
		endedAt = &rec.EndedAtMS
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO karaoke_sessions
			(session_id, user_id, song_id, song_title, artist_name, status,
			 started_at_ms, ended_at_ms, lines, total_score, credits_used, settled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (session_id) DO UPDATE SET
			status = EXCLUDED.status,
			ended_at_ms = EXCLUDED.ended_at_ms,
			lines = EXCLUDED.lines,
			total_score = EXCLUDED.total_score,
			credits_used = EXCLUDED.credits_used,
			settled = EXCLUDED.settled`,
		rec.SessionID, rec.UserID, rec.SongID, rec.SongTitle, rec.ArtistName, rec.Status,
		rec.StartedAtMS, endedAt, lines, rec.TotalScore, rec.CreditsUsed, rec.Settled,
	)
	if err != nil {
		return fmt.Errorf("persist session: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO karaoke_session_seals (session_id, signature, timestamp_ms, data_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE SET
			signature = EXCLUDED.signature,
			timestamp_ms = EXCLUDED.timestamp_ms,
			data_hash = EXCLUDED.data_hash`,
		seal.SessionID, seal.Signature, seal.TimestampMS, seal.DataHash,
	)
	if err != nil {
		return fmt.Errorf("persist seal: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) Load(ctx context.Context, sessionID string) (Record, *Seal, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT s.session_id, s.user_id, s.song_id, s.song_title, s.artist_name, s.status,
		       s.started_at_ms, s.ended_at_ms, s.lines, s.total_score, s.credits_used, s.settled,
		       l.signature, l.timestamp_ms, l.data_hash
		FROM karaoke_sessions s
		LEFT JOIN karaoke_session_seals l ON l.session_id = s.session_id
		WHERE s.session_id = $1`, sessionID)

	var rec Record
	var endedAt *int64
	var lines []byte
	var sig []byte
	var sealTS *int64
	var dataHash []byte
	err := row.Scan(&rec.SessionID, &rec.UserID, &rec.SongID, &rec.SongTitle, &rec.ArtistName, &rec.Status,
		&rec.StartedAtMS, &endedAt, &lines, &rec.TotalScore, &rec.CreditsUsed, &rec.Settled,
		&sig, &sealTS, &dataHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, nil, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, nil, fmt.Errorf("load session: %w", err)
	}
	if endedAt != nil {
		rec.EndedAtMS = *endedAt
	}
	if err := json.Unmarshal(lines, &rec.Lines); err != nil {
		return Record{}, nil, fmt.Errorf("unmarshal lines: %w", err)
	}

	if sealTS == nil {
		return rec, nil, nil
	}
	return rec, &Seal{
		SessionID:   rec.SessionID,
		Signature:   sig,
		TimestampMS: *sealTS,
		DataHash:    dataHash,
	}, nil
}

func (s *PostgresStore) Unsettled(ctx context.Context, userID string) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id FROM karaoke_sessions
		WHERE user_id = $1 AND settled = FALSE
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

func (s *PostgresStore) VerifyIntegrity(ctx context.Context, sessionID string) (bool, error) {
	rec, seal, err := s.Load(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return verifyAgainstSeal(rec, seal)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
