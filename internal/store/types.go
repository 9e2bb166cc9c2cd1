// Package store persists session snapshots for crash and reload recovery.
// It is never the authority on settled status; the ledger is.
package store

import (
	"crypto/sha256"
	"time"

	"github.com/dmarchetti/encore/internal/session"
	"github.com/dmarchetti/encore/internal/settle"
)

// Record is a serialized session snapshot keyed by session id.
type Record struct {
	SessionID   string               `json:"session_id"`
	UserID      string               `json:"user_id"`
	SongID      string               `json:"song_id"`
	SongTitle   string               `json:"song_title"`
	ArtistName  string               `json:"artist_name"`
	Status      string               `json:"status"`
	StartedAtMS int64                `json:"started_at_ms"`
	EndedAtMS   int64                `json:"ended_at_ms,omitempty"`
	Lines       []session.LineResult `json:"lines"`
	TotalScore  int                  `json:"total_score"`
	CreditsUsed int64                `json:"credits_used"`
	Settled     bool                 `json:"settled"`
}

// Seal is the integrity record written alongside every snapshot.
type Seal struct {
	SessionID   string `json:"session_id"`
	Signature   []byte `json:"signature,omitempty"`
	TimestampMS int64  `json:"timestamp_ms"`
	DataHash    []byte `json:"data_hash"`
}

// Snapshot converts a session into its durable form.
func Snapshot(s *session.Session) Record {
	return Record{
		SessionID:   s.ID,
		UserID:      s.UserID,
		SongID:      s.SongID,
		SongTitle:   s.SongTitle,
		ArtistName:  s.ArtistName,
		Status:      string(s.Status),
		StartedAtMS: s.StartedAtMS,
		EndedAtMS:   s.EndedAtMS,
		Lines:       append([]session.LineResult(nil), s.Lines...),
		TotalScore:  s.TotalScore,
		CreditsUsed: s.CreditsUsed,
		Settled:     s.Settled,
	}
}

// hashRecord computes the integrity hash over the canonical encoding of the
// record at write time.
func hashRecord(rec Record) ([]byte, error) {
	canon, err := settle.CanonicalJSON(rec)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canon)
	return sum[:], nil
}

func newSeal(rec Record, signature []byte) (Seal, error) {
	hash, err := hashRecord(rec)
	if err != nil {
		return Seal{}, err
	}
	return Seal{
		SessionID:   rec.SessionID,
		Signature:   append([]byte(nil), signature...),
		TimestampMS: time.Now().UTC().UnixMilli(),
		DataHash:    hash,
	}, nil
}
