package store

import (
	"bytes"
	"context"
	"errors"
)

var ErrRecordNotFound = errors.New("store: record not found")

// Store is a durable key-value view of sessions keyed by session id.
// Persist overwrites; reads return what is on disk even when the integrity
// check fails, leaving trust decisions to the caller.
type Store interface {
	Persist(ctx context.Context, rec Record, signature []byte) error
	Load(ctx context.Context, sessionID string) (Record, *Seal, error)
	Unsettled(ctx context.Context, userID string) ([]Record, error)
	VerifyIntegrity(ctx context.Context, sessionID string) (bool, error)
	Close() error
}

// verifyAgainstSeal recomputes the record hash and compares it with the
// seal written at persist time.
func verifyAgainstSeal(rec Record, seal *Seal) (bool, error) {
	if seal == nil {
		return false, nil
	}
	hash, err := hashRecord(rec)
	if err != nil {
		return false, err
	}
	return bytes.Equal(hash, seal.DataHash), nil
}
