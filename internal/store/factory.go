package store

import (
	"context"
	"path/filepath"
	"strings"
)

// NewStore creates a postgres-backed store when DATABASE_URL is configured,
// a sqlite store under dataDir when given, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL, dataDir string) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	if strings.TrimSpace(dataDir) != "" {
		return OpenSQLite(filepath.Join(dataDir, "encore.db"))
	}
	return NewMemoryStore(), nil
}
