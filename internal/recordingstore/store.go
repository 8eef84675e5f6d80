// Package recordingstore persists finished recording artifacts to Postgres
// so the proctoring dashboard can list them without replaying the event
// ledger submitted to the Asset Hub.
package recordingstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/proctorsfu/core/internal/sfu"
)

// Repository writes recording_artifacts rows.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgx pool for artifact persistence.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Save implements recorder.ArtifactStore.
func (r *Repository) Save(ctx context.Context, roomID string, result sfu.RecordingResult) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO recording_artifacts (room_id, peer_id, file_path, cid, gateway_url) VALUES ($1, $2, $3, $4, $5)`,
		roomID, result.PeerID, result.FilePath, nullIfEmpty(result.CID), nullIfEmpty(result.GatewayURL),
	)
	if err != nil {
		return fmt.Errorf("recordingstore: insert artifact: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
