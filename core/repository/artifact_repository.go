package repository

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/dondendo89/qa-playwright/core/models"
)

// ArtifactRepository handles database operations for run artifacts
type ArtifactRepository struct {
	db *DB
}

// NewArtifactRepository creates a new artifact repository
func NewArtifactRepository(db *DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

// CreateArtifact records a blob that was already uploaded to path
func (r *ArtifactRepository) CreateArtifact(ctx context.Context, runID string, artifactType models.ArtifactType, path string, size int64) (*models.Artifact, error) {
	query := `
		INSERT INTO artifacts (id, run_id, type, path, size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	artifact := &models.Artifact{
		ID:        uuid.New().String(),
		RunID:     runID,
		Type:      artifactType,
		Path:      path,
		Size:      size,
		CreatedAt: time.Now().UTC(),
	}

	_, err := r.db.ExecContext(ctx, query,
		artifact.ID,
		artifact.RunID,
		artifact.Type,
		artifact.Path,
		artifact.Size,
		artifact.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s artifact for run %s", artifactType, runID)
	}
	return artifact, nil
}

// ListRunArtifacts retrieves artifacts for a run
func (r *ArtifactRepository) ListRunArtifacts(ctx context.Context, runID string) ([]*models.Artifact, error) {
	query := `
		SELECT id, run_id, type, path, size, created_at
		FROM artifacts
		WHERE run_id = $1
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "query artifacts of run %s", runID)
	}
	defer rows.Close()

	var artifacts []*models.Artifact
	for rows.Next() {
		var artifact models.Artifact
		err := rows.Scan(
			&artifact.ID,
			&artifact.RunID,
			&artifact.Type,
			&artifact.Path,
			&artifact.Size,
			&artifact.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "scan artifact")
		}
		artifacts = append(artifacts, &artifact)
	}
	return artifacts, errors.Wrap(rows.Err(), "iterate artifacts")
}
