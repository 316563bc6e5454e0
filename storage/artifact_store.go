package storage

import (
	"context"
	"path"

	"github.com/cockroachdb/errors"

	"github.com/dondendo89/qa-playwright/core/models"
)

// ArtifactRecorder is the ledger side of artifact storage
type ArtifactRecorder interface {
	CreateArtifact(ctx context.Context, runID string, artifactType models.ArtifactType, path string, size int64) (*models.Artifact, error)
}

// ArtifactStore uploads run artifacts and records them
type ArtifactStore struct {
	sink     Sink
	recorder ArtifactRecorder
}

// NewArtifactStore creates a new artifact store
func NewArtifactStore(sink Sink, recorder ArtifactRecorder) *ArtifactStore {
	return &ArtifactStore{sink: sink, recorder: recorder}
}

// Save uploads data as runs/<runID>/<name> and records the artifact. Nothing
// is recorded when the upload fails.
func (as *ArtifactStore) Save(
	ctx context.Context,
	runID string,
	artifactType models.ArtifactType,
	name string,
	data []byte,
	contentType string,
) (*models.Artifact, error) {
	if len(data) == 0 {
		return nil, errors.Newf("empty %s artifact", artifactType)
	}

	filename := path.Join("runs", runID, name)
	ref, err := as.sink.Upload(ctx, data, filename, contentType)
	if err != nil {
		return nil, errors.Wrapf(err, "upload %s", filename)
	}

	artifact, err := as.recorder.CreateArtifact(ctx, runID, artifactType, ref, int64(len(data)))
	if err != nil {
		return nil, errors.Wrapf(err, "record %s", filename)
	}
	return artifact, nil
}
