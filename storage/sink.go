// Package storage persists run artifacts.
//
// A Sink stores a blob and returns a reference to it. ArtifactStore pairs a
// sink with the artifact ledger so that an artifact row only exists for a
// blob that was durably stored.
package storage

import (
	"context"
)

// Sink stores blobs. Upload returns only after the blob is durable.
// The returned reference is stable; Resolve turns it into a link a client
// can fetch right now.
type Sink interface {
	Upload(ctx context.Context, data []byte, filename, contentType string) (string, error)
	Resolve(ctx context.Context, ref string) (string, error)
}
