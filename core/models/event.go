package models

import "time"

// RunEvent represents a state transition event for a run
type RunEvent struct {
	ID         int64
	RunID      string
	At         time.Time
	FromStatus *RunStatus
	ToStatus   RunStatus
	Reason     string
}

// ArtifactType represents the type of run artifact
type ArtifactType string

const (
	ArtifactTypeScreenshot ArtifactType = "screenshot"
	ArtifactTypeHAR        ArtifactType = "har"
	ArtifactTypeLog        ArtifactType = "log"
)

// Artifact is a stored blob produced by a run
type Artifact struct {
	ID        string
	RunID     string
	Type      ArtifactType
	Path      string
	Size      int64
	CreatedAt time.Time
}
