package repository

// Ledger groups the repositories that make up the run ledger
type Ledger struct {
	*ScenarioRepository
	*RunRepository
	*ArtifactRepository
	*NotificationRepository
}

// NewLedger builds every repository on top of db
func NewLedger(db *DB) *Ledger {
	return &Ledger{
		ScenarioRepository:     NewScenarioRepository(db),
		RunRepository:          NewRunRepository(db),
		ArtifactRepository:     NewArtifactRepository(db),
		NotificationRepository: NewNotificationRepository(db),
	}
}
