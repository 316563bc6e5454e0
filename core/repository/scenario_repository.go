package repository

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"

	"github.com/dondendo89/qa-playwright/core/models"
)

// ScenarioRepository reads scenarios. The worker never writes them.
type ScenarioRepository struct {
	db *DB
}

// NewScenarioRepository creates a new scenario repository
func NewScenarioRepository(db *DB) *ScenarioRepository {
	return &ScenarioRepository{db: db}
}

// FindActiveScenarios returns every active scenario with its target joined
func (r *ScenarioRepository) FindActiveScenarios(ctx context.Context) ([]*models.Scenario, error) {
	query := `
		SELECT s.id, s.project_id, s.target_id, s.name, s.code, s.schedule, s.active,
			s.created_at, s.updated_at, t.id, t.name, t.url
		FROM scenarios s
		JOIN targets t ON t.id = s.target_id
		WHERE s.active = TRUE
		ORDER BY s.id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "query active scenarios")
	}
	defer rows.Close()

	var scenarios []*models.Scenario
	for rows.Next() {
		var s models.Scenario
		var target models.Target
		err := rows.Scan(
			&s.ID,
			&s.ProjectID,
			&s.TargetID,
			&s.Name,
			&s.Code,
			&s.Schedule,
			&s.Active,
			&s.CreatedAt,
			&s.UpdatedAt,
			&target.ID,
			&target.Name,
			&target.URL,
		)
		if err != nil {
			return nil, errors.Wrap(err, "scan scenario")
		}
		s.Target = &target
		scenarios = append(scenarios, &s)
	}
	return scenarios, errors.Wrap(rows.Err(), "iterate scenarios")
}

// GetScenario loads a scenario with its target, project name and owner
func (r *ScenarioRepository) GetScenario(ctx context.Context, id string) (*models.Scenario, error) {
	query := `
		SELECT s.id, s.project_id, s.target_id, s.name, s.code, s.schedule, s.active,
			s.created_at, s.updated_at, t.id, t.name, t.url, p.name, u.id, u.email, u.name
		FROM scenarios s
		JOIN targets t ON t.id = s.target_id
		JOIN projects p ON p.id = s.project_id
		JOIN users u ON u.id = p.user_id
		WHERE s.id = $1
	`

	var s models.Scenario
	var target models.Target
	var owner models.User
	var ownerName sql.NullString

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&s.ID,
		&s.ProjectID,
		&s.TargetID,
		&s.Name,
		&s.Code,
		&s.Schedule,
		&s.Active,
		&s.CreatedAt,
		&s.UpdatedAt,
		&target.ID,
		&target.Name,
		&target.URL,
		&s.ProjectName,
		&owner.ID,
		&owner.Email,
		&ownerName,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "scenario %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get scenario %s", id)
	}

	if ownerName.Valid {
		owner.Name = ownerName.String
	}
	s.Target = &target
	s.Owner = &owner
	return &s, nil
}
