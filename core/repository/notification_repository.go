package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/dondendo89/qa-playwright/core/models"
)

// NotificationRepository tracks alert delivery attempts
type NotificationRepository struct {
	db *DB
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db *DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// FindSentNotifications returns the notifications of a run that were delivered
func (r *NotificationRepository) FindSentNotifications(ctx context.Context, runID string) ([]*models.Notification, error) {
	query := `
		SELECT id, run_id, type, status, sent_at, error, created_at, updated_at
		FROM notifications
		WHERE run_id = $1 AND status = $2
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, runID, models.NotificationStatusSent)
	if err != nil {
		return nil, errors.Wrapf(err, "query notifications of run %s", runID)
	}
	defer rows.Close()

	var notifications []*models.Notification
	for rows.Next() {
		var n models.Notification
		var sentAt sql.NullTime
		var errMsg sql.NullString
		err := rows.Scan(
			&n.ID,
			&n.RunID,
			&n.Type,
			&n.Status,
			&sentAt,
			&errMsg,
			&n.CreatedAt,
			&n.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "scan notification")
		}
		n.SentAt = nullTime(sentAt)
		n.Error = nullString(errMsg)
		notifications = append(notifications, &n)
	}
	return notifications, errors.Wrap(rows.Err(), "iterate notifications")
}

// CreateNotification inserts a pending delivery attempt
func (r *NotificationRepository) CreateNotification(ctx context.Context, runID string, notificationType models.NotificationType) (*models.Notification, error) {
	query := `
		INSERT INTO notifications (id, run_id, type, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	now := time.Now().UTC()
	n := &models.Notification{
		ID:        uuid.New().String(),
		RunID:     runID,
		Type:      notificationType,
		Status:    models.NotificationStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := r.db.ExecContext(ctx, query, n.ID, n.RunID, n.Type, n.Status, now, now); err != nil {
		return nil, errors.Wrapf(err, "create %s notification for run %s", notificationType, runID)
	}
	return n, nil
}

// UpdateNotification records the outcome of a delivery attempt
func (r *NotificationRepository) UpdateNotification(ctx context.Context, id string, patch models.NotificationPatch) error {
	query := `
		UPDATE notifications
		SET status = $1, sent_at = $2, error = $3, updated_at = $4
		WHERE id = $5
	`

	res, err := r.db.ExecContext(ctx, query, patch.Status, patch.SentAt, patch.Error, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "update notification %s", id)
	}
	return expectOneRow(res, errors.Wrapf(ErrNotFound, "notification %s", id))
}
