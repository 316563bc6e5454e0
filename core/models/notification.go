package models

import "time"

// NotificationType is the delivery channel of an alert
type NotificationType string

const (
	NotificationTypeEmail NotificationType = "email"
	NotificationTypeSlack NotificationType = "slack"
)

// NotificationStatus tracks one delivery attempt
type NotificationStatus string

const (
	NotificationStatusPending NotificationStatus = "pending"
	NotificationStatusSent    NotificationStatus = "sent"
	NotificationStatusFailed  NotificationStatus = "failed"
)

// Notification is an alert delivery attempt tied to a failed run.
// At most one sent notification of each type exists per run.
type Notification struct {
	ID        string
	RunID     string
	Type      NotificationType
	Status    NotificationStatus
	SentAt    *time.Time
	Error     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NotificationPatch is a partial update of a notification
type NotificationPatch struct {
	Status NotificationStatus
	SentAt *time.Time
	Error  *string
}
