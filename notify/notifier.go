// Package notify alerts scenario owners about failed runs.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dondendo89/qa-playwright/core/models"
)

// Alert is what a channel needs to describe a failed run
type Alert struct {
	Run          *models.Run
	Scenario     *models.Scenario
	Owner        *models.User
	DashboardURL string
}

// Channel delivers alerts over one medium
type Channel interface {
	Type() models.NotificationType
	// Enabled reports whether the channel can deliver this alert at all
	Enabled(alert Alert) bool
	Send(ctx context.Context, alert Alert) error
}

// Ledger records delivery attempts
type Ledger interface {
	FindSentNotifications(ctx context.Context, runID string) ([]*models.Notification, error)
	CreateNotification(ctx context.Context, runID string, notificationType models.NotificationType) (*models.Notification, error)
	UpdateNotification(ctx context.Context, id string, patch models.NotificationPatch) error
}

// Notifier fans an alert out to every enabled channel
type Notifier struct {
	ledger   Ledger
	channels []Channel
	appURL   string
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// New creates a notifier. appURL is the dashboard base URL used in links.
func New(ledger Ledger, appURL string, logger *zap.SugaredLogger, channels ...Channel) *Notifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Notifier{
		ledger:   ledger,
		channels: channels,
		appURL:   strings.TrimRight(appURL, "/"),
		logger:   logger.Named("notifier"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Notify delivers the failure of run on every channel that has not already
// delivered it. Channels run concurrently and one failing never stops another.
// The returned error is the first channel failure, for logging only.
func (n *Notifier) Notify(ctx context.Context, run *models.Run, scenario *models.Scenario, owner *models.User) error {
	if run == nil || scenario == nil {
		return errors.New("run and scenario are required")
	}
	if owner == nil {
		owner = scenario.Owner
	}
	alert := Alert{
		Run:          run,
		Scenario:     scenario,
		Owner:        owner,
		DashboardURL: n.DashboardURL(scenario, run),
	}

	sent, err := n.ledger.FindSentNotifications(ctx, run.ID)
	if err != nil {
		return errors.Wrap(err, "check sent notifications")
	}
	already := make(map[models.NotificationType]bool, len(sent))
	for _, s := range sent {
		already[s.Type] = true
	}

	var g errgroup.Group
	for _, ch := range n.channels {
		ch := ch
		if already[ch.Type()] {
			n.logger.Infow("Notification already sent, skipping", "run_id", run.ID, "type", ch.Type())
			continue
		}
		if !ch.Enabled(alert) {
			n.logger.Debugw("Channel not configured, skipping", "run_id", run.ID, "type", ch.Type())
			continue
		}
		g.Go(func() error {
			return n.deliver(ctx, ch, alert)
		})
	}
	return g.Wait()
}

func (n *Notifier) deliver(ctx context.Context, ch Channel, alert Alert) error {
	log := n.logger.With("run_id", alert.Run.ID, "type", ch.Type())

	record, err := n.ledger.CreateNotification(ctx, alert.Run.ID, ch.Type())
	if err != nil {
		log.Errorw("Failed to record notification", "error", err)
		return errors.Wrapf(err, "create %s notification", ch.Type())
	}

	sendErr := n.safeSend(ctx, ch, alert)

	patch := models.NotificationPatch{Status: models.NotificationStatusSent}
	if sendErr != nil {
		msg := sendErr.Error()
		patch = models.NotificationPatch{Status: models.NotificationStatusFailed, Error: &msg}
	} else {
		sentAt := n.now()
		patch.SentAt = &sentAt
	}
	if err := n.ledger.UpdateNotification(ctx, record.ID, patch); err != nil {
		log.Errorw("Failed to update notification", "notification_id", record.ID, "error", err)
	}

	if sendErr != nil {
		log.Errorw("Failed to send notification", "notification_id", record.ID, "error", sendErr)
		return errors.Wrapf(sendErr, "send %s notification", ch.Type())
	}
	log.Infow("Notification sent", "notification_id", record.ID)
	return nil
}

func (n *Notifier) safeSend(ctx context.Context, ch Channel, alert Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("%s channel panic: %v", ch.Type(), r)
		}
	}()
	return ch.Send(ctx, alert)
}

// DashboardURL links to the run page of the dashboard
func (n *Notifier) DashboardURL(scenario *models.Scenario, run *models.Run) string {
	return fmt.Sprintf("%s/dashboard/projects/%s/scenarios/%s/runs/%s", n.appURL, scenario.ProjectID, scenario.ID, run.ID)
}

func errorText(run *models.Run) string {
	if run.Error == nil || *run.Error == "" {
		return "No specific error"
	}
	return *run.Error
}

func completedAt(run *models.Run) time.Time {
	if run.CompletedAt != nil {
		return *run.CompletedAt
	}
	return run.StartedAt
}

func targetOf(s *models.Scenario) models.Target {
	if s.Target != nil {
		return *s.Target
	}
	return models.Target{}
}
