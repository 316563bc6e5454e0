package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dondendo89/qa-playwright/core/models"
)

type fakeLedger struct {
	mu      sync.Mutex
	records map[string]*models.Notification
	seq     int
	findErr error
}

func newFakeLedger(sent ...models.NotificationType) *fakeLedger {
	l := &fakeLedger{records: map[string]*models.Notification{}}
	for _, t := range sent {
		l.seq++
		id := "seed-" + string(t)
		l.records[id] = &models.Notification{ID: id, RunID: "run-1", Type: t, Status: models.NotificationStatusSent}
	}
	return l
}

func (l *fakeLedger) FindSentNotifications(_ context.Context, runID string) ([]*models.Notification, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.findErr != nil {
		return nil, l.findErr
	}
	var out []*models.Notification
	for _, n := range l.records {
		if n.RunID == runID && n.Status == models.NotificationStatusSent {
			out = append(out, n)
		}
	}
	return out, nil
}

func (l *fakeLedger) CreateNotification(_ context.Context, runID string, t models.NotificationType) (*models.Notification, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	n := &models.Notification{ID: string(t) + "-" + runID, RunID: runID, Type: t, Status: models.NotificationStatusPending}
	l.records[n.ID] = n
	return n, nil
}

func (l *fakeLedger) UpdateNotification(_ context.Context, id string, patch models.NotificationPatch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.records[id]
	if !ok {
		return errors.New("not found")
	}
	n.Status = patch.Status
	n.SentAt = patch.SentAt
	n.Error = patch.Error
	return nil
}

func (l *fakeLedger) get(id string) models.Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.records[id]
}

type fakeChannel struct {
	kind    models.NotificationType
	enabled bool
	err     error
	panics  bool
	calls   atomic.Int32
}

func (c *fakeChannel) Type() models.NotificationType { return c.kind }
func (c *fakeChannel) Enabled(Alert) bool            { return c.enabled }
func (c *fakeChannel) Send(context.Context, Alert) error {
	c.calls.Add(1)
	if c.panics {
		panic("boom")
	}
	return c.err
}

func failedRun() (*models.Run, *models.Scenario, *models.User) {
	errMsg := "selector not found: #login"
	done := time.Date(2025, 3, 1, 10, 0, 5, 0, time.UTC)
	run := &models.Run{
		ID:          "run-1",
		ScenarioID:  "sc-1",
		Status:      models.RunStatusFailed,
		StartedAt:   done.Add(-5 * time.Second),
		CompletedAt: &done,
		Error:       &errMsg,
	}
	scenario := &models.Scenario{
		ID:          "sc-1",
		ProjectID:   "proj-1",
		ProjectName: "Storefront",
		Name:        "Checkout",
		Target:      &models.Target{ID: "t-1", Name: "Shop", URL: "https://shop.example.com"},
	}
	owner := &models.User{ID: "u-1", Email: "owner@example.com", Name: "Owner"}
	return run, scenario, owner
}

func TestNotifySendsOnEveryEnabledChannel(t *testing.T) {
	ledger := newFakeLedger()
	email := &fakeChannel{kind: models.NotificationTypeEmail, enabled: true}
	slack := &fakeChannel{kind: models.NotificationTypeSlack, enabled: true}
	n := New(ledger, "https://app.example.com/", nil, email, slack)

	run, scenario, owner := failedRun()
	require.NoError(t, n.Notify(context.Background(), run, scenario, owner))

	assert.EqualValues(t, 1, email.calls.Load())
	assert.EqualValues(t, 1, slack.calls.Load())
	for _, id := range []string{"email-run-1", "slack-run-1"} {
		rec := ledger.get(id)
		assert.Equal(t, models.NotificationStatusSent, rec.Status)
		assert.NotNil(t, rec.SentAt)
		assert.Nil(t, rec.Error)
	}
}

func TestNotifySkipsAlreadySentTypes(t *testing.T) {
	ledger := newFakeLedger(models.NotificationTypeEmail)
	email := &fakeChannel{kind: models.NotificationTypeEmail, enabled: true}
	slack := &fakeChannel{kind: models.NotificationTypeSlack, enabled: true}
	n := New(ledger, "", nil, email, slack)

	run, scenario, owner := failedRun()
	require.NoError(t, n.Notify(context.Background(), run, scenario, owner))

	assert.Zero(t, email.calls.Load())
	assert.EqualValues(t, 1, slack.calls.Load())
}

func TestNotifySkipsDisabledChannels(t *testing.T) {
	ledger := newFakeLedger()
	email := &fakeChannel{kind: models.NotificationTypeEmail}
	n := New(ledger, "", nil, email)

	run, scenario, owner := failedRun()
	require.NoError(t, n.Notify(context.Background(), run, scenario, owner))

	assert.Zero(t, email.calls.Load())
	sent, _ := ledger.FindSentNotifications(context.Background(), "run-1")
	assert.Empty(t, sent)
}

func TestNotifyRecordsFailureWithoutBlockingOtherChannels(t *testing.T) {
	ledger := newFakeLedger()
	email := &fakeChannel{kind: models.NotificationTypeEmail, enabled: true, err: errors.New("relay refused")}
	slack := &fakeChannel{kind: models.NotificationTypeSlack, enabled: true}
	n := New(ledger, "", nil, email, slack)

	run, scenario, owner := failedRun()
	err := n.Notify(context.Background(), run, scenario, owner)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay refused")

	failed := ledger.get("email-run-1")
	assert.Equal(t, models.NotificationStatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Contains(t, *failed.Error, "relay refused")
	assert.Nil(t, failed.SentAt)

	assert.Equal(t, models.NotificationStatusSent, ledger.get("slack-run-1").Status)
}

func TestNotifyRecoversChannelPanic(t *testing.T) {
	ledger := newFakeLedger()
	slack := &fakeChannel{kind: models.NotificationTypeSlack, enabled: true, panics: true}
	n := New(ledger, "", nil, slack)

	run, scenario, owner := failedRun()
	err := n.Notify(context.Background(), run, scenario, owner)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slack channel panic: boom")
	assert.Equal(t, models.NotificationStatusFailed, ledger.get("slack-run-1").Status)
}

func TestNotifyLedgerError(t *testing.T) {
	ledger := newFakeLedger()
	ledger.findErr = errors.New("db down")
	email := &fakeChannel{kind: models.NotificationTypeEmail, enabled: true}
	n := New(ledger, "", nil, email)

	run, scenario, owner := failedRun()
	require.Error(t, n.Notify(context.Background(), run, scenario, owner))
	assert.Zero(t, email.calls.Load())
}

func TestDashboardURL(t *testing.T) {
	n := New(newFakeLedger(), "https://app.example.com/", nil)
	run, scenario, _ := failedRun()
	assert.Equal(t,
		"https://app.example.com/dashboard/projects/proj-1/scenarios/sc-1/runs/run-1",
		n.DashboardURL(scenario, run))
}

func TestEmailChannelComposesMessage(t *testing.T) {
	ch := NewEmailChannel(EmailConfig{Host: "smtp.example.com", Port: 587, From: "QA Bot <qa@example.com>"})
	ch.now = func() time.Time { return time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC) }

	var gotTo string
	var gotMsg []byte
	ch.send = func(_ context.Context, cfg EmailConfig, to string, msg []byte) error {
		gotTo = to
		gotMsg = msg
		return nil
	}

	run, scenario, owner := failedRun()
	alert := Alert{Run: run, Scenario: scenario, Owner: owner, DashboardURL: "https://app.example.com/x"}
	require.True(t, ch.Enabled(alert))
	require.NoError(t, ch.Send(context.Background(), alert))

	assert.Equal(t, "owner@example.com", gotTo)
	msg := string(gotMsg)
	assert.Contains(t, msg, "Subject: Scenario Failed: Checkout")
	assert.Contains(t, msg, "owner@example.com")
	assert.Contains(t, msg, "text/plain")
	assert.Contains(t, msg, "Storefront")
	assert.Contains(t, msg, "https://shop.example.com")
	assert.Contains(t, msg, "selector not found: #login")
	assert.Contains(t, msg, "https://app.example.com/x")
}

func TestEmailChannelDisabled(t *testing.T) {
	run, scenario, owner := failedRun()

	noHost := NewEmailChannel(EmailConfig{})
	assert.False(t, noHost.Enabled(Alert{Run: run, Scenario: scenario, Owner: owner}))

	withHost := NewEmailChannel(EmailConfig{Host: "smtp.example.com"})
	assert.False(t, withHost.Enabled(Alert{Run: run, Scenario: scenario}))
	assert.False(t, withHost.Enabled(Alert{Run: run, Scenario: scenario, Owner: &models.User{}}))
}

func TestSlackChannelPostsBlocks(t *testing.T) {
	var payload slackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewSlackChannel(srv.URL, nil)
	run, scenario, owner := failedRun()
	alert := Alert{Run: run, Scenario: scenario, Owner: owner, DashboardURL: "https://app.example.com/x"}
	require.True(t, ch.Enabled(alert))
	require.NoError(t, ch.Send(context.Background(), alert))

	require.Len(t, payload.Blocks, 4)
	assert.Equal(t, "header", payload.Blocks[0].Type)
	assert.True(t, strings.HasSuffix(payload.Blocks[0].Text.Text, "Scenario Failed: Checkout"))
	require.Len(t, payload.Blocks[1].Fields, 4)
	assert.Contains(t, payload.Blocks[1].Fields[0].Text, "Storefront")
	assert.Contains(t, payload.Blocks[2].Text.Text, "selector not found: #login")
	assert.Equal(t, "https://app.example.com/x", payload.Blocks[3].Elements[0].URL)
}

func TestSlackChannelReportsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	ch := NewSlackChannel(srv.URL, nil)
	run, scenario, owner := failedRun()
	err := ch.Send(context.Background(), Alert{Run: run, Scenario: scenario, Owner: owner})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestSlackChannelDisabledWithoutWebhook(t *testing.T) {
	assert.False(t, NewSlackChannel("", nil).Enabled(Alert{}))
}
