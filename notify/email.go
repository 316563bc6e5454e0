package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/emersion/go-message/mail"

	"github.com/dondendo89/qa-playwright/core/models"
)

// EmailConfig is the SMTP relay used for failure emails
type EmailConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// sendFunc hands a composed message to the relay
type sendFunc func(ctx context.Context, cfg EmailConfig, to string, msg []byte) error

// EmailChannel mails the scenario owner
type EmailChannel struct {
	cfg  EmailConfig
	send sendFunc
	now  func() time.Time
}

// NewEmailChannel creates an SMTP channel
func NewEmailChannel(cfg EmailConfig) *EmailChannel {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &EmailChannel{cfg: cfg, send: sendSMTP, now: time.Now}
}

// Type implements Channel
func (e *EmailChannel) Type() models.NotificationType { return models.NotificationTypeEmail }

// Enabled requires a relay and an owner address
func (e *EmailChannel) Enabled(alert Alert) bool {
	return e.cfg.Host != "" && alert.Owner != nil && alert.Owner.Email != ""
}

// Send composes and delivers the failure email
func (e *EmailChannel) Send(ctx context.Context, alert Alert) error {
	msg, err := e.compose(alert)
	if err != nil {
		return err
	}
	return e.send(ctx, e.cfg, alert.Owner.Email, msg)
}

func (e *EmailChannel) compose(alert Alert) ([]byte, error) {
	from := &mail.Address{Address: e.cfg.From}
	if e.cfg.From == "" {
		from.Address = e.cfg.User
	} else if parsed, err := mail.ParseAddress(e.cfg.From); err == nil {
		from = parsed
	}

	var h mail.Header
	h.SetDate(e.now())
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{{Name: alert.Owner.Name, Address: alert.Owner.Email}})
	h.SetSubject("Scenario Failed: " + alert.Scenario.Name)
	if err := h.GenerateMessageID(); err != nil {
		return nil, errors.Wrap(err, "generate message id")
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, errors.Wrap(err, "create message")
	}
	if _, err := io.WriteString(w, emailBody(alert)); err != nil {
		return nil, errors.Wrap(err, "write message")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "close message")
	}
	return buf.Bytes(), nil
}

func emailBody(alert Alert) string {
	target := targetOf(alert.Scenario)
	project := alert.Scenario.ProjectName
	if project == "" {
		project = alert.Scenario.ProjectID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Your scenario %q failed during execution.\n\n", alert.Scenario.Name)
	b.WriteString("Details:\n")
	fmt.Fprintf(&b, "- Project: %s\n", project)
	fmt.Fprintf(&b, "- Target: %s (%s)\n", target.Name, target.URL)
	fmt.Fprintf(&b, "- Status: %s\n", alert.Run.Status)
	fmt.Fprintf(&b, "- Error: %s\n", errorText(alert.Run))
	fmt.Fprintf(&b, "- Date: %s\n\n", completedAt(alert.Run).Format(time.RFC1123))
	b.WriteString("Full details are available in the dashboard:\n")
	b.WriteString(alert.DashboardURL + "\n")
	return b.String()
}

// sendSMTP delivers msg through the relay. Port 465 uses implicit TLS, other
// ports upgrade with STARTTLS when the server offers it.
func sendSMTP(ctx context.Context, cfg EmailConfig, to string, msg []byte) error {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := &net.Dialer{Timeout: 15 * time.Second}

	var conn net.Conn
	var err error
	if cfg.Port == 465 {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: cfg.Host}}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return errors.Wrap(err, "smtp dial failed")
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		return errors.Wrap(err, "smtp client failed")
	}
	defer func() { _ = c.Quit() }()

	if cfg.Port != 465 {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
				return errors.Wrap(err, "smtp STARTTLS failed")
			}
		}
	}
	if cfg.User != "" {
		if err := c.Auth(smtp.PlainAuth("", cfg.User, cfg.Password, cfg.Host)); err != nil {
			return errors.Wrap(err, "smtp auth failed")
		}
	}

	from := cfg.From
	if from == "" {
		from = cfg.User
	}
	if parsed, err := mail.ParseAddress(from); err == nil {
		from = parsed.Address
	}
	if err := c.Mail(from); err != nil {
		return errors.Wrap(err, "smtp MAIL FROM failed")
	}
	if err := c.Rcpt(to); err != nil {
		return errors.Wrap(err, "smtp RCPT TO failed")
	}
	w, err := c.Data()
	if err != nil {
		return errors.Wrap(err, "smtp DATA failed")
	}
	if _, err := w.Write(msg); err != nil {
		return errors.Wrap(err, "smtp write failed")
	}
	return errors.Wrap(w.Close(), "smtp close failed")
}
