// Package notify implements best-effort conflict notifications: an SMTP
// channel and an HTTP webhook channel composed behind a single Notifier
// that never returns an error a caller would act on.
//
// Grounded on original_source's notifications.py (send_conflict_email /
// send_webhook, both of which log and continue on failure) and, for the
// Go shape of "one interface, several channel implementations fanned out
// from a composite", the teacher's pattern of small single-purpose
// interfaces in internal/types.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dbmesh/replifabric/internal/model"
	"github.com/dbmesh/replifabric/internal/obs/logging"
)

var log = logging.For("notify")

// Notifier is told about conflicts as they are recorded and resolved. No
// method returns an error a caller is expected to act on; implementations
// log failures themselves.
type Notifier interface {
	NotifyConflict(ctx context.Context, c model.Conflict) error
	NotifyResolved(ctx context.Context, c model.Conflict) error
}

// noop satisfies Notifier for configurations that want no notifications.
type noop struct{}

func (noop) NotifyConflict(context.Context, model.Conflict) error { return nil }
func (noop) NotifyResolved(context.Context, model.Conflict) error { return nil }

// Noop returns a Notifier that does nothing.
func Noop() Notifier { return noop{} }

// SMTPConfig holds the connection parameters for the email channel.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	AdminTo  string
}

// SMTPNotifier emails the administrator address when a conflict is
// recorded or resolved, using net/smtp the way original_source uses
// Python's smtplib: a single plaintext message per event, best-effort.
type SMTPNotifier struct {
	cfg SMTPConfig
}

// NewSMTP returns an SMTPNotifier. A zero-value Host disables sending;
// NotifyConflict/NotifyResolved simply log and return nil in that case.
func NewSMTP(cfg SMTPConfig) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg}
}

func (n *SMTPNotifier) NotifyConflict(_ context.Context, c model.Conflict) error {
	subject := fmt.Sprintf("Sync conflict detected: %s/%s", c.TableName, c.PKValue)
	body := fmt.Sprintf("A replication conflict was recorded.\n\nTable: %s\nRow: %s\nSource: %s\nTarget: %s\nConflict ID: %d\n",
		c.TableName, c.PKValue, c.SourceDB, c.TargetDB, c.ConflictID)
	return n.send(subject, body)
}

func (n *SMTPNotifier) NotifyResolved(_ context.Context, c model.Conflict) error {
	subject := fmt.Sprintf("Sync conflict resolved: %s/%s", c.TableName, c.PKValue)
	winner := "(unknown)"
	if c.WinnerDB.Valid {
		winner = c.WinnerDB.String
	}
	body := fmt.Sprintf("Conflict %d on %s/%s was resolved in favor of %s.\n", c.ConflictID, c.TableName, c.PKValue, winner)
	return n.send(subject, body)
}

func (n *SMTPNotifier) send(subject, body string) error {
	if n.cfg.Host == "" {
		log.Debug("smtp notifier has no host configured, skipping send")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", n.cfg.From, n.cfg.AdminTo, subject, body)

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}

	if err := smtp.SendMail(addr, auth, n.cfg.From, []string{n.cfg.AdminTo}, []byte(msg)); err != nil {
		return errors.Wrap(err, "smtp send")
	}
	return nil
}

// WebhookNotifier posts a JSON payload describing the event to a fixed
// URL, mirroring original_source's requests.post(WEBHOOK_URL, json=...).
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhook returns a WebhookNotifier. An empty url disables sending.
func NewWebhook(url string) *WebhookNotifier {
	return &WebhookNotifier{url: url, client: &http.Client{Timeout: 5 * time.Second}}
}

type webhookPayload struct {
	DeliveryID string `json:"delivery_id"`
	Event      string `json:"event"`
	ConflictID int64  `json:"conflict_id"`
	Table      string `json:"table"`
	PKValue    string `json:"pk_value"`
	SourceDB   string `json:"source_db"`
	TargetDB   string `json:"target_db"`
	WinnerDB   string `json:"winner_db,omitempty"`
}

func (n *WebhookNotifier) NotifyConflict(ctx context.Context, c model.Conflict) error {
	return n.post(ctx, webhookPayload{
		Event:      "conflict_detected",
		ConflictID: c.ConflictID,
		Table:      c.TableName,
		PKValue:    c.PKValue,
		SourceDB:   c.SourceDB,
		TargetDB:   c.TargetDB,
	})
}

func (n *WebhookNotifier) NotifyResolved(ctx context.Context, c model.Conflict) error {
	p := webhookPayload{
		Event:      "conflict_resolved",
		ConflictID: c.ConflictID,
		Table:      c.TableName,
		PKValue:    c.PKValue,
		SourceDB:   c.SourceDB,
		TargetDB:   c.TargetDB,
	}
	if c.WinnerDB.Valid {
		p.WinnerDB = c.WinnerDB.String
	}
	return n.post(ctx, p)
}

// post stamps a fresh delivery_id on every call, so each POST carries its
// own id. It makes a single attempt and does not retry.
func (n *WebhookNotifier) post(ctx context.Context, p webhookPayload) error {
	if n.url == "" {
		log.Debug("webhook notifier has no url configured, skipping send")
		return nil
	}
	p.DeliveryID = uuid.New().String()

	body, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshaling webhook payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "building webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "posting webhook")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.Errorf("webhook responded with status %d", resp.StatusCode)
	}
	return nil
}

// Multi fans a single event out to every channel in channels, logging
// (but never returning) any individual channel's failure. Its own
// NotifyConflict/NotifyResolved therefore always return nil: the caller
// never needs to handle a notification failure specially.
type Multi struct {
	channels []Notifier
}

// NewMulti composes channels into a single Notifier.
func NewMulti(channels ...Notifier) *Multi {
	return &Multi{channels: channels}
}

func (m *Multi) NotifyConflict(ctx context.Context, c model.Conflict) error {
	for _, ch := range m.channels {
		if err := ch.NotifyConflict(ctx, c); err != nil {
			log.WithError(err).Warn("notify conflict channel failed")
		}
	}
	return nil
}

func (m *Multi) NotifyResolved(ctx context.Context, c model.Conflict) error {
	for _, ch := range m.channels {
		if err := ch.NotifyResolved(ctx, c); err != nil {
			log.WithError(err).Warn("notify resolved channel failed")
		}
	}
	return nil
}
