// Package notify publishes session lifecycle events to external subscribers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/miradorstack/mirador-healer/internal/models"
)

// DefaultSubjectPrefix prefixes every published subject.
const DefaultSubjectPrefix = "healer.sessions"

// Publisher is the part of *nats.Conn the observer needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials NATS with reconnect settings suited to a long-running service.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return nc, nil
}

// Message is the published payload: the event plus a session summary.
type Message struct {
	Type        models.EventType   `json:"type"`
	From        models.State       `json:"from,omitempty"`
	To          models.State       `json:"to,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	At          time.Time          `json:"at"`
	SessionID   string             `json:"session_id"`
	Fingerprint models.Fingerprint `json:"fingerprint"`
	State       models.State       `json:"state"`
	Category    models.Category    `json:"category"`
	Severity    models.Severity    `json:"severity"`
	Source      string             `json:"source"`
	JobName     string             `json:"job_name"`
	Stage       string             `json:"stage,omitempty"`
	Target      string             `json:"target,omitempty"`
	Risk        models.RiskLevel   `json:"risk,omitempty"`
	RetryCount  int                `json:"retry_count"`
	Approval    bool               `json:"requires_approval,omitempty"`
}

// NewMessage summarises ev for publication.
func NewMessage(ev models.LifecycleEvent) Message {
	s := ev.Session
	msg := Message{
		Type:        ev.Type,
		From:        ev.From,
		To:          ev.To,
		Reason:      ev.Reason,
		At:          ev.At,
		SessionID:   s.ID,
		Fingerprint: s.Fingerprint,
		State:       s.State,
		Category:    s.Classification.Category,
		Severity:    s.Classification.Severity,
		Source:      s.Event.Source,
		JobName:     s.Event.JobName,
		Stage:       s.Event.Stage,
		Target:      s.Event.TargetHost,
		RetryCount:  s.RetryCount,
	}
	if s.Assessment != nil {
		msg.Risk = s.Assessment.Risk
		msg.Approval = s.Assessment.RequiresApproval
	}
	return msg
}

// NATSObserver publishes lifecycle events to "<prefix>.<event type>".
type NATSObserver struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
}

// NewNATSObserver wraps pub. An empty prefix uses DefaultSubjectPrefix.
func NewNATSObserver(pub Publisher, prefix string, logger *slog.Logger) *NATSObserver {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSObserver{pub: pub, prefix: prefix, logger: logger}
}

// Name identifies the observer in metrics and logs.
func (o *NATSObserver) Name() string { return "nats" }

// Subject returns the subject an event type is published on.
func (o *NATSObserver) Subject(t models.EventType) string {
	return o.prefix + "." + string(t)
}

// OnSessionEvent publishes ev. Failures are logged, never returned.
func (o *NATSObserver) OnSessionEvent(_ context.Context, ev models.LifecycleEvent) {
	data, err := json.Marshal(NewMessage(ev))
	if err != nil {
		o.logger.Error("encode lifecycle event", slog.Any("error", err))
		return
	}
	subject := o.Subject(ev.Type)
	if err := o.pub.Publish(subject, data); err != nil {
		o.logger.Warn("nats publish failed",
			slog.String("subject", subject),
			slog.String("session_id", ev.Session.ID),
			slog.Any("error", err))
	}
}
