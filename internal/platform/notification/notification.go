// Package notification renders workflow notifications from templates and
// writes them to an outbox in the same transaction as the state change that
// caused them. Delivery (email, SMS, portal inbox) drains the outbox
// elsewhere.
package notification

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medshare/medshare/internal/platform/metrics"
)

// Template IDs used by the access and sharing workflow.
const (
	TemplateAccessRequested = "access-requested"
	TemplateEmergencyAccess = "emergency-access"
	TemplateAccessDecided   = "access-decided"
	TemplateGrantRevoked    = "grant-revoked"
	TemplateRecordReceived  = "record-received"
	TemplateRecordRequested = "record-requested"
)

type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine renders {{key}} placeholders.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	for _, t := range builtIn {
		e.RegisterTemplate(t)
	}
	return e
}

var builtIn = []Template{
	{
		ID:      TemplateAccessRequested,
		Subject: "Access request from {{requester_kind}} {{requester_id}}",
		Body:    "{{requester_kind}} {{requester_id}} asked to view your medical records. Purpose: {{purpose}}. Approve or reject the request in your portal.",
	},
	{
		ID:      TemplateEmergencyAccess,
		Subject: "Emergency access to your records by {{requester_id}}",
		Body:    "{{requester_kind}} {{requester_id}} used emergency access to your medical records. Purpose: {{purpose}}. You can revoke this access in your portal.",
	},
	{
		ID:      TemplateAccessDecided,
		Subject: "Access request {{decision}}",
		Body:    "Patient {{patient_phn}} {{decision}} your request to view their records.",
	},
	{
		ID:      TemplateGrantRevoked,
		Subject: "Access revoked",
		Body:    "Patient {{patient_phn}} revoked your access to their records.",
	},
	{
		ID:      TemplateRecordReceived,
		Subject: "New {{record_type}} record for patient {{patient_phn}}",
		Body:    "{{sender_kind}} {{sender_id}} sent you a {{record_type}} record for patient {{patient_phn}}.",
	},
	{
		ID:      TemplateRecordRequested,
		Subject: "Record request for patient {{patient_phn}}",
		Body:    "{{requester_kind}} {{requester_id}} requested a {{record_type}} record for patient {{patient_phn}}. Purpose: {{purpose}}.",
	},
}

func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render fills the template. Placeholders missing from data stay as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// Message is one outbox row.
type Message struct {
	ID         uuid.UUID         `json:"id"`
	Recipient  string            `json:"recipient"`
	TemplateID string            `json:"templateId"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Status     string            `json:"status"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Recipient addresses a party, e.g. "patient:PHN-001".
func Recipient(kind, id string) string {
	return kind + ":" + id
}

type Outbox interface {
	Enqueue(ctx context.Context, m *Message) error
	ListForRecipient(ctx context.Context, recipient string, limit, offset int) ([]*Message, int, error)
}

// Notifier renders templates into the outbox.
type Notifier struct {
	engine  *TemplateEngine
	outbox  Outbox
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewNotifier(engine *TemplateEngine, outbox Outbox, m *metrics.Metrics, logger zerolog.Logger) *Notifier {
	return &Notifier{engine: engine, outbox: outbox, metrics: m, logger: logger}
}

// Notify enqueues templateID for recipient. It runs inside the caller's
// transaction when ctx carries one, so a rolled back decision never leaves
// a notification behind.
func (n *Notifier) Notify(ctx context.Context, recipient, templateID string, data map[string]string) error {
	subject, body, err := n.engine.Render(templateID, data)
	if err != nil {
		return err
	}
	m := &Message{
		Recipient:  recipient,
		TemplateID: templateID,
		Subject:    subject,
		Body:       body,
		Metadata:   data,
	}
	if err := n.outbox.Enqueue(ctx, m); err != nil {
		return fmt.Errorf("enqueue %s notification: %w", templateID, err)
	}
	n.metrics.NotificationEnqueued(templateID)
	n.logger.Debug().
		Str("recipient", recipient).
		Str("template", templateID).
		Str("notification_id", m.ID.String()).
		Msg("notification_enqueued")
	return nil
}

// List returns recipient's notifications, newest first.
func (n *Notifier) List(ctx context.Context, recipient string, limit, offset int) ([]*Message, int, error) {
	return n.outbox.ListForRecipient(ctx, recipient, limit, offset)
}

// MemoryOutbox keeps messages in process memory.
type MemoryOutbox struct {
	mu       sync.Mutex
	messages []*Message
	now      func() time.Time
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{now: time.Now}
}

func (o *MemoryOutbox) Enqueue(_ context.Context, m *Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	m.ID = uuid.New()
	m.Status = "queued"
	m.CreatedAt = o.now().UTC()
	cp := *m
	o.messages = append(o.messages, &cp)
	return nil
}

func (o *MemoryOutbox) ListForRecipient(_ context.Context, recipient string, limit, offset int) ([]*Message, int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var matched []*Message
	for _, m := range o.messages {
		if m.Recipient == recipient {
			cp := *m
			matched = append(matched, &cp)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}

// All returns every message in insertion order.
func (o *MemoryOutbox) All() []*Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Message, len(o.messages))
	for i, m := range o.messages {
		cp := *m
		out[i] = &cp
	}
	return out
}
