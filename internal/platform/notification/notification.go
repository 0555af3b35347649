// Package notification delivers incident notices to guardians and staff. The
// Manager renders a template, tries the recipient's channels in order, and
// keeps a delivery log that supports retries and guardian acknowledgement.
package notification

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Channel string

const (
	ChannelInApp Channel = "in-app"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

type RecipientKind string

const (
	RecipientGuardian RecipientKind = "guardian"
	RecipientStaff    RecipientKind = "staff"
)

type Recipient struct {
	ID    uuid.UUID     `json:"id"`
	Kind  RecipientKind `json:"kind"`
	Name  string        `json:"name"`
	Email string        `json:"email,omitempty"`
	Phone string        `json:"phone,omitempty"`
}

// Channels lists the delivery channels to try, most preferred first. Staff are
// reached on the dashboard feed and fall back to SMS when offline.
func (r Recipient) Channels() []Channel {
	var out []Channel
	if r.Kind == RecipientStaff {
		out = append(out, ChannelInApp)
	}
	if r.Kind == RecipientGuardian && r.Email != "" {
		out = append(out, ChannelEmail)
	}
	if r.Phone != "" {
		out = append(out, ChannelSMS)
	}
	if r.Kind == RecipientStaff && r.Email != "" {
		out = append(out, ChannelEmail)
	}
	return out
}

func (r Recipient) address(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return r.Email
	case ChannelSMS:
		return r.Phone
	default:
		return r.ID.String()
	}
}

// Payload is what the incident workflow wants to say; the Manager turns it
// into a recipient-specific Message.
type Payload struct {
	IncidentID   uuid.UUID         `json:"incident_id"`
	IncidentCode string            `json:"incident_code"`
	Template     string            `json:"template"`
	Urgent       bool              `json:"urgent"`
	Data         map[string]string `json:"data,omitempty"`
}

const (
	StatusSent         = "sent"
	StatusFailed       = "failed"
	StatusRetrying     = "retrying"
	StatusAcknowledged = "acknowledged"
)

// Message is one delivery attempt chain to one recipient.
type Message struct {
	ID             string        `json:"id"`
	RecipientID    uuid.UUID     `json:"recipient_id"`
	RecipientKind  RecipientKind `json:"recipient_kind"`
	RecipientName  string        `json:"recipient_name"`
	Channel        Channel       `json:"channel,omitempty"`
	Address        string        `json:"-"`
	IncidentID     uuid.UUID     `json:"incident_id"`
	IncidentCode   string        `json:"incident_code"`
	Template       string        `json:"template"`
	Subject        string        `json:"subject"`
	Body           string        `json:"body"`
	Urgent         bool          `json:"urgent"`
	RequiresAck    bool          `json:"requires_ack"`
	Status         string        `json:"status"`
	Attempts       int           `json:"attempts"`
	Error          string        `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	SentAt         *time.Time    `json:"sent_at,omitempty"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty"`

	recipient Recipient
}

// DeliveryResult reports the outcome for a single recipient.
type DeliveryResult struct {
	MessageID   string    `json:"message_id"`
	RecipientID uuid.UUID `json:"recipient_id"`
	Channel     Channel   `json:"channel,omitempty"`
	Delivered   bool      `json:"delivered"`
	Err         error     `json:"-"`
}

// Sender moves a rendered message over one channel.
type Sender interface {
	Send(ctx context.Context, m *Message) error
}

type SenderFunc func(ctx context.Context, m *Message) error

func (f SenderFunc) Send(ctx context.Context, m *Message) error { return f(ctx, m) }

var (
	ErrNoChannel           = errors.New("recipient has no reachable channel")
	ErrRecipientOffline    = errors.New("recipient has no open dashboard connection")
	ErrMessageNotFound     = errors.New("notification not found")
	ErrAckNotRequired      = errors.New("notification does not require acknowledgement")
	ErrNotFailed           = errors.New("notification is not in failed status")
	ErrAlreadyAcknowledged = errors.New("notification already acknowledged")
	ErrNotDelivered        = errors.New("notification has not been delivered")
)
