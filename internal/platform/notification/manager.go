package notification

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultMaxLog = 10000

// Manager renders, routes and records notifications.
type Manager struct {
	senders   map[Channel]Sender
	templates *TemplateEngine
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	messages map[string]*Message
	order    []string // insertion order, oldest first
	maxLog   int
}

type Option func(*Manager)

func WithSender(ch Channel, s Sender) Option {
	return func(m *Manager) { m.senders[ch] = s }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMaxLog bounds the in-memory delivery log; the oldest entries are dropped first.
func WithMaxLog(n int) Option {
	return func(m *Manager) { m.maxLog = n }
}

func NewManager(templates *TemplateEngine, opts ...Option) *Manager {
	m := &Manager{
		senders:   make(map[Channel]Sender),
		templates: templates,
		logger:    zerolog.Nop(),
		now:       time.Now,
		messages:  make(map[string]*Message),
		maxLog:    defaultMaxLog,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dispatch delivers payload to one recipient. It never panics or blocks on a
// missing channel; failures are described by the returned result.
func (m *Manager) Dispatch(ctx context.Context, r Recipient, p Payload, requiresAck bool) DeliveryResult {
	data := make(map[string]string, len(p.Data)+2)
	for k, v := range p.Data {
		data[k] = v
	}
	data["recipient_name"] = r.Name
	data["code"] = p.IncidentCode

	msg := &Message{
		ID:            uuid.NewString(),
		RecipientID:   r.ID,
		RecipientKind: r.Kind,
		RecipientName: r.Name,
		IncidentID:    p.IncidentID,
		IncidentCode:  p.IncidentCode,
		Template:      p.Template,
		Urgent:        p.Urgent,
		RequiresAck:   requiresAck,
		CreatedAt:     m.now().UTC(),
		recipient:     r,
	}

	var err error
	msg.Subject, msg.Body, err = m.templates.Render(p.Template, data)
	if err != nil {
		msg.Status = StatusFailed
		msg.Error = err.Error()
	} else {
		err = m.deliver(ctx, msg)
	}
	m.store(msg)

	if err != nil {
		m.logger.Warn().Err(err).
			Str("message_id", msg.ID).
			Str("incident_code", msg.IncidentCode).
			Str("recipient_id", r.ID.String()).
			Str("template", p.Template).
			Msg("notification delivery failed")
	}

	return DeliveryResult{
		MessageID:   msg.ID,
		RecipientID: r.ID,
		Channel:     msg.Channel,
		Delivered:   err == nil,
		Err:         err,
	}
}

// deliver tries each of the recipient's channels in order until one succeeds.
func (m *Manager) deliver(ctx context.Context, msg *Message) error {
	channels := msg.recipient.Channels()
	if len(channels) == 0 {
		msg.Status = StatusFailed
		msg.Error = ErrNoChannel.Error()
		return ErrNoChannel
	}

	var lastErr error
	for _, ch := range channels {
		sender, ok := m.senders[ch]
		if !ok {
			lastErr = fmt.Errorf("no sender configured for %s", ch)
			continue
		}
		msg.Channel = ch
		msg.Address = msg.recipient.address(ch)
		msg.Attempts++
		if err := sender.Send(ctx, msg); err != nil {
			lastErr = fmt.Errorf("%s: %w", ch, err)
			continue
		}
		sentAt := m.now().UTC()
		msg.SentAt = &sentAt
		msg.Status = StatusSent
		msg.Error = ""
		return nil
	}

	msg.Status = StatusFailed
	msg.Error = lastErr.Error()
	return lastErr
}

func (m *Manager) store(msg *Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.messages[msg.ID]; !exists {
		m.order = append(m.order, msg.ID)
	}
	m.messages[msg.ID] = msg
	for len(m.order) > m.maxLog {
		delete(m.messages, m.order[0])
		m.order = m.order[1:]
	}
}

func (m *Manager) Get(_ context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	cp := *msg
	return &cp, nil
}

type ListFilter struct {
	RecipientID    *uuid.UUID
	IncidentID     *uuid.UUID
	Unacknowledged bool
	Limit          int
}

// List returns matching messages, newest first.
func (m *Manager) List(_ context.Context, f ListFilter) []*Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Message
	for i := len(m.order) - 1; i >= 0; i-- {
		msg := m.messages[m.order[i]]
		if f.RecipientID != nil && msg.RecipientID != *f.RecipientID {
			continue
		}
		if f.IncidentID != nil && msg.IncidentID != *f.IncidentID {
			continue
		}
		if f.Unacknowledged && (!msg.RequiresAck || msg.Status == StatusAcknowledged) {
			continue
		}
		cp := *msg
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Retry re-sends a failed message over the recipient's channels. The message
// is claimed as retrying before the send, so a concurrent Retry gets
// ErrNotFailed instead of sending twice.
func (m *Manager) Retry(ctx context.Context, id string) (*Message, error) {
	m.mu.Lock()
	stored, ok := m.messages[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrMessageNotFound
	}
	if stored.Status != StatusFailed {
		status := stored.Status
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (current: %s)", ErrNotFailed, status)
	}
	stored.Status = StatusRetrying
	msg := *stored
	m.mu.Unlock()

	err := m.deliver(ctx, &msg)

	m.mu.Lock()
	// evicted from the log while sending: nothing to update
	if cur, ok := m.messages[id]; ok && cur.Status == StatusRetrying {
		m.messages[id] = &msg
	}
	m.mu.Unlock()

	cp := msg
	return &cp, err
}

// Acknowledge records that a guardian confirmed an urgent notice. Only a
// delivered message can be acknowledged; a failed one stays retryable.
func (m *Manager) Acknowledge(_ context.Context, id string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	if !msg.RequiresAck {
		return nil, ErrAckNotRequired
	}
	switch msg.Status {
	case StatusAcknowledged:
		return nil, ErrAlreadyAcknowledged
	case StatusSent:
	default:
		return nil, fmt.Errorf("%w (current: %s)", ErrNotDelivered, msg.Status)
	}
	at := m.now().UTC()
	msg.AcknowledgedAt = &at
	msg.Status = StatusAcknowledged
	cp := *msg
	return &cp, nil
}

// Stats counts messages by status and by channel.
func (m *Manager) Stats(_ context.Context) map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make(map[string]int)
	for _, msg := range m.messages {
		stats[msg.Status]++
		if msg.Channel != "" {
			stats["channel:"+string(msg.Channel)]++
		}
	}
	return stats
}

// Channels lists the channels that have a sender, sorted.
func (m *Manager) Channels() []Channel {
	out := make([]Channel, 0, len(m.senders))
	for ch := range m.senders {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
