package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/schoolhealth/schoolhealth/internal/platform/websocket"
)

// HubSender pushes in-app notices to the staff member's dashboard connection.
type HubSender struct {
	hub *websocket.Hub
}

func NewHubSender(hub *websocket.Hub) *HubSender {
	return &HubSender{hub: hub}
}

func (s *HubSender) Send(_ context.Context, m *Message) error {
	data, err := json.Marshal(map[string]interface{}{
		"message_id":   m.ID,
		"subject":      m.Subject,
		"body":         m.Body,
		"requires_ack": m.RequiresAck,
	})
	if err != nil {
		return fmt.Errorf("marshal in-app notice: %w", err)
	}
	n := s.hub.Broadcast(websocket.StaffTopic(m.RecipientID), websocket.Event{
		Type:       "notification",
		IncidentID: m.IncidentID.String(),
		Urgent:     m.Urgent,
		Timestamp:  time.Now().UTC(),
		Data:       data,
	})
	if n == 0 {
		return ErrRecipientOffline
	}
	return nil
}

// StreamSender appends e-mail/SMS jobs to a Redis stream read by the mailer
// worker. Delivery here means the job was accepted by Redis.
type StreamSender struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewStreamSender(client *redis.Client, stream string) *StreamSender {
	return &StreamSender{client: client, stream: stream, maxLen: 100000}
}

func (s *StreamSender) Send(ctx context.Context, m *Message) error {
	_, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"message_id":    m.ID,
			"channel":       string(m.Channel),
			"address":       m.Address,
			"subject":       m.Subject,
			"body":          m.Body,
			"urgent":        strconv.FormatBool(m.Urgent),
			"incident_code": m.IncidentCode,
			"timestamp":     strconv.FormatInt(time.Now().Unix(), 10),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// WebhookSender posts messages to a push gateway. The body is signed with
// HMAC-SHA256 over the raw JSON in the X-Signature header.
type WebhookSender struct {
	client *resty.Client
	secret []byte
}

func NewWebhookSender(baseURL, secret string, timeout time.Duration) *WebhookSender {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &WebhookSender{client: client, secret: []byte(secret)}
}

type pushRequest struct {
	MessageID    string `json:"message_id"`
	Channel      string `json:"channel"`
	To           string `json:"to"`
	Subject      string `json:"subject"`
	Body         string `json:"body"`
	Urgent       bool   `json:"urgent"`
	IncidentCode string `json:"incident_code"`
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *WebhookSender) Send(ctx context.Context, m *Message) error {
	body, err := json.Marshal(pushRequest{
		MessageID:    m.ID,
		Channel:      string(m.Channel),
		To:           m.Address,
		Subject:      m.Subject,
		Body:         m.Body,
		Urgent:       m.Urgent,
		IncidentCode: m.IncidentCode,
	})
	if err != nil {
		return fmt.Errorf("marshal push request: %w", err)
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("X-Signature", "sha256="+Sign(s.secret, body)).
		SetHeader("Idempotency-Key", m.ID).
		SetBody(body).
		Post("/v1/messages")
	if err != nil {
		return fmt.Errorf("push gateway: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("push gateway returned %d", resp.StatusCode())
	}
	return nil
}

// LogSender writes messages to the log. Used in development when no transport
// is configured.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, m *Message) error {
	s.logger.Info().
		Str("message_id", m.ID).
		Str("channel", string(m.Channel)).
		Str("recipient", m.RecipientName).
		Str("incident_code", m.IncidentCode).
		Bool("urgent", m.Urgent).
		Str("subject", m.Subject).
		Msg("notification")
	return nil
}
