package incident

import (
	"context"
	"encoding/json"

	"github.com/schoolhealth/schoolhealth/internal/platform/websocket"
)

// LivePublisher pushes committed changes to open dashboards.
type LivePublisher interface {
	Publish(ctx context.Context, event websocket.Event) error
}

const liveDeleted = "deleted"

type liveUpdate struct {
	Code        string  `json:"code"`
	Status      Status  `json:"status"`
	OwnerID     *string `json:"ownerId,omitempty"`
	IsEmergency bool    `json:"isEmergency"`
	Version     int     `json:"version"`
	From        Status  `json:"from,omitempty"`
	Actor       string  `json:"actor,omitempty"`
}

// publishLive sends the change to watchers of the incident. Changes that add
// to or take from the pending queue also go to every connected staff member.
func (s *Service) publishLive(ctx context.Context, inc *Incident, kind string, tr Transition) {
	if s.live == nil {
		return
	}
	upd := liveUpdate{
		Code:        inc.Code,
		Status:      inc.Status,
		IsEmergency: inc.IsEmergency,
		Version:     inc.Version,
		From:        tr.From,
	}
	if inc.OwnerID != nil {
		owner := inc.OwnerID.String()
		upd.OwnerID = &owner
	}
	if tr.Changed() {
		upd.Actor = tr.Actor.String()
	}
	data, err := json.Marshal(upd)
	if err != nil {
		s.logger.Error().Err(err).Str("incident_id", inc.ID.String()).Msg("marshal live update")
		return
	}

	topics := []string{websocket.IncidentTopic(inc.ID)}
	if tr.Kind == TransitionCreate || tr.From == StatusPending || inc.Status == StatusPending {
		topics = append(topics, websocket.TopicAllStaff)
	}
	for _, topic := range topics {
		ev := websocket.Event{
			Type:       "incident." + kind,
			Topic:      topic,
			IncidentID: inc.ID.String(),
			Urgent:     inc.IsEmergency,
			Timestamp:  s.now().UTC(),
			Data:       data,
		}
		if err := s.live.Publish(ctx, ev); err != nil {
			s.logger.Warn().Err(err).Str("incident_id", inc.ID.String()).Str("topic", topic).Msg("live update not published")
		}
	}
}
