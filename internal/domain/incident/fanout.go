package incident

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/schoolhealth/schoolhealth/internal/domain/staff"
	"github.com/schoolhealth/schoolhealth/internal/domain/student"
	"github.com/schoolhealth/schoolhealth/internal/platform/auth"
	"github.com/schoolhealth/schoolhealth/internal/platform/notification"
)

// Fanout turns a transition's intents into one dispatch per recipient.
// Recipients are looked up when the notification is sent, so staff who were
// deactivated after the incident was reported are skipped.
type Fanout struct {
	staff      StaffDirectory
	guardians  GuardianDirectory
	dispatcher Dispatcher
	observer   Observer
	logger     zerolog.Logger
	now        func() time.Time
}

func NewFanout(staffDir StaffDirectory, guardians GuardianDirectory, dispatcher Dispatcher, observer Observer, logger zerolog.Logger) *Fanout {
	if observer == nil {
		observer = LogObserver{Logger: logger}
	}
	return &Fanout{
		staff:      staffDir,
		guardians:  guardians,
		dispatcher: dispatcher,
		observer:   observer,
		logger:     logger,
		now:        time.Now,
	}
}

type target struct {
	recipient notification.Recipient
	intent    Intent
}

// Emit sends every intent of tr for inc. Failures are reported to the
// observer and never returned.
func (f *Fanout) Emit(ctx context.Context, inc *Incident, tr Transition) []notification.DeliveryResult {
	if len(tr.Intents) == 0 {
		return nil
	}
	data := f.templateData(ctx, inc, tr)

	var targets []target
	for _, intent := range tr.Intents {
		recipients, err := f.resolve(ctx, inc, intent)
		if err != nil {
			f.logger.Error().Err(err).
				Str("incident_id", inc.ID.String()).
				Str("transition", string(tr.Kind)).
				Str("audience", string(intent.Audience)).
				Msg("resolve notification recipients")
			continue
		}
		for _, r := range recipients {
			targets = append(targets, target{recipient: r, intent: intent})
		}
	}

	results := make([]notification.DeliveryResult, 0, len(targets))
	for _, t := range targets {
		res := f.dispatcher.Dispatch(ctx, t.recipient, notification.Payload{
			IncidentID:   inc.ID,
			IncidentCode: inc.Code,
			Template:     t.intent.Template,
			Urgent:       t.intent.Urgent,
			Data:         data,
		}, t.intent.RequiresAck)
		if !res.Delivered {
			f.observer.DeliveryFailed(ctx, &NotificationDeliveryError{
				IncidentID:  inc.ID,
				Transition:  tr.Kind,
				RecipientID: t.recipient.ID,
				Channel:     res.Channel,
				Err:         res.Err,
			})
		}
		results = append(results, res)
	}
	return results
}

func (f *Fanout) resolve(ctx context.Context, inc *Incident, intent Intent) ([]notification.Recipient, error) {
	switch intent.Audience {
	case AudienceGuardian:
		gs, err := f.guardians.Guardians(ctx, inc.StudentID)
		if err != nil {
			return nil, fmt.Errorf("guardians of %s: %w", inc.StudentID, err)
		}
		g := student.PrimaryGuardian(gs)
		if g == nil {
			f.logger.Warn().Str("incident_id", inc.ID.String()).Str("student_id", inc.StudentID.String()).
				Msg("no guardian on file")
			return nil, nil
		}
		return []notification.Recipient{g.Recipient()}, nil

	case AudiencePeerStaff:
		members, err := f.staff.ListActive(ctx, auth.RoleNurse, auth.RoleSupervisor)
		if err != nil {
			return nil, fmt.Errorf("active staff: %w", err)
		}
		return recipientsExcept(members, intent.Exclude), nil

	case AudienceSupervisors:
		members, err := f.staff.ListActive(ctx, auth.RoleSupervisor, auth.RoleAdmin)
		if err != nil {
			return nil, fmt.Errorf("active supervisors: %w", err)
		}
		return recipientsExcept(members, intent.Exclude), nil

	case AudienceAssignee:
		if intent.Target == nil {
			return nil, nil
		}
		m, err := f.staff.GetMember(ctx, *intent.Target)
		if err != nil {
			return nil, fmt.Errorf("assignee %s: %w", intent.Target, err)
		}
		if !m.Active {
			return nil, nil
		}
		return []notification.Recipient{m.Recipient()}, nil
	}
	return nil, fmt.Errorf("unknown audience %q", intent.Audience)
}

func recipientsExcept(members []*staff.Member, exclude []uuid.UUID) []notification.Recipient {
	skip := make(map[uuid.UUID]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	out := make([]notification.Recipient, 0, len(members))
	for _, m := range members {
		if !m.Active || skip[m.ID] {
			continue
		}
		out = append(out, m.Recipient())
	}
	return out
}

// templateData fills the placeholders shared by all notification templates.
// Lookup failures leave a readable fallback rather than aborting the send.
func (f *Fanout) templateData(ctx context.Context, inc *Incident, tr Transition) map[string]string {
	data := map[string]string{
		"kind":         string(inc.Kind),
		"student_name": "a student",
		"actor_name":   "A staff member",
		"owner_name":   "A staff member",
	}
	if s, err := f.guardians.GetStudent(ctx, inc.StudentID); err == nil {
		data["student_name"] = s.Name
	}
	if tr.Actor != uuid.Nil {
		if m, err := f.staff.GetMember(ctx, tr.Actor); err == nil {
			data["actor_name"] = m.Name
		}
	}
	if inc.OwnerID != nil {
		if *inc.OwnerID == tr.Actor {
			data["owner_name"] = data["actor_name"]
		} else if m, err := f.staff.GetMember(ctx, *inc.OwnerID); err == nil {
			data["owner_name"] = m.Name
		}
	}
	if inc.Outcome != nil {
		data["outcome"] = *inc.Outcome
	}
	if inc.CancelReason != nil {
		data["reason"] = *inc.CancelReason
	}
	if tr.Kind == TransitionStalePending {
		data["waiting"] = f.now().Sub(inc.OccurredAt).Round(time.Minute).String()
	}
	return data
}

// LogObserver writes delivery failures to the log.
type LogObserver struct {
	Logger zerolog.Logger
}

func (o LogObserver) DeliveryFailed(_ context.Context, err *NotificationDeliveryError) {
	o.Logger.Warn().Err(err.Err).
		Str("incident_id", err.IncidentID.String()).
		Str("transition", string(err.Transition)).
		Str("recipient", err.RecipientID.String()).
		Str("channel", string(err.Channel)).
		Msg("notification not delivered")
}
