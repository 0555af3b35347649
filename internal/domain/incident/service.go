package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/schoolhealth/schoolhealth/internal/domain/staff"
	"github.com/schoolhealth/schoolhealth/internal/domain/student"
	"github.com/schoolhealth/schoolhealth/internal/platform/auth"
)

// errGuardMiss aborts a transaction whose conditional update matched no row.
var errGuardMiss = errors.New("conditional update matched no row")

// Deps are the collaborators a Service needs.
type Deps struct {
	Repo       Repository
	Tx         TxRunner
	Conditions ConditionRegistry
	Staff      StaffDirectory
	Guardians  GuardianDirectory
	Codes      CodeGenerator
	Authz      Authorizer
	Dispatcher Dispatcher
	Cache      Cache
	Observer   Observer
	// Live is optional; without it dashboards only see notifications.
	Live       LivePublisher
}

type Service struct {
	repo       Repository
	tx         TxRunner
	classifier *Classifier
	staff      StaffDirectory
	guardians  GuardianDirectory
	codes      CodeGenerator
	authz      Authorizer
	reader     *CachedReader
	fanout     *Fanout
	live       LivePublisher
	logger     zerolog.Logger
	now        func() time.Time

	maxAttempts   int
	cacheTTL      time.Duration
	async         bool
	notifyTimeout time.Duration
	pending       sync.WaitGroup
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithMaxAttempts bounds how often a guarded update is retried after losing
// to a concurrent writer.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithCacheTTL(ttl time.Duration) Option { return func(s *Service) { s.cacheTTL = ttl } }

// WithAsyncNotify sends notifications in the background after the response
// has been produced. Each fan-out gets its own timeout.
func WithAsyncNotify(timeout time.Duration) Option {
	return func(s *Service) {
		s.async = true
		s.notifyTimeout = timeout
	}
}

func NewService(d Deps, opts ...Option) *Service {
	s := &Service{
		repo:        d.Repo,
		tx:          d.Tx,
		classifier:  NewClassifier(d.Conditions),
		staff:       d.Staff,
		guardians:   d.Guardians,
		codes:       d.Codes,
		authz:       d.Authz,
		live:        d.Live,
		logger:      zerolog.Nop(),
		now:         time.Now,
		maxAttempts: 3,
		cacheTTL:    time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reader = NewCachedReader(d.Repo, d.Cache, s.cacheTTL, s.logger)
	s.fanout = NewFanout(d.Staff, d.Guardians, d.Dispatcher, d.Observer, s.logger)
	s.fanout.now = s.now
	return s
}

func (s *Service) authorize(ctx context.Context, actor auth.Actor, act string) error {
	ok, err := s.authz.Can(ctx, actor, auth.ObjectIncident, act)
	if err != nil {
		return fmt.Errorf("check permission: %w", err)
	}
	if !ok {
		return &PermissionError{ActorID: actor.ID, Action: act + " incidents"}
	}
	return nil
}

func (s *Service) isSupervisor(ctx context.Context, actor auth.Actor) (bool, error) {
	ok, err := s.authz.HasSupervisorPrivilege(ctx, actor)
	if err != nil {
		return false, fmt.Errorf("check supervisor privilege: %w", err)
	}
	return ok, nil
}

// Create classifies and stores a newly reported incident.
func (s *Service) Create(ctx context.Context, actor auth.Actor, req CreateRequest) (*Incident, error) {
	if err := s.authorize(ctx, actor, auth.ActionRespond); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	inc, tr, err := s.classifier.Classify(ctx, req, actor.ID, now)
	if err != nil {
		return nil, err
	}
	if _, err := s.guardians.GetStudent(ctx, req.StudentID); err != nil {
		if errors.Is(err, student.ErrNotFound) {
			return nil, fmt.Errorf("%w: student %s does not exist", ErrInvalid, req.StudentID)
		}
		return nil, fmt.Errorf("load student: %w", err)
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		code, err := s.codes.Next(ctx, now)
		if err != nil {
			return fmt.Errorf("allocate incident code: %w", err)
		}
		inc.Code = code
		if err := s.repo.Create(ctx, &inc); err != nil {
			return fmt.Errorf("create incident: %w", err)
		}
		return s.repo.AppendEvent(ctx, eventFor(&inc, tr, now))
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("incident_id", inc.ID.String()).
		Str("code", inc.Code).
		Str("kind", string(inc.Kind)).
		Bool("emergency", inc.IsEmergency).
		Str("status", string(inc.Status)).
		Msg("incident reported")
	s.afterCommit(ctx, &inc, tr, nil)
	return &inc, nil
}

func eventFor(inc *Incident, tr Transition, now time.Time) *Event {
	ev := &Event{
		IncidentID: inc.ID,
		Transition: tr.Kind,
		ToStatus:   inc.Status,
		ActorID:    tr.Actor,
		OwnerID:    inc.OwnerID,
		CreatedAt:  now,
	}
	if tr.Kind != TransitionCreate {
		from := tr.From
		ev.FromStatus = &from
	}
	if tr.Note != "" {
		note := tr.Note
		ev.Note = &note
	}
	return ev
}

type step func(cur Incident, now time.Time) (Incident, Transition, error)

// mutate applies fn to the stored incident under the ownership guard. When
// the conditional update loses to a concurrent writer the incident is
// reloaded and fn re-evaluated, so a lost claim surfaces as the
// state-machine error for the new state.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, fn step) (*Incident, error) {
	for attempt := 1; ; attempt++ {
		var (
			next      Incident
			tr        Transition
			prevOwner *uuid.UUID
		)
		err := s.tx.InTx(ctx, func(ctx context.Context) error {
			cur, err := s.repo.GetByID(ctx, id)
			if err != nil {
				return err
			}
			now := s.now().UTC()
			next, tr, err = fn(*cur, now)
			if err != nil {
				return err
			}
			if !tr.Changed() {
				return nil
			}
			ok, err := s.repo.TryConditionalUpdate(ctx, expectationOf(cur), &next)
			if err != nil {
				return fmt.Errorf("update incident %s: %w", cur.Code, err)
			}
			if !ok {
				return errGuardMiss
			}
			prevOwner = cur.OwnerID
			return s.repo.AppendEvent(ctx, eventFor(&next, tr, now))
		})
		if errors.Is(err, errGuardMiss) {
			if attempt >= s.maxAttempts {
				return nil, fmt.Errorf("%w: incident %s, gave up after %d attempts", ErrConflict, id, attempt)
			}
			s.logger.Debug().Str("incident_id", id.String()).Int("attempt", attempt).Msg("guarded update lost, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}
		if tr.Changed() {
			s.logger.Info().
				Str("incident_id", next.ID.String()).
				Str("code", next.Code).
				Str("transition", string(tr.Kind)).
				Str("actor", tr.Actor.String()).
				Str("status", string(next.Status)).
				Msg("incident transition")
			s.afterCommit(ctx, &next, tr, prevOwner)
		}
		return &next, nil
	}
}

// afterCommit runs once the transition is durable: invalidate reads, then
// notify. Neither step can undo the transition.
func (s *Service) afterCommit(ctx context.Context, inc *Incident, tr Transition, prevOwner *uuid.UUID) {
	s.reader.Invalidate(ctx, inc, prevOwner)
	s.publishLive(ctx, inc, string(tr.Kind), tr)
	if len(tr.Intents) == 0 {
		return
	}
	if !s.async {
		s.fanout.Emit(ctx, inc, tr)
		return
	}

	snapshot := *inc
	bg := context.WithoutCancel(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		nctx, cancel := context.WithTimeout(bg, s.notifyTimeout)
		defer cancel()
		s.fanout.Emit(nctx, &snapshot, tr)
	}()
}

// Wait blocks until background notifications have finished.
func (s *Service) Wait() { s.pending.Wait() }

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Incident, error) {
	return s.reader.Get(ctx, id)
}

func (s *Service) ListPending(ctx context.Context) ([]*Incident, error) {
	return s.reader.Pending(ctx)
}

func (s *Service) ListOpenByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Incident, error) {
	return s.reader.OpenByOwner(ctx, ownerID)
}

func (s *Service) History(ctx context.Context, id uuid.UUID) ([]*Event, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.History(ctx, id)
}

// SelfAssign claims a pending incident for the calling staff member.
func (s *Service) SelfAssign(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Incident, error) {
	if err := s.authorize(ctx, actor, auth.ActionRespond); err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, func(cur Incident, now time.Time) (Incident, Transition, error) {
		return SelfAssign(cur, actor.ID, now)
	})
}

// SupervisorAssign dispatches an incident to assignee, overriding any owner.
func (s *Service) SupervisorAssign(ctx context.Context, actor auth.Actor, id, assignee uuid.UUID) (*Incident, error) {
	ok, err := s.isSupervisor(ctx, actor)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &PermissionError{ActorID: actor.ID, Action: "assign incidents to other staff"}
	}
	m, err := s.staff.GetMember(ctx, assignee)
	if errors.Is(err, staff.ErrNotFound) || (err == nil && !m.Active) {
		return nil, fmt.Errorf("%w: %s is not an active staff member", ErrInvalid, assignee)
	}
	if err != nil {
		return nil, fmt.Errorf("load assignee: %w", err)
	}
	return s.mutate(ctx, id, func(cur Incident, now time.Time) (Incident, Transition, error) {
		return SupervisorAssign(cur, assignee, actor.ID, now)
	})
}

// Complete records the outcome of an incident handled by the caller.
func (s *Service) Complete(ctx context.Context, actor auth.Actor, id uuid.UUID, actionTaken, outcome string) (*Incident, error) {
	return s.mutate(ctx, id, func(cur Incident, now time.Time) (Incident, Transition, error) {
		return Complete(cur, actor.ID, actionTaken, outcome, now)
	})
}

func (s *Service) ReviseEmergencyFlag(ctx context.Context, actor auth.Actor, id uuid.UUID, emergency bool) (*Incident, error) {
	if err := s.authorize(ctx, actor, auth.ActionRespond); err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, func(cur Incident, now time.Time) (Incident, Transition, error) {
		return ReviseEmergencyFlag(cur, emergency, actor.ID, now)
	})
}

// Cancel is open to the owner, to the reporter while the incident is still
// pending, and to supervisors.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, id uuid.UUID, reason string) (*Incident, error) {
	supervisor, err := s.isSupervisor(ctx, actor)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, func(cur Incident, now time.Time) (Incident, Transition, error) {
		allowed := supervisor || cur.OwnedBy(actor.ID) ||
			(cur.Status == StatusPending && cur.ReportedBy == actor.ID)
		if !allowed && !cur.Status.Terminal() {
			return cur, Transition{}, &PermissionError{ActorID: actor.ID, Action: "cancel incident " + cur.Code}
		}
		return Cancel(cur, actor.ID, reason, now)
	})
}

// Delete soft-deletes an incident. Incidents referenced by medication or
// supply usage are kept.
func (s *Service) Delete(ctx context.Context, actor auth.Actor, id uuid.UUID) error {
	ok, err := s.isSupervisor(ctx, actor)
	if err != nil {
		return err
	}
	if !ok {
		return &PermissionError{ActorID: actor.ID, Action: "delete incidents"}
	}

	var deleted *Incident
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		inc, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		used, err := s.repo.HasUsageHistory(ctx, id)
		if err != nil {
			return fmt.Errorf("check usage history: %w", err)
		}
		if used {
			return fmt.Errorf("%w: %s cannot be deleted", ErrUsageHistory, inc.Code)
		}
		if err := s.repo.SoftDelete(ctx, id); err != nil {
			return err
		}
		deleted = inc
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("incident_id", id.String()).Str("code", deleted.Code).Str("actor", actor.ID.String()).Msg("incident deleted")
	s.reader.Invalidate(ctx, deleted, deleted.OwnerID)
	s.publishLive(ctx, deleted, liveDeleted, Transition{From: deleted.Status})
	return nil
}

// SweepStalePending alerts supervisors about incidents that have waited in
// the queue longer than after. Each incident is flagged once.
func (s *Service) SweepStalePending(ctx context.Context, after time.Duration) (int, error) {
	now := s.now().UTC()
	stale, err := s.repo.ListStalePending(ctx, now.Add(-after))
	if err != nil {
		return 0, fmt.Errorf("list stale incidents: %w", err)
	}

	flagged := 0
	var errs []string
	for _, inc := range stale {
		tr := stalePending(inc, now)
		var ok bool
		err := s.tx.InTx(ctx, func(ctx context.Context) error {
			var err error
			ok, err = s.repo.FlagStalePending(ctx, eventFor(inc, tr, now))
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", inc.Code, err))
			continue
		}
		if !ok {
			s.logger.Debug().Str("incident_id", inc.ID.String()).Msg("incident left the queue before it was flagged")
			continue
		}
		flagged++
		s.afterCommit(ctx, inc, tr, inc.OwnerID)
	}
	if len(errs) > 0 {
		return flagged, fmt.Errorf("flag stale incidents: %s", strings.Join(errs, "; "))
	}
	return flagged, nil
}
