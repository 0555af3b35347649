package incident

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/schoolhealth/schoolhealth/internal/domain/condition"
	"github.com/schoolhealth/schoolhealth/internal/domain/staff"
	"github.com/schoolhealth/schoolhealth/internal/domain/student"
	"github.com/schoolhealth/schoolhealth/internal/platform/auth"
	"github.com/schoolhealth/schoolhealth/internal/platform/cache"
	"github.com/schoolhealth/schoolhealth/internal/platform/notification"
	"github.com/schoolhealth/schoolhealth/internal/platform/websocket"
)

// -- Mock Repository --

// memRepo applies the same compare-and-swap contract as the SQL guard: an
// update lands only if status, owner and version still match.
type memRepo struct {
	mu        sync.Mutex
	incidents map[uuid.UUID]*Incident
	events    []*Event
	usage     map[uuid.UUID]bool
	creates   int
	misses    int
	// afterLoad runs after GetByID has copied the row, outside the lock.
	afterLoad func()
	// afterList runs once ListStalePending has built its result.
	afterList func()
}

func newMemRepo() *memRepo {
	return &memRepo{incidents: make(map[uuid.UUID]*Incident), usage: make(map[uuid.UUID]bool)}
}

func (m *memRepo) Create(_ context.Context, inc *Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc.ID = uuid.New()
	inc.Version = 1
	inc.CreatedAt = time.Now()
	inc.UpdatedAt = inc.CreatedAt
	cp := *inc
	m.incidents[inc.ID] = &cp
	m.creates++
	return nil
}

func (m *memRepo) GetByID(_ context.Context, id uuid.UUID) (*Incident, error) {
	m.mu.Lock()
	inc, ok := m.incidents[id]
	var cp Incident
	if ok {
		cp = *inc
	}
	m.mu.Unlock()
	if !ok || cp.DeletedAt != nil {
		return nil, ErrNotFound
	}
	if m.afterLoad != nil {
		m.afterLoad()
	}
	return &cp, nil
}

func sameOwner(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (m *memRepo) TryConditionalUpdate(_ context.Context, exp Expectation, next *Incident) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.incidents[exp.ID]
	if !ok || cur.DeletedAt != nil || cur.Status != exp.Status || !sameOwner(cur.OwnerID, exp.OwnerID) || cur.Version != exp.Version {
		m.misses++
		return false, nil
	}
	next.Version = exp.Version + 1
	next.UpdatedAt = time.Now()
	cp := *next
	m.incidents[exp.ID] = &cp
	return true, nil
}

func (m *memRepo) AppendEvent(_ context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = uuid.New()
	cp := *ev
	m.events = append(m.events, &cp)
	return nil
}

func (m *memRepo) History(_ context.Context, id uuid.UUID) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, e := range m.events {
		if e.IncidentID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memRepo) filter(keep func(*Incident) bool) []*Incident {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Incident
	for _, inc := range m.incidents {
		if inc.DeletedAt == nil && keep(inc) {
			cp := *inc
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out
}

func (m *memRepo) ListPending(_ context.Context) ([]*Incident, error) {
	return m.filter(func(i *Incident) bool { return i.Status == StatusPending }), nil
}

func (m *memRepo) ListOpenByOwner(_ context.Context, ownerID uuid.UUID) ([]*Incident, error) {
	return m.filter(func(i *Incident) bool { return i.Status == StatusInProgress && i.OwnedBy(ownerID) }), nil
}

func (m *memRepo) ListStalePending(_ context.Context, cutoff time.Time) ([]*Incident, error) {
	m.mu.Lock()
	flagged := make(map[uuid.UUID]bool)
	for _, e := range m.events {
		if e.Transition == TransitionStalePending {
			flagged[e.IncidentID] = true
		}
	}
	m.mu.Unlock()
	out := m.filter(func(i *Incident) bool {
		return i.Status == StatusPending && i.OccurredAt.Before(cutoff) && !flagged[i.ID]
	})
	if m.afterList != nil {
		m.afterList()
	}
	return out, nil
}

func (m *memRepo) FlagStalePending(_ context.Context, ev *Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[ev.IncidentID]
	if !ok || inc.DeletedAt != nil || inc.Status != StatusPending {
		return false, nil
	}
	for _, e := range m.events {
		if e.IncidentID == ev.IncidentID && e.Transition == TransitionStalePending {
			return false, nil
		}
	}
	ev.ID = uuid.New()
	cp := *ev
	m.events = append(m.events, &cp)
	return true, nil
}

func (m *memRepo) HasUsageHistory(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[id], nil
}

func (m *memRepo) SoftDelete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok || inc.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now()
	inc.DeletedAt = &now
	return nil
}

func (m *memRepo) stored(t *testing.T, id uuid.UUID) Incident {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		t.Fatalf("incident %s not stored", id)
	}
	return *inc
}

func (m *memRepo) eventKinds(id uuid.UUID) []TransitionKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TransitionKind
	for _, e := range m.events {
		if e.IncidentID == id {
			out = append(out, e.Transition)
		}
	}
	return out
}

// -- Mock collaborators --

type passTx struct{}

func (passTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type memConditions map[uuid.UUID]*condition.Condition

func (m memConditions) GetCondition(_ context.Context, id uuid.UUID) (*condition.Condition, error) {
	c, ok := m[id]
	if !ok {
		return nil, condition.ErrNotFound
	}
	return c, nil
}

type memStaff struct {
	mu      sync.Mutex
	members map[uuid.UUID]*staff.Member
}

func (m *memStaff) add(name, role string, active bool) *staff.Member {
	m.mu.Lock()
	defer m.mu.Unlock()
	phone := "+1555" + name
	mem := &staff.Member{ID: uuid.New(), Name: name, Role: role, Active: active, Phone: &phone}
	m.members[mem.ID] = mem
	return mem
}

func (m *memStaff) setActive(id uuid.UUID, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[id].Active = active
}

func (m *memStaff) GetMember(_ context.Context, id uuid.UUID) (*staff.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[id]
	if !ok {
		return nil, staff.ErrNotFound
	}
	cp := *mem
	return &cp, nil
}

func (m *memStaff) ListActive(_ context.Context, roles ...string) ([]*staff.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*staff.Member
	for _, mem := range m.members {
		if !mem.Active {
			continue
		}
		for _, r := range roles {
			if mem.Role == r {
				cp := *mem
				out = append(out, &cp)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type memGuardians struct {
	students  map[uuid.UUID]*student.Student
	guardians map[uuid.UUID][]*student.Guardian
	err       error
}

func (m *memGuardians) GetStudent(_ context.Context, id uuid.UUID) (*student.Student, error) {
	s, ok := m.students[id]
	if !ok {
		return nil, student.ErrNotFound
	}
	return s, nil
}

func (m *memGuardians) Guardians(_ context.Context, id uuid.UUID) ([]*student.Guardian, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.guardians[id], nil
}

type sentMessage struct {
	recipient   notification.Recipient
	payload     notification.Payload
	requiresAck bool
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []sentMessage
	fail map[uuid.UUID]bool
}

func (d *recordingDispatcher) Dispatch(_ context.Context, r notification.Recipient, p notification.Payload, ack bool) notification.DeliveryResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, sentMessage{recipient: r, payload: p, requiresAck: ack})
	if d.fail[r.ID] {
		return notification.DeliveryResult{RecipientID: r.ID, Err: errors.New("unreachable")}
	}
	return notification.DeliveryResult{MessageID: uuid.NewString(), RecipientID: r.ID, Delivered: true}
}

func (d *recordingDispatcher) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = nil
}

func (d *recordingDispatcher) byTemplate(tpl string) []sentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []sentMessage
	for _, s := range d.sent {
		if s.payload.Template == tpl {
			out = append(out, s)
		}
	}
	return out
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

type recordingObserver struct {
	mu     sync.Mutex
	failed []*NotificationDeliveryError
}

func (o *recordingObserver) DeliveryFailed(_ context.Context, err *NotificationDeliveryError) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, err)
}

// memCodes keeps per-day counters in memory.
type memCodes struct {
	mu  sync.Mutex
	seq map[string]int
}

func (g *memCodes) Next(_ context.Context, day time.Time) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := day.Format("2006-01-02")
	g.seq[key]++
	return FormatCode("HI", day, g.seq[key]), nil
}

type recordingLive struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (l *recordingLive) Publish(_ context.Context, ev websocket.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *recordingLive) onTopic(topic string) []websocket.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []websocket.Event
	for _, ev := range l.events {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// -- Fixture --

type fixture struct {
	svc        *Service
	repo       *memRepo
	staff      *memStaff
	guardians  *memGuardians
	conditions memConditions
	sent       *recordingDispatcher
	observer   *recordingObserver
	live       *recordingLive
	cache      *cache.MemoryStore
	clock      *fakeClock

	nurseA, nurseB, nurseC, inactive, supervisor *staff.Member

	studentID, otherStudentID uuid.UUID
	guardian                  *student.Guardian
	allergy, chronic, history *condition.Condition
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		repo:       newMemRepo(),
		staff:      &memStaff{members: make(map[uuid.UUID]*staff.Member)},
		conditions: memConditions{},
		sent:       &recordingDispatcher{fail: make(map[uuid.UUID]bool)},
		observer:   &recordingObserver{},
		live:       &recordingLive{},
		cache:      cache.NewMemoryStore(),
		clock:      &fakeClock{now: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)},
	}
	f.nurseA = f.staff.add("Alice", auth.RoleNurse, true)
	f.nurseB = f.staff.add("Ben", auth.RoleNurse, true)
	f.nurseC = f.staff.add("Cora", auth.RoleNurse, true)
	f.inactive = f.staff.add("Dan", auth.RoleNurse, false)
	f.supervisor = f.staff.add("Sue", auth.RoleSupervisor, true)

	f.studentID, f.otherStudentID = uuid.New(), uuid.New()
	email := "maria@example.com"
	f.guardian = &student.Guardian{ID: uuid.New(), StudentID: f.studentID, Name: "Maria", Email: &email, Primary: true}
	f.guardians = &memGuardians{
		students: map[uuid.UUID]*student.Student{
			f.studentID:      {ID: f.studentID, Name: "Leo"},
			f.otherStudentID: {ID: f.otherStudentID, Name: "Mia"},
		},
		guardians: map[uuid.UUID][]*student.Guardian{f.studentID: {f.guardian}},
	}

	f.allergy = f.addCondition(f.studentID, condition.TypeAllergy)
	f.chronic = f.addCondition(f.studentID, condition.TypeChronicDisease)
	f.history = f.addCondition(f.studentID, condition.TypeMedicalHistory)

	authz, err := auth.NewPolicyAuthorizer(auth.DefaultPolicies())
	if err != nil {
		t.Fatalf("authorizer: %v", err)
	}
	opts = append([]Option{WithClock(f.clock.Now), WithLogger(zerolog.Nop())}, opts...)
	f.svc = NewService(Deps{
		Repo:       f.repo,
		Tx:         passTx{},
		Conditions: f.conditions,
		Staff:      f.staff,
		Guardians:  f.guardians,
		Codes:      &memCodes{seq: make(map[string]int)},
		Authz:      authz,
		Dispatcher: f.sent,
		Cache:      f.cache,
		Observer:   f.observer,
		Live:       f.live,
	}, opts...)
	return f
}

func (f *fixture) addCondition(studentID uuid.UUID, ty condition.Type) *condition.Condition {
	c := &condition.Condition{ID: uuid.New(), StudentID: studentID, Type: ty, Name: string(ty), Active: true}
	f.conditions[c.ID] = c
	return c
}

func actorOf(m *staff.Member) auth.Actor {
	return auth.Actor{ID: m.ID, Name: m.Name, Roles: []string{m.Role}}
}

func (f *fixture) create(t *testing.T, reporter *staff.Member, kind Kind, emergency bool) *Incident {
	t.Helper()
	inc, err := f.svc.Create(context.Background(), actorOf(reporter), CreateRequest{
		StudentID:   f.studentID,
		Kind:        kind,
		IsEmergency: emergency,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return inc
}

// assertInvariants checks both the returned value and the stored row.
func (f *fixture) assertInvariants(t *testing.T, inc *Incident) {
	t.Helper()
	if err := inc.Validate(); err != nil {
		t.Errorf("returned incident: %v", err)
	}
	stored := f.repo.stored(t, inc.ID)
	if err := stored.Validate(); err != nil {
		t.Errorf("stored incident: %v", err)
	}
}
