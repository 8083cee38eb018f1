package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fleetsync.live/internal/core/domain"
	"fleetsync.live/internal/core/logger"
	"fleetsync.live/internal/core/metrics"
	"fleetsync.live/internal/core/ports"
	"fleetsync.live/internal/core/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

var _ ports.SharedStore = (*FleetStore)(nil)

// FleetStore is the shared store: it applies mutations against the fleet
// repository and publishes every resulting entity change on the feed.
type FleetStore struct {
	repo ports.FleetRepository
	feed ports.FeedPubSub
	dead ports.DeadLetterSink

	// mu serializes writes; feed events leave in apply order.
	mu  sync.Mutex
	now func() time.Time
}

func NewFleetStore(repo ports.FleetRepository, feed ports.FeedPubSub) *FleetStore {
	return &FleetStore{
		repo: repo,
		feed: feed,
		now:  time.Now,
	}
}

// WithDeadLetters records rejected mutations in sink.
func (s *FleetStore) WithDeadLetters(sink ports.DeadLetterSink) *FleetStore {
	s.dead = sink
	return s
}

// WithClock replaces the store clock. Tests only.
func (s *FleetStore) WithClock(now func() time.Time) *FleetStore {
	s.now = now
	return s
}

// writeBatch is one apply: the repository it writes through and the feed
// events to publish once the writes are committed.
type writeBatch struct {
	now    int64
	repo   ports.FleetRepository
	events []domain.FeedEvent
}

// stamp returns the next store timestamp for an entity last written at prev.
func (b *writeBatch) stamp(prev int64) int64 {
	if b.now <= prev {
		return prev + 1
	}
	return b.now
}

func (s *FleetStore) saveAgent(ctx context.Context, b *writeBatch, a *domain.Agent) error {
	a.Revision++
	a.UpdatedAt = b.stamp(a.UpdatedAt)
	if err := b.repo.SaveAgent(ctx, a); err != nil {
		return err
	}
	b.events = append(b.events, domain.FeedEvent{
		Entity:    domain.EntityAgent,
		Op:        domain.FeedUpsert,
		ID:        a.ID,
		Revision:  a.Revision,
		AppliedAt: a.UpdatedAt,
		Agent:     a.Clone(),
	})
	return nil
}

func (s *FleetStore) saveStop(ctx context.Context, b *writeBatch, st *domain.Stop) error {
	st.Revision++
	st.UpdatedAt = b.stamp(st.UpdatedAt)
	if err := b.repo.SaveStop(ctx, st); err != nil {
		return err
	}
	cp := *st
	b.events = append(b.events, domain.FeedEvent{
		Entity:    domain.EntityStop,
		Op:        domain.FeedUpsert,
		ID:        st.ID,
		Revision:  st.Revision,
		AppliedAt: st.UpdatedAt,
		Stop:      &cp,
	})
	return nil
}

func (s *FleetStore) saveTrip(ctx context.Context, b *writeBatch, t *domain.TripSummary) error {
	if err := b.repo.SaveTrip(ctx, t); err != nil {
		return err
	}
	b.events = append(b.events, domain.FeedEvent{
		Entity:    domain.EntityTrip,
		Op:        domain.FeedUpsert,
		ID:        t.ID,
		Revision:  int64(len(t.Records)),
		AppliedAt: b.now,
		Trip:      t.Clone(),
	})
	return nil
}

// publish sends the events of a committed batch.
func (s *FleetStore) publish(ctx context.Context, events []domain.FeedEvent) {
	for _, ev := range events {
		if ev.Trip != nil && ev.Trip.Closed() {
			metrics.RecordTripClosed(string(ev.Trip.Status))
		}
		if err := s.feed.PublishFeed(ctx, ev); err != nil {
			logger.WarnContext(ctx, "Failed to publish feed event", "entity", ev.Entity, "id", ev.ID, "error", err)
		}
	}
}

// Apply validates m and applies it. No-op applies succeed with Applied=false
// and a reason.
func (s *FleetStore) Apply(ctx context.Context, m domain.Mutation) (res *domain.ApplyResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "fleet.apply",
		attribute.String("mutation.kind", string(m.Kind)),
		attribute.String("agent.id", m.AgentID),
	)
	defer func() { tracing.End(span, err) }()

	if err = m.Normalize(); err != nil {
		s.reject(ctx, m, err)
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var b *writeBatch
	err = s.repo.Transaction(ctx, func(tx ports.FleetRepository) error {
		b = &writeBatch{now: s.now().UnixMilli(), repo: tx}
		var err error
		switch m.Kind {
		case domain.MutationRegister:
			res, err = s.register(ctx, b, m)
		case domain.MutationPosition:
			res, err = s.position(ctx, b, m)
		case domain.MutationStatus:
			res, err = s.status(ctx, b, m)
		case domain.MutationAssign:
			res, err = s.assign(ctx, b, m)
		case domain.MutationComplete:
			res, err = s.complete(ctx, b, m)
		case domain.MutationDelete:
			res, err = s.delete(ctx, b, m)
		}
		return err
	})
	if err != nil {
		s.reject(ctx, m, err)
		return nil, err
	}
	s.publish(ctx, b.events)

	res.MutationID = m.ID
	if res.Applied {
		metrics.RecordMutation(string(m.Kind), "applied")
	} else {
		metrics.RecordMutation(string(m.Kind), "noop")
		logger.DebugContext(ctx, "Mutation was a no-op", "kind", m.Kind, "agent_id", m.AgentID, "reason", res.Reason)
	}
	return res, nil
}

func (s *FleetStore) reject(ctx context.Context, m domain.Mutation, err error) {
	kind := domain.KindOf(err)
	metrics.RecordMutation(string(m.Kind), string(kind))
	if kind == domain.KindTransient {
		logger.ErrorContext(ctx, "Mutation failed", "kind", m.Kind, "agent_id", m.AgentID, "error", err)
		return
	}
	logger.WarnContext(ctx, "Mutation rejected", "kind", m.Kind, "agent_id", m.AgentID, "error", err)
	if s.dead == nil {
		return
	}
	if dlqErr := s.dead.AddRejected(ctx, m, err.Error()); dlqErr != nil {
		logger.ErrorContext(ctx, "Failed to record rejected mutation", "mutation_id", m.ID, "error", dlqErr)
	}
}

func noop(reason string, a *domain.Agent) *domain.ApplyResult {
	return &domain.ApplyResult{Applied: false, Reason: reason, Agent: a.Clone()}
}

func (s *FleetStore) register(ctx context.Context, b *writeBatch, m domain.Mutation) (*domain.ApplyResult, error) {
	reg := m.Register
	a, err := b.repo.GetAgent(ctx, m.AgentID)
	switch domain.KindOf(err) {
	case domain.KindNone:
		a.Name = reg.Name
	case domain.KindPermanent:
		a = &domain.Agent{
			ID:        m.AgentID,
			Name:      reg.Name,
			Label:     "Starting shift",
			Status:    domain.AgentStatusAvailable,
			CreatedAt: time.UnixMilli(b.now),
		}
	default:
		return nil, err
	}
	if reg.Position != nil {
		a.Position = *reg.Position
	}
	a.LastSeen = b.now
	if err := s.saveAgent(ctx, b, a); err != nil {
		return nil, err
	}
	return &domain.ApplyResult{Applied: true, Agent: a.Clone()}, nil
}

func (s *FleetStore) position(ctx context.Context, b *writeBatch, m domain.Mutation) (*domain.ApplyResult, error) {
	pos := m.Position
	a, err := b.repo.GetAgent(ctx, m.AgentID)
	if err != nil {
		return nil, err
	}
	if pos.SampledAt < a.PositionAt {
		return noop("sample older than stored position", a), nil
	}
	a.Position = pos.Coords
	a.PositionAt = pos.SampledAt
	if pos.Label != "" {
		a.Label = pos.Label
	}
	a.LastSeen = b.now
	if err := s.saveAgent(ctx, b, a); err != nil {
		return nil, err
	}
	return &domain.ApplyResult{Applied: true, Agent: a.Clone()}, nil
}

func (s *FleetStore) status(ctx context.Context, b *writeBatch, m domain.Mutation) (*domain.ApplyResult, error) {
	a, err := b.repo.GetAgent(ctx, m.AgentID)
	if err != nil {
		return nil, err
	}
	t, err := a.Apply(m.Status.Event)
	if err != nil {
		return nil, err
	}
	if t.From == t.To {
		return noop(fmt.Sprintf("already %s", t.To), a), nil
	}
	a.LastSeen = b.now
	if err := s.saveAgent(ctx, b, a); err != nil {
		return nil, err
	}
	return &domain.ApplyResult{Applied: true, Agent: a.Clone()}, nil
}

func (s *FleetStore) assign(ctx context.Context, b *writeBatch, m domain.Mutation) (*domain.ApplyResult, error) {
	a, err := b.repo.GetAgent(ctx, m.AgentID)
	if err != nil {
		return nil, err
	}
	stops, err := b.repo.GetStops(ctx, m.Assign.StopIDs)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(stops))
	for _, st := range stops {
		if !st.Status.Open() {
			return nil, fmt.Errorf("%w: stop %s is already %s", domain.ErrRejected, st.ID, st.Status)
		}
		wanted[st.ID] = struct{}{}
	}

	// release stops dropped from this agent's queue
	for _, old := range a.Route {
		if _, keep := wanted[old.ID]; keep {
			continue
		}
		st, err := b.repo.GetStop(ctx, old.ID)
		if domain.KindOf(err) == domain.KindPermanent {
			continue
		}
		if err != nil {
			return nil, err
		}
		if st.AssignedTo != a.ID || !st.Status.Open() {
			continue
		}
		st.AssignedTo = ""
		st.Status = domain.StopStatusPending
		if err := s.saveStop(ctx, b, st); err != nil {
			return nil, err
		}
	}

	// take stops away from other agents
	touched := make(map[string]*domain.Agent)
	for _, st := range stops {
		if st.AssignedTo == "" || st.AssignedTo == a.ID {
			continue
		}
		other, ok := touched[st.AssignedTo]
		if !ok {
			other, err = b.repo.GetAgent(ctx, st.AssignedTo)
			if domain.KindOf(err) == domain.KindPermanent {
				continue
			}
			if err != nil {
				return nil, err
			}
			touched[other.ID] = other
		}
		q := other.Queue()
		if q.Remove(st.ID) {
			other.SetQueue(q)
		}
	}
	for _, other := range touched {
		if _, err := other.Apply(domain.EventQueueAssigned); err != nil {
			return nil, err
		}
		if err := s.saveAgent(ctx, b, other); err != nil {
			return nil, err
		}
	}

	route := make([]domain.Stop, len(stops))
	for i, st := range stops {
		st.AssignedTo = a.ID
		st.Status = domain.StopStatusPending
		if i == 0 {
			st.Status = domain.StopStatusInProgress
		}
		if err := s.saveStop(ctx, b, st); err != nil {
			return nil, err
		}
		route[i] = *st
	}
	a.Assign(route)
	if err := s.saveAgent(ctx, b, a); err != nil {
		return nil, err
	}
	return &domain.ApplyResult{Applied: true, Agent: a.Clone()}, nil
}

func (s *FleetStore) complete(ctx context.Context, b *writeBatch, m domain.Mutation) (*domain.ApplyResult, error) {
	c := m.Complete
	a, err := b.repo.GetAgent(ctx, m.AgentID)
	if err != nil {
		return nil, err
	}
	st, err := b.repo.GetStop(ctx, c.StopID)
	if err != nil {
		return nil, err
	}
	if !st.Status.Open() {
		return noop(fmt.Sprintf("stop %s already %s", st.ID, st.Status), a), nil
	}
	if !a.Queue().Contains(st.ID) {
		return noop(fmt.Sprintf("stop %s no longer queued for %s", st.ID, a.ID), a), nil
	}

	at := time.UnixMilli(c.At)
	trip, err := s.openTrip(ctx, b, a, at)
	if err != nil {
		return nil, err
	}
	done, err := a.CompleteHead(trip, st.ID, c.Outcome, c.Note, at)
	if err != nil {
		return nil, err
	}
	if !done.Applied {
		return noop("stop not queued", a), nil
	}

	st.Status = done.Stop.Status
	st.AssignedTo = ""
	if err := s.saveStop(ctx, b, st); err != nil {
		return nil, err
	}
	if head, ok := a.Queue().Head(); ok && head.Status != domain.StopStatusInProgress {
		next, err := b.repo.GetStop(ctx, head.ID)
		if err != nil {
			return nil, err
		}
		next.Status = domain.StopStatusInProgress
		if err := s.saveStop(ctx, b, next); err != nil {
			return nil, err
		}
		a.Route[0].Status = domain.StopStatusInProgress
	}
	if err := s.saveTrip(ctx, b, trip); err != nil {
		return nil, err
	}
	a.LastSeen = b.now
	if err := s.saveAgent(ctx, b, a); err != nil {
		return nil, err
	}
	return &domain.ApplyResult{Applied: true, Agent: a.Clone(), Trip: trip.Clone()}, nil
}

// openTrip returns the agent's trip for the day of at, expiring a trip left
// open from an earlier day.
func (s *FleetStore) openTrip(ctx context.Context, b *writeBatch, a *domain.Agent, at time.Time) (*domain.TripSummary, error) {
	trip, err := b.repo.GetOpenTrip(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	day := at.Format(domain.DayLayout)
	if trip != nil && trip.Day < day {
		trip.Expire(at)
		if err := s.saveTrip(ctx, b, trip); err != nil {
			return nil, err
		}
		trip = nil
	}
	if trip == nil {
		trip = domain.NewTripSummary("trip-"+uuid.New().String(), a, at)
	}
	return trip, nil
}

func (s *FleetStore) delete(ctx context.Context, b *writeBatch, m domain.Mutation) (*domain.ApplyResult, error) {
	a, err := b.repo.GetAgent(ctx, m.AgentID)
	if err != nil {
		return nil, err
	}
	for _, queued := range a.Route {
		st, err := b.repo.GetStop(ctx, queued.ID)
		if domain.KindOf(err) == domain.KindPermanent {
			continue
		}
		if err != nil {
			return nil, err
		}
		if st.AssignedTo != a.ID {
			continue
		}
		st.AssignedTo = ""
		st.Status = domain.StopStatusPending
		if err := s.saveStop(ctx, b, st); err != nil {
			return nil, err
		}
	}
	if err := b.repo.DeleteAgent(ctx, a.ID); err != nil {
		return nil, err
	}
	b.events = append(b.events, domain.FeedEvent{
		Entity:    domain.EntityAgent,
		Op:        domain.FeedDelete,
		ID:        a.ID,
		Revision:  a.Revision + 1,
		AppliedAt: b.stamp(a.UpdatedAt),
	})
	return &domain.ApplyResult{Applied: true}, nil
}

func (s *FleetStore) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	return s.repo.GetAgent(ctx, id)
}

func (s *FleetStore) FindAgentByName(ctx context.Context, name string) (*domain.Agent, error) {
	return s.repo.GetAgentByName(ctx, name)
}

func (s *FleetStore) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	return s.repo.ListAgents(ctx)
}

// ActiveAgents is the roster projected through the visibility filter.
func (s *FleetStore) ActiveAgents(ctx context.Context, threshold time.Duration) ([]*domain.Agent, error) {
	agents, err := s.repo.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	return VisibleAgents(agents, s.now(), threshold), nil
}

func (s *FleetStore) ListStops(ctx context.Context) ([]*domain.Stop, error) {
	return s.repo.ListStops(ctx)
}

func (s *FleetStore) GetStop(ctx context.Context, id string) (*domain.Stop, error) {
	return s.repo.GetStop(ctx, id)
}

// CreateStop adds a stop to the catalog. Existing ids are rejected.
func (s *FleetStore) CreateStop(ctx context.Context, st *domain.Stop) (*domain.Stop, error) {
	if st.ID == "" {
		st.ID = "stop-" + uuid.New().String()
	}
	if st.Name == "" || !st.Coords.Valid() {
		return nil, fmt.Errorf("%w: stop needs a name and valid coordinates", domain.ErrPreconditionFailed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.repo.GetStop(ctx, st.ID); err == nil {
		return nil, fmt.Errorf("%w: stop %s exists", domain.ErrRejected, st.ID)
	} else if domain.KindOf(err) != domain.KindPermanent {
		return nil, err
	}
	b := &writeBatch{now: s.now().UnixMilli(), repo: s.repo}
	st.Status = domain.StopStatusPending
	st.AssignedTo = ""
	st.Revision = 0
	st.CreatedAt = time.UnixMilli(b.now)
	err := s.saveStop(ctx, b, st)
	s.publish(ctx, b.events)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// SeedCatalog loads stops into an empty catalog. It reports how many were
// written.
func (s *FleetStore) SeedCatalog(ctx context.Context, stops []domain.Stop) (int, error) {
	n, err := s.repo.CountStops(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}
	for i := range stops {
		st := stops[i]
		if _, err := s.CreateStop(ctx, &st); err != nil {
			return i, fmt.Errorf("seed stop %s: %w", st.ID, err)
		}
	}
	logger.Info("Seeded stop catalog", "stops", len(stops))
	return len(stops), nil
}

func (s *FleetStore) Snapshot(ctx context.Context) (*domain.Snapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "fleet.snapshot")
	var err error
	defer func() { tracing.End(span, err) }()

	agents, err := s.repo.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	stops, err := s.repo.ListStops(ctx)
	if err != nil {
		return nil, err
	}
	snap := &domain.Snapshot{Agents: agents, Stops: stops}
	snap.SortByID()
	return snap, nil
}

func (s *FleetStore) Subscribe(ctx context.Context) (<-chan domain.FeedEvent, error) {
	return s.feed.SubscribeFeed(ctx)
}

// PaginatedTrips represents a page of trip summaries.
type PaginatedTrips struct {
	Trips   []*domain.TripSummary `json:"trips"`
	Offset  int                   `json:"offset"`
	Limit   int                   `json:"limit"`
	HasMore bool                  `json:"has_more"`
}

// ListTrips pages through one agent's trips, newest first.
func (s *FleetStore) ListTrips(ctx context.Context, agentID string, offset, limit int) (*PaginatedTrips, error) {
	return pageTrips(offset, limit, func(offset, limit int) ([]*domain.TripSummary, error) {
		return s.repo.ListTripsByAgent(ctx, agentID, offset, limit)
	})
}

// ListAllTrips pages through the trips of every agent, newest first.
func (s *FleetStore) ListAllTrips(ctx context.Context, offset, limit int) (*PaginatedTrips, error) {
	return pageTrips(offset, limit, func(offset, limit int) ([]*domain.TripSummary, error) {
		return s.repo.ListTrips(ctx, offset, limit)
	})
}

func pageTrips(offset, limit int, list func(offset, limit int) ([]*domain.TripSummary, error)) (*PaginatedTrips, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	// one extra row tells whether another page exists
	trips, err := list(offset, limit+1)
	if err != nil {
		return nil, err
	}
	more := len(trips) > limit
	if more {
		trips = trips[:limit]
	}
	return &PaginatedTrips{Trips: trips, Offset: offset, Limit: limit, HasMore: more}, nil
}

// ExpireTrips closes every trip still open from a day before now as partial.
func (s *FleetStore) ExpireTrips(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	trips, err := s.repo.ListOpenTripsBefore(ctx, now.Format(domain.DayLayout))
	if err != nil {
		return 0, err
	}
	b := &writeBatch{now: now.UnixMilli(), repo: s.repo}
	closed := 0
	for _, t := range trips {
		if !t.Expire(now) {
			continue
		}
		if err := s.saveTrip(ctx, b, t); err != nil {
			s.publish(ctx, b.events)
			return closed, err
		}
		closed++
	}
	s.publish(ctx, b.events)
	return closed, nil
}
