package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fleetsync.live/internal/core/domain"
	"fleetsync.live/internal/core/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recordingSink) AddRejected(_ context.Context, m domain.Mutation, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, string(m.Kind)+": "+reason)
	return nil
}

// tripFailures fails the next n trip writes, inside transactions too.
type tripFailures struct {
	ports.FleetRepository
	n *atomic.Int32
}

func (r tripFailures) SaveTrip(ctx context.Context, t *domain.TripSummary) error {
	if r.n.Add(-1) >= 0 {
		return fmt.Errorf("%w: connection reset", domain.ErrUnreachable)
	}
	return r.FleetRepository.SaveTrip(ctx, t)
}

func (r tripFailures) Transaction(ctx context.Context, fn func(tx ports.FleetRepository) error) error {
	return r.FleetRepository.Transaction(ctx, func(tx ports.FleetRepository) error {
		return fn(tripFailures{FleetRepository: tx, n: r.n})
	})
}

func completeMutation(agentID, stopID string, outcome domain.Outcome) domain.Mutation {
	return domain.Mutation{
		ID:      "complete-" + stopID,
		Kind:    domain.MutationComplete,
		AgentID: agentID,
		Complete: &domain.CompletePayload{
			StopID:  stopID,
			Outcome: outcome,
			At:      time.Now().UnixMilli(),
		},
	}
}

func TestFleetStore_RegisterIsIdempotentByID(t *testing.T) {
	f := newFixture(t)
	a := f.register(t, "Ana")
	again := f.register(t, "Ana")
	assert.Equal(t, a.ID, again.ID)
	assert.Greater(t, again.Revision, a.Revision)

	found, err := f.store.FindAgentByName(f.ctx, "Ana")
	require.NoError(t, err)
	assert.Equal(t, a.ID, found.ID)

	_, err = f.store.FindAgentByName(f.ctx, "Bruno")
	assert.ErrorIs(t, err, domain.ErrRejected)
}

func TestFleetStore_PositionRules(t *testing.T) {
	f := newFixture(t)
	a := f.register(t, "Ana")

	_, err := f.store.Apply(f.ctx, positionAt("agent-unknown", "p0", 10))
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)

	res, err := f.store.Apply(f.ctx, positionAt(a.ID, "p1", 2000))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(2000), res.Agent.PositionAt)

	res, err = f.store.Apply(f.ctx, positionAt(a.ID, "p2", 1000))
	require.NoError(t, err)
	assert.False(t, res.Applied, "older sample must not overwrite a newer one")

	bad := positionAt(a.ID, "p3", 3000)
	bad.Position.Coords.Lat = 123
	_, err = f.store.Apply(f.ctx, bad)
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
}

func TestFleetStore_AssignMovesStopsBetweenAgents(t *testing.T) {
	f := newFixture(t, "stop-1", "stop-2", "stop-3")
	ana := f.register(t, "Ana")
	bruno := f.register(t, "Bruno")

	f.assign(t, ana.ID, "stop-1", "stop-2")
	res := f.assign(t, bruno.ID, "stop-2")
	assert.Equal(t, []string{"stop-2"}, routeIDs(res.Agent))

	anaNow, err := f.store.GetAgent(f.ctx, ana.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"stop-1"}, routeIDs(anaNow))
	assert.Equal(t, domain.AgentStatusEnRoute, anaNow.Status)

	stop2, err := f.store.GetStop(f.ctx, "stop-2")
	require.NoError(t, err)
	assert.Equal(t, bruno.ID, stop2.AssignedTo)

	// full replace releases dropped stops
	f.assign(t, ana.ID, "stop-3")
	stop1, err := f.store.GetStop(f.ctx, "stop-1")
	require.NoError(t, err)
	assert.Empty(t, stop1.AssignedTo)
	assert.Equal(t, domain.StopStatusPending, stop1.Status)

	// empty assignment frees the agent
	res = f.assign(t, ana.ID)
	assert.Empty(t, res.Agent.Route)
	assert.Equal(t, domain.AgentStatusAvailable, res.Agent.Status)

	_, err = f.store.Apply(f.ctx, domain.Mutation{
		ID: "bad", Kind: domain.MutationAssign, AgentID: ana.ID,
		Assign: &domain.AssignPayload{StopIDs: []string{"stop-404"}},
	})
	assert.ErrorIs(t, err, domain.ErrStopNotFound)
}

func TestFleetStore_CompletionRules(t *testing.T) {
	f := newFixture(t, "stop-1", "stop-2", "stop-3")
	sink := &recordingSink{}
	f.store.WithDeadLetters(sink)
	a := f.register(t, "Ana")
	f.assign(t, a.ID, "stop-1", "stop-2")

	// not the head
	_, err := f.store.Apply(f.ctx, completeMutation(a.ID, "stop-2", domain.OutcomeDelivered))
	assert.ErrorIs(t, err, domain.ErrStaleCompletion)
	assert.Len(t, sink.reasons, 1)

	// never queued for this agent
	res, err := f.store.Apply(f.ctx, completeMutation(a.ID, "stop-3", domain.OutcomeDelivered))
	require.NoError(t, err)
	assert.False(t, res.Applied)

	res, err = f.store.Apply(f.ctx, completeMutation(a.ID, "stop-1", domain.OutcomeDelivered))
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.NotNil(t, res.Trip)
	assert.Equal(t, 1, res.Trip.Delivered)

	// reassigned away while the completion was in flight
	f.assign(t, a.ID, "stop-3")
	res, err = f.store.Apply(f.ctx, completeMutation(a.ID, "stop-2", domain.OutcomeFailed))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, []string{"stop-3"}, routeIDs(res.Agent))
}

func TestFleetStore_FailedCompletionLeavesNoPartialWrites(t *testing.T) {
	f := newFixture(t, "stop-1", "stop-2")
	a := f.register(t, "Ana")
	f.assign(t, a.ID, "stop-1", "stop-2")

	failures := &atomic.Int32{}
	failures.Store(1)
	store := NewFleetStore(tripFailures{FleetRepository: f.repo, n: failures}, f.bus)
	feed, err := store.Subscribe(f.ctx)
	require.NoError(t, err)

	m := completeMutation(a.ID, "stop-1", domain.OutcomeDelivered)
	_, err = store.Apply(f.ctx, m)
	require.Error(t, err)
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))

	stop, err := store.GetStop(f.ctx, "stop-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StopStatusInProgress, stop.Status, "stop write rolled back")
	assert.Equal(t, a.ID, stop.AssignedTo)
	select {
	case ev := <-feed:
		t.Fatalf("feed carried %s %s from a failed apply", ev.Entity, ev.ID)
	default:
	}

	res, err := store.Apply(f.ctx, m)
	require.NoError(t, err)
	require.True(t, res.Applied, "replay applies the completion")
	assert.Equal(t, []string{"stop-2"}, routeIDs(res.Agent))

	page, err := store.ListTrips(f.ctx, a.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Trips, 1)
	require.Len(t, page.Trips[0].Records, 1)
	assert.Equal(t, "stop-1", page.Trips[0].Records[0].StopID)
}

func TestFleetStore_ConcurrentCompletionClosesTripOnce(t *testing.T) {
	f := newFixture(t, "stop-1")
	a := f.register(t, "Ana")
	f.assign(t, a.ID, "stop-1")

	var wg sync.WaitGroup
	results := make([]*domain.ApplyResult, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.store.Apply(f.ctx, completeMutation(a.ID, "stop-1", domain.OutcomeDelivered))
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].Applied {
			applied++
		}
	}
	assert.Equal(t, 1, applied)

	page, err := f.store.ListTrips(f.ctx, a.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Trips, 1)
	assert.Equal(t, domain.TripStatusCompleted, page.Trips[0].Status)
	assert.Len(t, page.Trips[0].Records, 1)
}

func TestFleetStore_StatusAndDelete(t *testing.T) {
	f := newFixture(t, "stop-1")
	a := f.register(t, "Ana")
	f.assign(t, a.ID, "stop-1")

	status := func(ev domain.AgentEvent) (*domain.ApplyResult, error) {
		return f.store.Apply(f.ctx, domain.Mutation{
			ID: string(ev), Kind: domain.MutationStatus, AgentID: a.ID,
			Status: &domain.StatusPayload{Event: ev},
		})
	}

	res, err := status(domain.EventDistress)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusEmergency, res.Agent.Status)

	_, err = status(domain.EventBreakStarted)
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)

	res, err = status(domain.EventEmergencyCleared)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusEnRoute, res.Agent.Status)

	_, err = status(domain.EventHeadCompleted)
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed, "derived events are not pushable")

	_, err = f.store.Apply(f.ctx, domain.Mutation{ID: "del", Kind: domain.MutationDelete, AgentID: a.ID})
	require.NoError(t, err)
	_, err = f.store.GetAgent(f.ctx, a.ID)
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
	stop, err := f.store.GetStop(f.ctx, "stop-1")
	require.NoError(t, err)
	assert.Empty(t, stop.AssignedTo)
}

func TestFleetStore_FeedCarriesRevisionsInOrder(t *testing.T) {
	f := newFixture(t)
	feed, err := f.store.Subscribe(f.ctx)
	require.NoError(t, err)

	a := f.register(t, "Ana")
	for i := int64(1); i <= 5; i++ {
		_, err := f.store.Apply(f.ctx, positionAt(a.ID, "p", 1000*i))
		require.NoError(t, err)
	}

	var last int64
	for i := 0; i < 6; i++ {
		select {
		case ev := <-feed:
			require.Equal(t, domain.EntityAgent, ev.Entity)
			assert.Greater(t, ev.Revision, last)
			last = ev.Revision
		case <-time.After(time.Second):
			t.Fatal("feed event missing")
		}
	}
}

func TestFleetStore_ExpireTripsAndSeed(t *testing.T) {
	f := newFixture(t, "stop-1", "stop-2")
	a := f.register(t, "Ana")
	f.assign(t, a.ID, "stop-1", "stop-2")
	_, err := f.store.Apply(f.ctx, completeMutation(a.ID, "stop-1", domain.OutcomeDelivered))
	require.NoError(t, err)

	f.store.WithClock(func() time.Time { return time.Now().Add(48 * time.Hour) })
	closed, err := f.store.ExpireTrips(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	page, err := f.store.ListTrips(f.ctx, a.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Trips, 1)
	assert.Equal(t, domain.TripStatusPartial, page.Trips[0].Status)

	n, err := f.store.SeedCatalog(f.ctx, DefaultCatalog())
	require.NoError(t, err)
	assert.Zero(t, n, "catalog is only seeded into an empty store")
}
