package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"fleetsync.live/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedStore answers Apply with a fixed error and serves a settable
// snapshot; Subscribe never delivers.
type scriptedStore struct {
	mu       sync.Mutex
	applyErr error
	snap     *domain.Snapshot
	snapErr  error
	calls    int
}

func (s *scriptedStore) Apply(_ context.Context, m domain.Mutation) (*domain.ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.applyErr != nil {
		return nil, s.applyErr
	}
	return &domain.ApplyResult{MutationID: m.ID, Applied: true}, nil
}

func (s *scriptedStore) GetAgent(context.Context, string) (*domain.Agent, error) {
	return nil, domain.ErrAgentNotFound
}

func (s *scriptedStore) FindAgentByName(context.Context, string) (*domain.Agent, error) {
	return nil, domain.ErrAgentNotFound
}

func (s *scriptedStore) Snapshot(context.Context) (*domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapErr != nil {
		return nil, s.snapErr
	}
	return s.snap, nil
}

func (s *scriptedStore) Subscribe(ctx context.Context) (<-chan domain.FeedEvent, error) {
	return make(chan domain.FeedEvent), nil
}

func agentEvent(id string, rev int64, label string) domain.FeedEvent {
	return domain.FeedEvent{
		Entity:    domain.EntityAgent,
		Op:        domain.FeedUpsert,
		ID:        id,
		Revision:  rev,
		AppliedAt: rev,
		Agent:     &domain.Agent{ID: id, Label: label, Revision: rev, UpdatedAt: rev},
	}
}

func TestSyncChannel_LastWriteWinsPerEntity(t *testing.T) {
	store := &scriptedStore{snap: &domain.Snapshot{}}
	ch := NewSyncChannel(store, NewOutbox(newMemKV()), time.Second)
	require.NoError(t, ch.Start(context.Background()))

	var got []string
	ch.OnChange(func(ev domain.FeedEvent, _ *domain.Snapshot) {
		if ev.Agent != nil {
			got = append(got, ev.Agent.Label)
		}
	})

	ch.Deliver(agentEvent("agent-1", 2, "second"))
	ch.Deliver(agentEvent("agent-1", 1, "first"))
	ch.Deliver(agentEvent("agent-1", 2, "second again"))
	ch.Deliver(agentEvent("agent-1", 3, "third"))

	assert.Equal(t, []string{"second", "third"}, got)
	assert.Equal(t, "third", ch.View().Agent("agent-1").Label)

	ch.Deliver(domain.FeedEvent{Entity: domain.EntityAgent, Op: domain.FeedDelete, ID: "agent-1", Revision: 4})
	assert.Nil(t, ch.View().Agent("agent-1"))
}

func TestSyncChannel_OverlayReconciledByStoreTime(t *testing.T) {
	store := &scriptedStore{snap: &domain.Snapshot{}}
	ch := NewSyncChannel(store, NewOutbox(newMemKV()), time.Second)
	local := time.UnixMilli(5000)
	ch.now = func() time.Time { return local }
	require.NoError(t, ch.Start(context.Background()))

	ch.Deliver(agentEvent("agent-1", 1, "store"))
	ch.ApplyLocal(&domain.Agent{ID: "agent-1", Label: "local", Revision: 1})
	assert.Equal(t, "local", ch.View().Agent("agent-1").Label)

	// an echo written before the local change does not undo it
	ch.Deliver(agentEvent("agent-1", 2, "older write"))
	assert.Equal(t, "local", ch.View().Agent("agent-1").Label)
	a, ok := ch.Authoritative("agent-1")
	require.True(t, ok)
	assert.Equal(t, "older write", a.Label)

	ev := agentEvent("agent-1", 3, "confirmed")
	ev.Agent.UpdatedAt = 6000
	ch.Deliver(ev)
	assert.Equal(t, "confirmed", ch.View().Agent("agent-1").Label)
	assert.False(t, ch.HasOverlay("agent-1"))
}

func TestSyncChannel_PushOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		applyErr error
		want     PushOutcome
		queued   int
	}{
		{"applied", nil, PushApplied, 0},
		{"unreachable", fmt.Errorf("%w: dial tcp", domain.ErrUnreachable), PushQueued, 1},
		{"deadline", context.DeadlineExceeded, PushQueued, 1},
		{"rejected", domain.ErrStaleCompletion, PushDropped, 0},
		{"denied", fmt.Errorf("%w: rules", domain.ErrPermissionDenied), PushDenied, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := &scriptedStore{applyErr: tt.applyErr, snap: &domain.Snapshot{}}
			ob := NewOutbox(newMemKV())
			ch := NewSyncChannel(store, ob, time.Second)

			unreachable := 0
			ch.OnUnreachable(func() { unreachable++ })

			pr := ch.Push(ctx, positionAt("agent-1", "m-1", 1))
			assert.Equal(t, tt.want, pr.Outcome)
			n, err := ob.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.queued, n)
			assert.Equal(t, tt.queued, unreachable)
		})
	}
}

func TestSyncChannel_InvalidMutationNeverLeaves(t *testing.T) {
	store := &scriptedStore{}
	ch := NewSyncChannel(store, NewOutbox(newMemKV()), time.Second)

	m := positionAt("agent-1", "m-1", 1)
	m.Position.Coords.Lng = 500
	pr := ch.Push(context.Background(), m)
	assert.Equal(t, PushInvalid, pr.Outcome)
	assert.ErrorIs(t, pr.Err, domain.ErrPreconditionFailed)
	assert.Zero(t, store.calls)
}

func TestSyncChannel_FailedReadKeepsLastGoodSnapshot(t *testing.T) {
	store := &scriptedStore{snap: &domain.Snapshot{Agents: []*domain.Agent{{ID: "agent-1", Revision: 1}}}}
	ch := NewSyncChannel(store, NewOutbox(newMemKV()), time.Second)
	require.NoError(t, ch.Start(context.Background()))
	require.NotNil(t, ch.View().Agent("agent-1"))

	store.mu.Lock()
	store.snapErr = domain.ErrUnreachable
	store.mu.Unlock()

	err := ch.Refresh(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnreachable)
	view := ch.View()
	assert.True(t, view.Stale)
	assert.NotNil(t, view.Agent("agent-1"))
}
