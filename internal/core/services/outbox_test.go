package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"fleetsync.live/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func positionAt(agentID, id string, ts int64) domain.Mutation {
	return domain.Mutation{
		ID:      id,
		Kind:    domain.MutationPosition,
		AgentID: agentID,
		Position: &domain.PositionPayload{
			Coords:    domain.Coordinates{Lat: -26.91, Lng: -48.66},
			SampledAt: ts,
		},
	}
}

func TestOutbox_ReplayPreservesSubmissionOrder(t *testing.T) {
	f := newFixture(t)
	agent := f.register(t, "Ana")
	base := time.Now().UnixMilli()

	f.flaky.setDown(true)
	for i, id := range []string{"A", "B", "C"} {
		pr := f.channel.Push(f.ctx, positionAt(agent.ID, id, base+int64(i)))
		require.Equal(t, PushQueued, pr.Outcome)
	}
	f.flaky.setDown(false)

	// a new push while entries wait must line up behind them
	pr := f.channel.Push(f.ctx, positionAt(agent.ID, "D", base+3))
	require.Equal(t, PushQueued, pr.Outcome)

	report, err := f.channel.Reconnected(f.ctx)
	require.NoError(t, err)
	require.Len(t, report.Replayed, 4)

	var order []string
	for _, m := range f.flaky.appliedKinds(domain.MutationPosition) {
		order = append(order, m.ID)
	}
	assert.Equal(t, []string{"A", "B", "C", "D"}, order)

	remote, err := f.store.GetAgent(f.ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, base+3, remote.PositionAt)
}

func TestOutbox_DrainStopsOnUnreachable(t *testing.T) {
	ctx := context.Background()
	ob := NewOutbox(newMemKV())
	for _, id := range []string{"A", "B", "C"} {
		_, err := ob.Append(ctx, positionAt("agent-1", id, 1), nil, domain.ErrUnreachable)
		require.NoError(t, err)
	}

	var seen []string
	report, err := ob.Drain(ctx, func(_ context.Context, m domain.Mutation) (*domain.ApplyResult, error) {
		seen = append(seen, m.ID)
		if m.ID == "B" {
			return nil, fmt.Errorf("%w: timeout", domain.ErrUnreachable)
		}
		return &domain.ApplyResult{Applied: true}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, seen, "C must not be tried before B")
	assert.Len(t, report.Replayed, 1)
	assert.Equal(t, 2, report.Remaining)
	assert.ErrorIs(t, report.Halted, domain.ErrUnreachable)

	entries, err := ob.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "B", entries[0].Mutation.ID)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Equal(t, "C", entries[1].Mutation.ID)
}

func TestOutbox_RejectedAndDeniedEntriesAreRemoved(t *testing.T) {
	ctx := context.Background()
	ob := NewOutbox(newMemKV())
	for _, id := range []string{"A", "B", "C"} {
		_, err := ob.Append(ctx, positionAt("agent-1", id, 1), nil, nil)
		require.NoError(t, err)
	}

	report, err := ob.Drain(ctx, func(_ context.Context, m domain.Mutation) (*domain.ApplyResult, error) {
		switch m.ID {
		case "A":
			return nil, domain.ErrAgentNotFound
		case "B":
			return nil, fmt.Errorf("%w: read only", domain.ErrPermissionDenied)
		}
		return &domain.ApplyResult{Applied: true}, nil
	})
	require.NoError(t, err)
	require.Len(t, report.Dropped, 1)
	assert.Equal(t, "A", report.Dropped[0].Mutation.ID)
	require.Len(t, report.Denied, 1)
	assert.Equal(t, "B", report.Denied[0].Mutation.ID)
	require.Len(t, report.Replayed, 1)

	n, err := ob.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOutbox_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()
	first := NewOutbox(kv)
	_, err := first.Append(ctx, positionAt("agent-1", "A", 1), nil, nil)
	require.NoError(t, err)
	_, err = first.Append(ctx, positionAt("agent-2", "B", 1), nil, nil)
	require.NoError(t, err)

	second := NewOutbox(kv)
	entries, err := second.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].Seq)
	assert.Equal(t, int64(2), entries[1].Seq)

	n, err := second.Pending(ctx, "agent-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOutbox_ReplayedCompletionOfCompletedStopIsNoop(t *testing.T) {
	f := newFixture(t, "stop-1")
	agent := f.register(t, "Ana")
	f.assign(t, agent.ID, "stop-1")

	complete := domain.Mutation{
		ID:      "done-1",
		Kind:    domain.MutationComplete,
		AgentID: agent.ID,
		Complete: &domain.CompletePayload{
			StopID:  "stop-1",
			Outcome: domain.OutcomeDelivered,
			At:      time.Now().UnixMilli(),
		},
	}
	res, err := f.store.Apply(f.ctx, complete)
	require.NoError(t, err)
	require.True(t, res.Applied)

	_, err = f.outbox.Append(f.ctx, complete, nil, domain.ErrUnreachable)
	require.NoError(t, err)
	report, err := f.channel.Reconnected(f.ctx)
	require.NoError(t, err)
	require.Len(t, report.Replayed, 1)
	assert.False(t, report.Results[0].Applied)
	assert.NotEmpty(t, report.Results[0].Reason)

	page, err := f.store.ListTrips(f.ctx, agent.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Trips, 1)
	assert.Len(t, page.Trips[0].Records, 1)
}
