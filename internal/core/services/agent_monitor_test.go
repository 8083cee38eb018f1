package services

import (
	"testing"
	"time"

	"fleetsync.live/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentMonitor_AlertsOnVisibilityChanges(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	seen := func(id string, at time.Time, status domain.AgentStatus) {
		require.NoError(t, f.repo.SaveAgent(f.ctx, &domain.Agent{
			ID: id, Name: id, Status: status, LastSeen: at.UnixMilli(), Revision: 1,
		}))
	}
	seen("agent-1", now.Add(-time.Hour), domain.AgentStatusAvailable)
	seen("agent-2", now.Add(-time.Hour), domain.AgentStatusAvailable)

	m := NewAgentMonitor(f.repo, 5*24*time.Hour, time.Minute)
	m.now = func() time.Time { return now }

	assert.Empty(t, m.CheckAgents(f.ctx), "first pass only records state")

	now = now.Add(6 * 24 * time.Hour)
	seen("agent-2", now, domain.AgentStatusEmergency)

	alerts := m.CheckAgents(f.ctx)
	events := map[string]string{}
	for _, a := range alerts {
		events[a.AgentID+"/"+a.Event] = a.AgentName
	}
	assert.Contains(t, events, "agent-1/stale")
	assert.Contains(t, events, "agent-2/emergency")
	assert.Len(t, alerts, 2)

	// same state, no new alerts
	assert.Empty(t, m.CheckAgents(f.ctx))

	seen("agent-1", now, domain.AgentStatusAvailable)
	alerts = m.CheckAgents(f.ctx)
	require.Len(t, alerts, 1)
	assert.Equal(t, "active", alerts[0].Event)

	select {
	case a := <-m.Alerts():
		assert.Equal(t, "agent-1", a.AgentID)
		assert.Equal(t, "stale", a.Event)
	default:
		t.Fatal("alerts must also be sent on the channel")
	}

	status, err := m.GetAgentStatus(f.ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "active", status)
}
