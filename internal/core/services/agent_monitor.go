package services

import (
	"context"
	"sync"
	"time"

	"fleetsync.live/internal/core/domain"
	"fleetsync.live/internal/core/logger"
	"fleetsync.live/internal/core/metrics"
	"fleetsync.live/internal/core/ports"
)

type AgentMonitor struct {
	agentRepo ports.AgentRepository
	threshold time.Duration
	interval  time.Duration
	now       func() time.Time
	alertChan chan AgentAlert

	mu      sync.Mutex
	visible map[string]bool
	sos     map[string]bool
}

type AgentAlert struct {
	AgentID   string
	AgentName string
	Event     string // "stale", "active", "emergency"
	LastSeen  time.Time
	Timestamp time.Time
}

func NewAgentMonitor(agentRepo ports.AgentRepository, threshold, interval time.Duration) *AgentMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &AgentMonitor{
		agentRepo: agentRepo,
		threshold: threshold,
		interval:  interval,
		now:       time.Now,
		alertChan: make(chan AgentAlert, 100),
		visible:   make(map[string]bool),
		sos:       make(map[string]bool),
	}
}

// Start begins monitoring agents
func (am *AgentMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(am.interval)
	defer ticker.Stop()

	am.CheckAgents(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.CheckAgents(ctx)
		}
	}
}

// CheckAgents projects the roster through the visibility filter, updates the
// gauges and raises an alert for every agent that changed side, and for every
// agent in an emergency it has not reported yet.
func (am *AgentMonitor) CheckAgents(ctx context.Context) []AgentAlert {
	agents, err := am.agentRepo.ListAgents(ctx)
	if err != nil {
		logger.Error("Failed to list agents for monitoring", "error", err)
		return nil
	}

	now := am.now()
	visible := VisibleAgents(agents, now, am.threshold)
	active := make(map[string]bool, len(visible))
	byStatus := make(map[string]int)
	for _, a := range visible {
		active[a.ID] = true
		byStatus[string(a.Status)]++
	}
	metrics.SetActiveAgents(len(visible))
	metrics.SetAgentsByStatus(byStatus)

	am.mu.Lock()
	defer am.mu.Unlock()

	var alerts []AgentAlert
	for _, a := range agents {
		was, known := am.visible[a.ID]
		is := active[a.ID]
		switch {
		case known && was && !is:
			alerts = append(alerts, am.alert(a, "stale", now))
		case known && !was && is:
			alerts = append(alerts, am.alert(a, "active", now))
		}
		sos := a.Status == domain.AgentStatusEmergency
		if is && sos && !am.sos[a.ID] {
			alerts = append(alerts, am.alert(a, "emergency", now))
		}
		am.sos[a.ID] = sos
		am.visible[a.ID] = is
	}
	return alerts
}

func (am *AgentMonitor) alert(a *domain.Agent, event string, now time.Time) AgentAlert {
	alert := AgentAlert{
		AgentID:   a.ID,
		AgentName: a.Name,
		Event:     event,
		LastSeen:  a.LastSeenTime(),
		Timestamp: now,
	}
	logger.Warn("Agent alert", "agent_id", a.ID, "name", a.Name, "event", event, "last_seen", alert.LastSeen)
	select {
	case am.alertChan <- alert:
	default:
		logger.Warn("Alert channel full, alert dropped", "agent_id", a.ID, "event", event)
	}
	return alert
}

// Alerts returns the alert channel
func (am *AgentMonitor) Alerts() <-chan AgentAlert {
	return am.alertChan
}

// GetAgentStatus reports whether the agent is inside the visibility window.
func (am *AgentMonitor) GetAgentStatus(ctx context.Context, agentID string) (string, error) {
	agent, err := am.agentRepo.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	if len(VisibleAgents([]*domain.Agent{agent}, am.now(), am.threshold)) == 0 {
		return "stale", nil
	}
	return "active", nil
}
