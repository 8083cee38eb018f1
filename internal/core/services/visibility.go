package services

import (
	"time"

	"fleetsync.live/internal/core/domain"
)

// VisibleAgents projects the raw agent feed onto the currently active roster:
// agents seen within threshold of now, plus agents never seen at all (just
// registered). The input is not modified.
func VisibleAgents(agents []*domain.Agent, now time.Time, threshold time.Duration) []*domain.Agent {
	cutoff := now.Add(-threshold).UnixMilli()
	visible := make([]*domain.Agent, 0, len(agents))
	for _, a := range agents {
		if a == nil {
			continue
		}
		if a.LastSeen == 0 || a.LastSeen > cutoff {
			visible = append(visible, a)
		}
	}
	return visible
}

// VisibleSnapshot applies VisibleAgents to a snapshot, leaving stops as is.
func VisibleSnapshot(s *domain.Snapshot, now time.Time, threshold time.Duration) *domain.Snapshot {
	if s == nil {
		return nil
	}
	return &domain.Snapshot{
		Agents: VisibleAgents(s.Agents, now, threshold),
		Stops:  s.Stops,
		Stale:  s.Stale,
	}
}
