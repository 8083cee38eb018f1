package domain

import "sort"

type EntityKind string

const (
	EntityAgent EntityKind = "agent"
	EntityStop  EntityKind = "stop"
	EntityTrip  EntityKind = "trip"
)

type FeedOp string

const (
	FeedUpsert FeedOp = "upsert"
	FeedDelete FeedOp = "delete"
)

// FeedEvent is one entity change as applied by the store.
type FeedEvent struct {
	Entity    EntityKind   `json:"entity"`
	Op        FeedOp       `json:"op"`
	ID        string       `json:"id"`
	Revision  int64        `json:"revision"`
	AppliedAt int64        `json:"applied_at"` // store clock, epoch millis
	Agent     *Agent       `json:"agent,omitempty"`
	Stop      *Stop        `json:"stop,omitempty"`
	Trip      *TripSummary `json:"trip,omitempty"`
}

// Snapshot is the full fleet state as seen by one subscriber.
type Snapshot struct {
	Agents []*Agent `json:"agents"`
	Stops  []*Stop  `json:"stops"`
	// Stale is set when the live feed failed and this is the last good state.
	Stale bool `json:"stale,omitempty"`
}

func (s *Snapshot) Agent(id string) *Agent {
	for _, a := range s.Agents {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (s *Snapshot) Stop(id string) *Stop {
	for _, st := range s.Stops {
		if st.ID == id {
			return st
		}
	}
	return nil
}

// SortByID orders agents and stops deterministically.
func (s *Snapshot) SortByID() {
	sort.Slice(s.Agents, func(i, j int) bool { return s.Agents[i].ID < s.Agents[j].ID })
	sort.Slice(s.Stops, func(i, j int) bool { return s.Stops[i].ID < s.Stops[j].ID })
}
