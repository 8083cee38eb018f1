package domain

import (
	"fmt"
	"math"
	"strings"
)

type MutationKind string

const (
	MutationRegister MutationKind = "register"
	MutationPosition MutationKind = "position"
	MutationStatus   MutationKind = "status"
	MutationAssign   MutationKind = "assign"
	MutationComplete MutationKind = "complete"
	MutationDelete   MutationKind = "delete"
)

// Mutation is one change pushed by a client to the shared store.
type Mutation struct {
	ID          string       `json:"id"`
	Kind        MutationKind `json:"kind"`
	AgentID     string       `json:"agent_id"`
	SubmittedAt int64        `json:"submitted_at"` // epoch millis, client clock

	Register *RegisterPayload `json:"register,omitempty"`
	Position *PositionPayload `json:"position,omitempty"`
	Status   *StatusPayload   `json:"status,omitempty"`
	Assign   *AssignPayload   `json:"assign,omitempty"`
	Complete *CompletePayload `json:"complete,omitempty"`
}

type RegisterPayload struct {
	Name     string       `json:"name"`
	Position *Coordinates `json:"position,omitempty"`
}

type PositionPayload struct {
	Coords    Coordinates `json:"coords"`
	Label     string      `json:"label"`
	SpeedKmh  float64     `json:"speed_kmh"`
	SampledAt int64       `json:"sampled_at"` // epoch millis
}

type StatusPayload struct {
	Event AgentEvent `json:"event"`
}

type AssignPayload struct {
	StopIDs []string `json:"stop_ids"`
}

type CompletePayload struct {
	StopID  string  `json:"stop_id"`
	Outcome Outcome `json:"outcome"`
	Note    string  `json:"note,omitempty"`
	At      int64   `json:"at"` // epoch millis
	// ClosesTrip records that the client expected this completion to empty
	// the queue. The store recomputes it on apply.
	ClosesTrip bool `json:"closes_trip,omitempty"`
}

// TargetID is the entity the mutation writes to.
func (m *Mutation) TargetID() string {
	if m.Kind == MutationComplete && m.Complete != nil {
		return m.Complete.StopID
	}
	return m.AgentID
}

// Normalize validates the mutation and trims free-text fields in place.
// Payloads that do not match the kind are cleared.
func (m *Mutation) Normalize() error {
	m.AgentID = strings.TrimSpace(m.AgentID)
	if m.AgentID == "" {
		return fmt.Errorf("%w: mutation without agent id", ErrPreconditionFailed)
	}

	reg, pos, st, asg, cmp := m.Register, m.Position, m.Status, m.Assign, m.Complete
	m.Register, m.Position, m.Status, m.Assign, m.Complete = nil, nil, nil, nil, nil

	switch m.Kind {
	case MutationRegister:
		if reg == nil {
			return missingPayload(m.Kind)
		}
		reg.Name = strings.TrimSpace(reg.Name)
		if reg.Name == "" {
			return fmt.Errorf("%w: register without name", ErrPreconditionFailed)
		}
		if reg.Position != nil && !validCoords(*reg.Position) {
			return fmt.Errorf("%w: register with invalid position", ErrPreconditionFailed)
		}
		m.Register = reg
	case MutationPosition:
		if pos == nil {
			return missingPayload(m.Kind)
		}
		if !validCoords(pos.Coords) {
			return fmt.Errorf("%w: invalid coordinates %v", ErrPreconditionFailed, pos.Coords)
		}
		if pos.SampledAt <= 0 {
			return fmt.Errorf("%w: position without sample time", ErrPreconditionFailed)
		}
		if math.IsNaN(pos.SpeedKmh) || pos.SpeedKmh < 0 {
			pos.SpeedKmh = 0
		}
		pos.Label = strings.TrimSpace(pos.Label)
		m.Position = pos
	case MutationStatus:
		if st == nil {
			return missingPayload(m.Kind)
		}
		if !st.Event.Valid() || st.Event == EventQueueAssigned || st.Event == EventHeadCompleted {
			return fmt.Errorf("%w: status event %q", ErrPreconditionFailed, st.Event)
		}
		m.Status = st
	case MutationAssign:
		if asg == nil {
			return missingPayload(m.Kind)
		}
		seen := make(map[string]struct{}, len(asg.StopIDs))
		ids := make([]string, 0, len(asg.StopIDs))
		for _, id := range asg.StopIDs {
			id = strings.TrimSpace(id)
			if id == "" {
				return fmt.Errorf("%w: empty stop id", ErrPreconditionFailed)
			}
			if _, dup := seen[id]; dup {
				return fmt.Errorf("%w: stop %s assigned twice", ErrPreconditionFailed, id)
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		asg.StopIDs = ids
		m.Assign = asg
	case MutationComplete:
		if cmp == nil {
			return missingPayload(m.Kind)
		}
		cmp.StopID = strings.TrimSpace(cmp.StopID)
		if cmp.StopID == "" {
			return fmt.Errorf("%w: completion without stop id", ErrPreconditionFailed)
		}
		if !cmp.Outcome.Valid() {
			return fmt.Errorf("%w: outcome %q", ErrPreconditionFailed, cmp.Outcome)
		}
		if cmp.At <= 0 {
			return fmt.Errorf("%w: completion without timestamp", ErrPreconditionFailed)
		}
		cmp.Note = strings.TrimSpace(cmp.Note)
		m.Complete = cmp
	case MutationDelete:
	default:
		return fmt.Errorf("%w: unknown mutation kind %q", ErrPreconditionFailed, m.Kind)
	}
	return nil
}

func missingPayload(k MutationKind) error {
	return fmt.Errorf("%w: %s mutation without payload", ErrPreconditionFailed, k)
}

func validCoords(c Coordinates) bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lng, 0) {
		return false
	}
	return c.Valid()
}

// ApplyResult is what the store reports back for an applied mutation.
type ApplyResult struct {
	MutationID string       `json:"mutation_id"`
	Applied    bool         `json:"applied"`
	Reason     string       `json:"reason,omitempty"` // set for no-op applies
	Agent      *Agent       `json:"agent,omitempty"`
	Trip       *TripSummary `json:"trip,omitempty"`
}

// OutboxEntry is one mutation waiting for the store to come back.
type OutboxEntry struct {
	Seq        int64        `json:"seq"`
	AgentID    string       `json:"agent_id"`
	Kind       MutationKind `json:"kind"`
	TargetID   string       `json:"target_id"`
	Mutation   Mutation     `json:"mutation"`
	EnqueuedAt int64        `json:"enqueued_at"`
	Attempts   int          `json:"attempts"`
	LastError  string       `json:"last_error,omitempty"`
	// Trip is the summary this completion would have closed, kept so the
	// device can show it while the write is pending.
	Trip *TripSummary `json:"trip,omitempty"`
}
