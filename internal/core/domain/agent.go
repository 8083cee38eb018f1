package domain

import (
	"fmt"
	"time"
)

type AgentStatus string

const (
	AgentStatusAvailable AgentStatus = "available"
	AgentStatusEnRoute   AgentStatus = "en_route"
	AgentStatusOnBreak   AgentStatus = "on_break"
	AgentStatusEmergency AgentStatus = "emergency"
)

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusAvailable, AgentStatusEnRoute, AgentStatusOnBreak, AgentStatusEmergency:
		return true
	}
	return false
}

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (c Coordinates) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

type Agent struct {
	ID       string      `json:"id" gorm:"primaryKey"`
	Name     string      `json:"name" gorm:"index"`
	Position Coordinates `json:"position" gorm:"embedded;embeddedPrefix:pos_"`
	Label    string      `json:"label"`
	Status   AgentStatus `json:"status"`
	Route    []Stop      `json:"route" gorm:"serializer:json"`
	LastSeen int64       `json:"last_seen,omitempty"` // epoch millis, 0 when never seen
	// PositionAt is the device clock of the sample behind Position.
	PositionAt int64 `json:"position_at,omitempty"`
	Revision   int64 `json:"revision"`
	// UpdatedAt is the store clock (epoch millis) of the last applied write.
	UpdatedAt int64     `json:"updated_at" gorm:"autoUpdateTime:false"`
	CreatedAt time.Time `json:"created_at"`
}

func (Agent) TableName() string {
	return "agents"
}

// LastSeenTime returns the zero time when the agent was never seen.
func (a *Agent) LastSeenTime() time.Time {
	if a.LastSeen == 0 {
		return time.Time{}
	}
	return time.UnixMilli(a.LastSeen)
}

func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	c.Route = append([]Stop(nil), a.Route...)
	return &c
}

// Queue returns a route queue view over the agent's stops. Mutations on the
// queue are written back with SetQueue.
func (a *Agent) Queue() *RouteQueue {
	return NewRouteQueue(a.Route)
}

func (a *Agent) SetQueue(q *RouteQueue) {
	a.Route = q.Stops()
}

// AgentEvent drives the agent state machine.
type AgentEvent string

const (
	EventQueueAssigned    AgentEvent = "queue_assigned"
	EventHeadCompleted    AgentEvent = "head_completed"
	EventBreakStarted     AgentEvent = "break_started"
	EventBreakEnded       AgentEvent = "break_ended"
	EventDistress         AgentEvent = "distress"
	EventEmergencyCleared AgentEvent = "emergency_cleared"
)

func (e AgentEvent) Valid() bool {
	switch e {
	case EventQueueAssigned, EventHeadCompleted, EventBreakStarted,
		EventBreakEnded, EventDistress, EventEmergencyCleared:
		return true
	}
	return false
}

// Effect is a side effect requested by a transition.
type Effect string

const (
	EffectBeginPropagation   Effect = "begin_propagation"
	EffectSuspendPropagation Effect = "suspend_propagation"
	EffectResumePropagation  Effect = "resume_propagation"
	EffectForcePositionPush  Effect = "force_position_push"
	EffectPushStatusNow      Effect = "push_status_now"
	EffectAdvanceTarget      Effect = "advance_target"
	EffectCloseTrip          Effect = "close_trip"
)

// Transition is the result of feeding one event to the state machine.
type Transition struct {
	From    AgentStatus
	To      AgentStatus
	Effects []Effect
}

func (t Transition) Has(e Effect) bool {
	for _, x := range t.Effects {
		if x == e {
			return true
		}
	}
	return false
}

// DeriveStatus computes the status implied by the queue for an agent that is
// neither on break nor in emergency.
func DeriveStatus(current AgentStatus, queueLen int) AgentStatus {
	switch current {
	case AgentStatusOnBreak, AgentStatusEmergency:
		return current
	}
	if queueLen > 0 {
		return AgentStatusEnRoute
	}
	return AgentStatusAvailable
}

// Next is the single transition function of the agent state machine.
// queueLen is the queue length after the event has been applied to the queue.
func Next(current AgentStatus, ev AgentEvent, queueLen int) (Transition, error) {
	t := Transition{From: current, To: current}
	switch ev {
	case EventQueueAssigned:
		t.To = DeriveStatus(current, queueLen)
		if current == AgentStatusAvailable && t.To == AgentStatusEnRoute {
			t.Effects = append(t.Effects, EffectBeginPropagation)
		}
	case EventHeadCompleted:
		t.To = DeriveStatus(current, queueLen)
		if queueLen == 0 {
			t.Effects = append(t.Effects, EffectCloseTrip)
		} else {
			t.Effects = append(t.Effects, EffectAdvanceTarget)
		}
	case EventBreakStarted:
		if current == AgentStatusEmergency {
			return t, fmt.Errorf("%w: cannot take a break during an emergency", ErrPreconditionFailed)
		}
		t.To = AgentStatusOnBreak
		if current != AgentStatusOnBreak {
			t.Effects = append(t.Effects, EffectSuspendPropagation)
		}
	case EventBreakEnded:
		if current != AgentStatusOnBreak {
			return t, nil
		}
		t.To = DeriveStatus(AgentStatusAvailable, queueLen)
		t.Effects = append(t.Effects, EffectResumePropagation, EffectForcePositionPush)
	case EventDistress:
		t.To = AgentStatusEmergency
		t.Effects = append(t.Effects, EffectPushStatusNow, EffectForcePositionPush)
		if current == AgentStatusOnBreak {
			t.Effects = append(t.Effects, EffectResumePropagation)
		}
	case EventEmergencyCleared:
		if current != AgentStatusEmergency {
			return t, nil
		}
		t.To = DeriveStatus(AgentStatusAvailable, queueLen)
	default:
		return t, fmt.Errorf("%w: unknown agent event %q", ErrPreconditionFailed, ev)
	}
	return t, nil
}

// Propagates reports whether positions should be pushed in status s.
func (s AgentStatus) Propagates() bool {
	return s != AgentStatusOnBreak
}

// Apply feeds ev to the state machine and stores the resulting status.
func (a *Agent) Apply(ev AgentEvent) (Transition, error) {
	t, err := Next(a.Status, ev, len(a.Route))
	if err != nil {
		return t, err
	}
	a.Status = t.To
	return t, nil
}

// Assign replaces the route and re-derives the status.
func (a *Agent) Assign(stops []Stop) Transition {
	q := a.Queue()
	q.Assign(stops)
	a.SetQueue(q)
	t, _ := a.Apply(EventQueueAssigned)
	return t
}

// CompletionResult describes what a head completion did.
type CompletionResult struct {
	// Applied is false when the completion was a no-op (target already
	// completed or no longer queued).
	Applied    bool
	Stop       Stop
	Record     CompletionRecord
	Transition Transition
	ClosedTrip bool
}

// CompleteHead pops stopID off the head of the route, records the outcome on
// trip and closes the trip when the route empties. An empty stopID targets the
// current head. trip may be nil when no summary is open yet; the caller gets a
// fresh one through the returned record and must persist it.
func (a *Agent) CompleteHead(trip *TripSummary, stopID string, outcome Outcome, note string, at time.Time) (CompletionResult, error) {
	var res CompletionResult
	if !outcome.Valid() {
		return res, fmt.Errorf("%w: invalid outcome %q", ErrPreconditionFailed, outcome)
	}
	if trip == nil {
		return res, fmt.Errorf("%w: no trip summary", ErrPreconditionFailed)
	}

	q := a.Queue()
	head, ok := q.Head()
	if stopID == "" {
		if !ok {
			return res, ErrEmptyQueue
		}
		stopID = head.ID
	}
	if !q.Contains(stopID) {
		if !ok && !trip.HasStop(stopID) {
			return res, ErrEmptyQueue
		}
		// already completed, or reassigned away
		return res, nil
	}
	if head.ID != stopID {
		return res, fmt.Errorf("%w: stop %s is queued behind %s", ErrStaleCompletion, stopID, head.ID)
	}

	popped, err := q.CompleteHead()
	if err != nil {
		return res, err
	}
	popped.Status = outcome.StopStatus()
	a.SetQueue(q)

	rec := CompletionRecord{
		StopID:    popped.ID,
		StopName:  popped.Name,
		Timestamp: at.UnixMilli(),
		Outcome:   outcome,
		Note:      note,
	}
	if err := trip.Append(rec); err != nil {
		return res, err
	}

	t, err := a.Apply(EventHeadCompleted)
	if err != nil {
		return res, err
	}
	if t.Has(EffectCloseTrip) {
		trip.Close(at)
		res.ClosedTrip = true
	}
	res.Applied = true
	res.Stop = popped
	res.Record = rec
	res.Transition = t
	return res, nil
}
