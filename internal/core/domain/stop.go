package domain

import "time"

type StopStatus string

const (
	StopStatusPending    StopStatus = "pending"
	StopStatusInProgress StopStatus = "in_progress"
	StopStatusCompleted  StopStatus = "completed"
	StopStatusSkipped    StopStatus = "skipped"
)

// Open reports whether the stop may still sit in an agent queue.
func (s StopStatus) Open() bool {
	return s == StopStatusPending || s == StopStatusInProgress
}

type Stop struct {
	ID       string      `json:"id" gorm:"primaryKey"`
	Name     string      `json:"name"`
	Address  string      `json:"address"`
	Coords   Coordinates `json:"coords" gorm:"embedded;embeddedPrefix:coord_"`
	Category string      `json:"category"`
	Status   StopStatus  `json:"status"`
	// AssignedTo is the agent whose queue holds the stop, empty when unassigned.
	AssignedTo string    `json:"assigned_to,omitempty" gorm:"index"`
	Revision   int64     `json:"revision"`
	UpdatedAt  int64     `json:"updated_at" gorm:"autoUpdateTime:false"`
	CreatedAt  time.Time `json:"created_at"`
}

func (Stop) TableName() string {
	return "stops"
}

// RouteQueue is the ordered delivery sequence of one agent. The order is
// authoritative; only Assign may reorder it.
type RouteQueue struct {
	stops []Stop
}

func NewRouteQueue(stops []Stop) *RouteQueue {
	return &RouteQueue{stops: append([]Stop(nil), stops...)}
}

// Assign replaces the whole queue.
func (q *RouteQueue) Assign(stops []Stop) {
	q.stops = append([]Stop(nil), stops...)
}

func (q *RouteQueue) Len() int {
	return len(q.stops)
}

func (q *RouteQueue) Head() (Stop, bool) {
	if len(q.stops) == 0 {
		return Stop{}, false
	}
	return q.stops[0], true
}

func (q *RouteQueue) Contains(id string) bool {
	for _, s := range q.stops {
		if s.ID == id {
			return true
		}
	}
	return false
}

func (q *RouteQueue) IDs() []string {
	ids := make([]string, len(q.stops))
	for i, s := range q.stops {
		ids[i] = s.ID
	}
	return ids
}

func (q *RouteQueue) Stops() []Stop {
	return append([]Stop(nil), q.stops...)
}

// CompleteHead removes exactly the first element.
func (q *RouteQueue) CompleteHead() (Stop, error) {
	if len(q.stops) == 0 {
		return Stop{}, ErrEmptyQueue
	}
	head := q.stops[0]
	q.stops = append([]Stop(nil), q.stops[1:]...)
	return head, nil
}

// Remove drops id from anywhere in the queue.
func (q *RouteQueue) Remove(id string) bool {
	for i, s := range q.stops {
		if s.ID == id {
			q.stops = append(q.stops[:i:i], q.stops[i+1:]...)
			return true
		}
	}
	return false
}
