package domain

import (
	"fmt"
	"time"
)

type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
)

func (o Outcome) Valid() bool {
	return o == OutcomeDelivered || o == OutcomeFailed
}

// StopStatus is the terminal stop status an outcome maps to.
func (o Outcome) StopStatus() StopStatus {
	if o == OutcomeFailed {
		return StopStatusSkipped
	}
	return StopStatusCompleted
}

// CompletionRecord is immutable once created.
type CompletionRecord struct {
	StopID    string  `json:"stop_id"`
	StopName  string  `json:"stop_name"`
	Timestamp int64   `json:"timestamp"` // epoch millis
	Outcome   Outcome `json:"outcome"`
	Note      string  `json:"note,omitempty"`
}

type TripStatus string

const (
	TripStatusOpen      TripStatus = "open"
	TripStatusCompleted TripStatus = "completed"
	TripStatusPartial   TripStatus = "partial" // closed by the daily rollover with stops left
)

// TripSummary aggregates one agent's working day.
type TripSummary struct {
	ID        string             `json:"id" gorm:"primaryKey"`
	AgentID   string             `json:"agent_id" gorm:"index"`
	AgentName string             `json:"agent_name"`
	Day       string             `json:"day" gorm:"index"` // YYYY-MM-DD
	Records   []CompletionRecord `json:"records" gorm:"serializer:json"`
	Delivered int                `json:"delivered"`
	Failed    int                `json:"failed"`
	Status    TripStatus         `json:"status"`
	ClosedAt  int64              `json:"closed_at,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func (TripSummary) TableName() string {
	return "trip_summaries"
}

const DayLayout = "2006-01-02"

func NewTripSummary(id string, agent *Agent, at time.Time) *TripSummary {
	return &TripSummary{
		ID:        id,
		AgentID:   agent.ID,
		AgentName: agent.Name,
		Day:       at.Format(DayLayout),
		Status:    TripStatusOpen,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func (t *TripSummary) Closed() bool {
	return t.Status != TripStatusOpen
}

func (t *TripSummary) HasStop(stopID string) bool {
	for _, r := range t.Records {
		if r.StopID == stopID {
			return true
		}
	}
	return false
}

// Append adds a record; closed summaries are immutable.
func (t *TripSummary) Append(rec CompletionRecord) error {
	if t.Closed() {
		return fmt.Errorf("%w: trip %s", ErrTripClosed, t.ID)
	}
	if t.HasStop(rec.StopID) {
		return fmt.Errorf("%w: stop %s already recorded", ErrPreconditionFailed, rec.StopID)
	}
	t.Records = append(t.Records, rec)
	switch rec.Outcome {
	case OutcomeDelivered:
		t.Delivered++
	case OutcomeFailed:
		t.Failed++
	}
	return nil
}

// Close finalizes the summary. Closing twice is a no-op.
func (t *TripSummary) Close(at time.Time) bool {
	if t.Closed() {
		return false
	}
	t.Status = TripStatusCompleted
	t.ClosedAt = at.UnixMilli()
	t.UpdatedAt = at
	return true
}

// Expire closes a summary left open past its day.
func (t *TripSummary) Expire(at time.Time) bool {
	if t.Closed() {
		return false
	}
	t.Status = TripStatusPartial
	t.ClosedAt = at.UnixMilli()
	t.UpdatedAt = at
	return true
}

func (t *TripSummary) Clone() *TripSummary {
	if t == nil {
		return nil
	}
	c := *t
	c.Records = append([]CompletionRecord(nil), t.Records...)
	return &c
}
