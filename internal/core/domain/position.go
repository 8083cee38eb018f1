package domain

import "time"

// Sample is one raw reading from the device location stream.
type Sample struct {
	Coords    Coordinates `json:"coords"`
	Speed     float64     `json:"speed"` // meters per second, 0 when unknown
	Timestamp time.Time   `json:"timestamp"`
}

func (s Sample) SpeedKmh() float64 {
	if s.Speed < 0 {
		return 0
	}
	return s.Speed * 3.6
}

type Motion string

const (
	MotionMoving     Motion = "moving"
	MotionStationary Motion = "stationary"
)
