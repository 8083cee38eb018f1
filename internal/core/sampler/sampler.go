// Package sampler throttles a raw device location stream down to the samples
// worth writing to the store.
package sampler

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"fleetsync.live/internal/core/domain"
)

const earthRadiusMeters = 6371000.0

type Config struct {
	MinDistanceMeters float64
	MinInterval       time.Duration
	HeartbeatInterval time.Duration
	MovingSpeedKmh    float64
}

func DefaultConfig() Config {
	return Config{
		MinDistanceMeters: 3,
		MinInterval:       1500 * time.Millisecond,
		HeartbeatInterval: 10 * time.Second,
		MovingSpeedKmh:    1,
	}
}

// Accepted is a sample that passed the filter, with its derived label.
type Accepted struct {
	Sample   domain.Sample
	Motion   domain.Motion
	Label    string
	Distance float64 // meters from the previous accepted sample
	Forced   bool
}

// Condition is the device-capability state reported by the location source.
type Condition string

const (
	ConditionOK               Condition = "ok"
	ConditionPermissionDenied Condition = "permission_denied"
	ConditionSignalLost       Condition = "signal_lost"
)

// Sampler holds the filter state of one tracking session.
type Sampler struct {
	cfg Config

	mu        sync.Mutex
	last      *domain.Sample
	condition Condition
	lastErr   error
}

func New(cfg Config) *Sampler {
	def := DefaultConfig()
	if cfg.MinDistanceMeters <= 0 {
		cfg.MinDistanceMeters = def.MinDistanceMeters
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MovingSpeedKmh <= 0 {
		cfg.MovingSpeedKmh = def.MovingSpeedKmh
	}
	return &Sampler{cfg: cfg, condition: ConditionOK}
}

// Offer runs s through the filter. Samples older than the last accepted one
// are dropped so accepted samples stay in stream order.
func (s *Sampler) Offer(sample domain.Sample) (Accepted, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// a sample means the signal is back
	s.condition = ConditionOK
	s.lastErr = nil

	if s.last == nil {
		return s.accept(sample, 0, false), true
	}

	elapsed := sample.Timestamp.Sub(s.last.Timestamp)
	if elapsed < 0 {
		return Accepted{}, false
	}
	dist := Distance(s.last.Coords, sample.Coords)

	switch {
	case elapsed > s.cfg.HeartbeatInterval:
	case dist > s.cfg.MinDistanceMeters && elapsed > s.cfg.MinInterval:
	default:
		return Accepted{}, false
	}
	return s.accept(sample, dist, false), true
}

// Force accepts sample regardless of the throttle window.
func (s *Sampler) Force(sample domain.Sample) Accepted {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dist float64
	if s.last != nil {
		dist = Distance(s.last.Coords, sample.Coords)
	}
	return s.accept(sample, dist, true)
}

func (s *Sampler) accept(sample domain.Sample, dist float64, forced bool) Accepted {
	cp := sample
	s.last = &cp
	motion, label := s.describe(sample)
	return Accepted{
		Sample:   sample,
		Motion:   motion,
		Label:    label,
		Distance: dist,
		Forced:   forced,
	}
}

func (s *Sampler) describe(sample domain.Sample) (domain.Motion, string) {
	kmh := sample.SpeedKmh()
	if kmh > s.cfg.MovingSpeedKmh {
		return domain.MotionMoving, fmt.Sprintf("Moving - %.0f km/h", kmh)
	}
	return domain.MotionStationary, "Stationary"
}

// Last returns the last accepted sample.
func (s *Sampler) Last() (domain.Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return domain.Sample{}, false
	}
	return *s.last, true
}

// Reset forgets the last accepted sample; the next offer is accepted.
func (s *Sampler) Reset() {
	s.mu.Lock()
	s.last = nil
	s.mu.Unlock()
}

// ReportError records a location source failure. It never stops the filter.
func (s *Sampler) ReportError(err error) Condition {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastErr = err
	switch {
	case err == nil:
		s.condition = ConditionOK
	case errors.Is(err, domain.ErrLocationPermission):
		s.condition = ConditionPermissionDenied
	default:
		s.condition = ConditionSignalLost
	}
	return s.condition
}

func (s *Sampler) Condition() (Condition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.condition, s.lastErr
}

// Distance is the equirectangular approximation of the great-circle distance
// in meters, accurate at the few-meter scale the filter works at.
func Distance(a, b domain.Coordinates) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	x := dLng * math.Cos((lat1+lat2)/2)
	return math.Sqrt(x*x+dLat*dLat) * earthRadiusMeters
}
