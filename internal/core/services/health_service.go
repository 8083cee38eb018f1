package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"fleetsync.live/internal/core/ports"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	Latency   string       `json:"latency,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

type HealthReport struct {
	Status     HealthStatus               `json:"status"`
	Version    string                     `json:"version"`
	CheckedAt  time.Time                  `json:"checked_at"`
	Components map[string]ComponentHealth `json:"components"`
}

const healthTimeout = 5 * time.Second

// HealthService reports on the shared store database, the feed bus and,
// when a roster is attached, how many agents are currently active. Only the
// database is required; the others degrade the report.
type HealthService struct {
	db        *gorm.DB
	redis     *redis.Client
	version   string
	roster    ports.AgentRepository
	threshold time.Duration
}

// NewHealthService builds the service. redisClient is nil when the feed bus
// runs in-process.
func NewHealthService(db *gorm.DB, redisClient *redis.Client, version string) *HealthService {
	if version == "" {
		version = "0.1.0"
	}
	return &HealthService{
		db:      db,
		redis:   redisClient,
		version: version,
	}
}

// WithRoster adds a "roster" component counting agents inside the
// visibility threshold.
func (s *HealthService) WithRoster(agents ports.AgentRepository, threshold time.Duration) *HealthService {
	s.roster = agents
	s.threshold = threshold
	return s
}

func (s *HealthService) CheckHealth(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     HealthStatusHealthy,
		Version:    s.version,
		CheckedAt:  time.Now(),
		Components: make(map[string]ComponentHealth),
	}

	report.Components["database"] = timed(ctx, s.checkDatabase)
	if report.Components["database"].Status != HealthStatusHealthy {
		report.Status = HealthStatusUnhealthy
	}

	optional := map[string]func(context.Context) (string, error){"feed": s.checkFeed}
	if s.roster != nil {
		optional["roster"] = s.checkRoster
	}
	for name, fn := range optional {
		c := timed(ctx, fn)
		report.Components[name] = c
		if c.Status != HealthStatusHealthy && report.Status == HealthStatusHealthy {
			report.Status = HealthStatusDegraded
		}
	}
	return report
}

// timed runs one check under the health timeout and records its latency.
func timed(ctx context.Context, check func(context.Context) (string, error)) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	start := time.Now()
	msg, err := check(ctx)
	c := ComponentHealth{
		Status:    HealthStatusHealthy,
		Message:   msg,
		Latency:   time.Since(start).String(),
		CheckedAt: time.Now(),
	}
	if err != nil {
		c.Status = HealthStatusUnhealthy
		c.Message = err.Error()
	}
	return c
}

func (s *HealthService) checkDatabase(ctx context.Context) (string, error) {
	sqlDB, err := s.db.DB()
	if err != nil {
		return "", fmt.Errorf("database instance: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return "", fmt.Errorf("database ping failed: %w", err)
	}
	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		return "", fmt.Errorf("database query failed: %w", err)
	}
	return "", nil
}

func (s *HealthService) checkFeed(ctx context.Context) (string, error) {
	if s.redis == nil {
		return "in-process feed bus", nil
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return "", fmt.Errorf("redis ping failed: %w", err)
	}
	return "redis pub/sub", nil
}

func (s *HealthService) checkRoster(ctx context.Context) (string, error) {
	agents, err := s.roster.ListAgents(ctx)
	if err != nil {
		return "", fmt.Errorf("list agents: %w", err)
	}
	active := VisibleAgents(agents, time.Now(), s.threshold)
	return fmt.Sprintf("%d of %d agents active", len(active), len(agents)), nil
}

// SimpleHealthCheck returns a simple health status for load balancers
func (s *HealthService) SimpleHealthCheck(ctx context.Context) (string, int) {
	report := s.CheckHealth(ctx)

	switch report.Status {
	case HealthStatusHealthy:
		return "ok", http.StatusOK
	case HealthStatusDegraded:
		return "degraded", http.StatusOK
	default:
		return "unhealthy", http.StatusServiceUnavailable
	}
}
