package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"fleetsync.live/internal/core/domain"
	"fleetsync.live/internal/core/ports"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var _ ports.FleetRepository = (*Repository)(nil)

// Repository persists agents, stops and trip summaries for the fleet store.
type Repository struct {
	db *gorm.DB
}

// OpenPostgres connects to the shared store database.
func OpenPostgres(dsn string) (*Repository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: connect postgres: %w", err)
	}
	return New(db)
}

// OpenSQLite opens a file (or ":memory:") database, used for single-node
// deployments and tests.
func OpenSQLite(path string) (*Repository, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite in-memory databases are per connection
	sqlDB.SetMaxOpenConns(1)
	return New(db)
}

// New migrates the schema on db.
func New(db *gorm.DB) (*Repository, error) {
	if err := db.AutoMigrate(&domain.Agent{}, &domain.Stop{}, &domain.TripSummary{}); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return &Repository{db: db}, nil
}

// DB returns the underlying gorm DB instance
func (r *Repository) DB() *gorm.DB {
	return r.db
}

func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn inside one database transaction. A failed commit is
// reported as unreachable.
func (r *Repository) Transaction(ctx context.Context, fn func(tx ports.FleetRepository) error) error {
	var fnErr error
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(&Repository{db: tx})
		return fnErr
	})
	if err != nil && fnErr == nil {
		return fmt.Errorf("%w: commit: %v", domain.ErrUnreachable, err)
	}
	return err
}

// notFound maps gorm's missing-row error onto the rejection kind: writes to a
// deleted entity are never retried.
func notFound(err error, kind error, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", kind, id)
	}
	return fmt.Errorf("%w: %v", domain.ErrUnreachable, err)
}

// Agent methods
func (r *Repository) SaveAgent(ctx context.Context, agent *domain.Agent) error {
	if err := r.db.WithContext(ctx).Save(agent).Error; err != nil {
		return fmt.Errorf("%w: save agent %s: %v", domain.ErrUnreachable, agent.ID, err)
	}
	return nil
}

func (r *Repository) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	var agent domain.Agent
	if err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error; err != nil {
		return nil, notFound(err, domain.ErrAgentNotFound, id)
	}
	return &agent, nil
}

func (r *Repository) GetAgentByName(ctx context.Context, name string) (*domain.Agent, error) {
	var agent domain.Agent
	if err := r.db.WithContext(ctx).Where("name = ?", name).Order("created_at asc").First(&agent).Error; err != nil {
		return nil, notFound(err, domain.ErrAgentNotFound, name)
	}
	return &agent, nil
}

func (r *Repository) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	var agents []*domain.Agent
	if err := r.db.WithContext(ctx).Order("id asc").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("%w: list agents: %v", domain.ErrUnreachable, err)
	}
	return agents, nil
}

func (r *Repository) DeleteAgent(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&domain.Agent{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("%w: delete agent %s: %v", domain.ErrUnreachable, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
	}
	return nil
}

// Stop methods
func (r *Repository) SaveStop(ctx context.Context, stop *domain.Stop) error {
	if err := r.db.WithContext(ctx).Save(stop).Error; err != nil {
		return fmt.Errorf("%w: save stop %s: %v", domain.ErrUnreachable, stop.ID, err)
	}
	return nil
}

func (r *Repository) GetStop(ctx context.Context, id string) (*domain.Stop, error) {
	var stop domain.Stop
	if err := r.db.WithContext(ctx).First(&stop, "id = ?", id).Error; err != nil {
		return nil, notFound(err, domain.ErrStopNotFound, id)
	}
	return &stop, nil
}

// GetStops returns the stops in the order of ids. A missing id is an error.
func (r *Repository) GetStops(ctx context.Context, ids []string) ([]*domain.Stop, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var found []*domain.Stop
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&found).Error; err != nil {
		return nil, fmt.Errorf("%w: get stops: %v", domain.ErrUnreachable, err)
	}
	byID := make(map[string]*domain.Stop, len(found))
	for _, s := range found {
		byID[s.ID] = s
	}
	stops := make([]*domain.Stop, 0, len(ids))
	for _, id := range ids {
		s, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrStopNotFound, id)
		}
		stops = append(stops, s)
	}
	return stops, nil
}

func (r *Repository) ListStops(ctx context.Context) ([]*domain.Stop, error) {
	var stops []*domain.Stop
	if err := r.db.WithContext(ctx).Order("id asc").Find(&stops).Error; err != nil {
		return nil, fmt.Errorf("%w: list stops: %v", domain.ErrUnreachable, err)
	}
	return stops, nil
}

func (r *Repository) CountStops(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Stop{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("%w: count stops: %v", domain.ErrUnreachable, err)
	}
	return count, nil
}

// Trip methods
func (r *Repository) SaveTrip(ctx context.Context, trip *domain.TripSummary) error {
	if err := r.db.WithContext(ctx).Save(trip).Error; err != nil {
		return fmt.Errorf("%w: save trip %s: %v", domain.ErrUnreachable, trip.ID, err)
	}
	return nil
}

// GetOpenTrip returns nil, nil when the agent has no open trip.
func (r *Repository) GetOpenTrip(ctx context.Context, agentID string) (*domain.TripSummary, error) {
	var trip domain.TripSummary
	err := r.db.WithContext(ctx).
		Where("agent_id = ? AND status = ?", agentID, domain.TripStatusOpen).
		Order("created_at desc").
		First(&trip).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open trip for %s: %v", domain.ErrUnreachable, agentID, err)
	}
	return &trip, nil
}

func (r *Repository) ListTripsByAgent(ctx context.Context, agentID string, offset, limit int) ([]*domain.TripSummary, error) {
	var trips []*domain.TripSummary
	if err := r.db.WithContext(ctx).Where("agent_id = ?", agentID).Order("created_at desc").Offset(offset).Limit(limit).Find(&trips).Error; err != nil {
		return nil, fmt.Errorf("%w: list trips: %v", domain.ErrUnreachable, err)
	}
	return trips, nil
}

// ListTrips pages through every agent's trips, newest first.
func (r *Repository) ListTrips(ctx context.Context, offset, limit int) ([]*domain.TripSummary, error) {
	var trips []*domain.TripSummary
	if err := r.db.WithContext(ctx).Order("created_at desc").Order("id asc").Offset(offset).Limit(limit).Find(&trips).Error; err != nil {
		return nil, fmt.Errorf("%w: list trips: %v", domain.ErrUnreachable, err)
	}
	return trips, nil
}

func (r *Repository) ListOpenTripsBefore(ctx context.Context, day string) ([]*domain.TripSummary, error) {
	var trips []*domain.TripSummary
	if err := r.db.WithContext(ctx).Where("status = ? AND day < ?", domain.TripStatusOpen, day).Find(&trips).Error; err != nil {
		return nil, fmt.Errorf("%w: list open trips: %v", domain.ErrUnreachable, err)
	}
	return trips, nil
}
