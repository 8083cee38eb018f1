package ports

import (
	"context"

	"fleetsync.live/internal/core/domain"
)

type AgentRepository interface {
	SaveAgent(ctx context.Context, agent *domain.Agent) error
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	GetAgentByName(ctx context.Context, name string) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]*domain.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
}

type StopRepository interface {
	SaveStop(ctx context.Context, stop *domain.Stop) error
	GetStop(ctx context.Context, id string) (*domain.Stop, error)
	GetStops(ctx context.Context, ids []string) ([]*domain.Stop, error)
	ListStops(ctx context.Context) ([]*domain.Stop, error)
	CountStops(ctx context.Context) (int64, error)
}

type TripRepository interface {
	SaveTrip(ctx context.Context, trip *domain.TripSummary) error
	GetOpenTrip(ctx context.Context, agentID string) (*domain.TripSummary, error)
	ListTripsByAgent(ctx context.Context, agentID string, offset, limit int) ([]*domain.TripSummary, error)
	ListTrips(ctx context.Context, offset, limit int) ([]*domain.TripSummary, error)
	ListOpenTripsBefore(ctx context.Context, day string) ([]*domain.TripSummary, error)
}

// FeedPubSub carries applied store changes to every subscriber.
type FeedPubSub interface {
	PublishFeed(ctx context.Context, ev domain.FeedEvent) error
	SubscribeFeed(ctx context.Context) (<-chan domain.FeedEvent, error)
}

// DeadLetterSink keeps mutations the store rejected, for inspection.
type DeadLetterSink interface {
	AddRejected(ctx context.Context, m domain.Mutation, reason string) error
}

// SharedStore is the store as seen by a client: the in-process fleet store on
// the server and the HTTP store client on devices.
type SharedStore interface {
	Apply(ctx context.Context, m domain.Mutation) (*domain.ApplyResult, error)
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	FindAgentByName(ctx context.Context, name string) (*domain.Agent, error)
	Snapshot(ctx context.Context) (*domain.Snapshot, error)
	Subscribe(ctx context.Context) (<-chan domain.FeedEvent, error)
}

// KeyValueStore is the device-local durable storage.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// RouteOptimizer orders stops for a trip starting at origin.
type RouteOptimizer interface {
	Optimize(ctx context.Context, origin domain.Coordinates, stops []*domain.Stop) ([]string, error)
}

// LocationSource is the device location watch primitive. onSample and onError
// are called from the source's own goroutine until stop is called.
type LocationSource interface {
	Watch(ctx context.Context, onSample func(domain.Sample), onError func(error)) (stop func(), err error)
}

// FleetRepository is the persistence behind the fleet store.
type FleetRepository interface {
	AgentRepository
	StopRepository
	TripRepository

	// Transaction runs fn against a repository bound to one transaction. It
	// commits when fn returns nil and rolls back otherwise.
	Transaction(ctx context.Context, fn func(tx FleetRepository) error) error
}

// StopCatalog looks up stops by id.
type StopCatalog interface {
	GetStop(ctx context.Context, id string) (*domain.Stop, error)
}
