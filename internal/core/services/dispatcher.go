package services

import (
	"context"
	"fmt"
	"time"

	"fleetsync.live/internal/core/circuitbreaker"
	"fleetsync.live/internal/core/domain"
	"fleetsync.live/internal/core/logger"
	"fleetsync.live/internal/core/ports"
	"fleetsync.live/internal/core/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Dispatcher assigns stop sets to agents, asking the route optimizer for an
// order first. The optimizer never blocks an assignment.
type Dispatcher struct {
	store     ports.SharedStore
	stops     ports.StopCatalog
	optimizer ports.RouteOptimizer
	breaker   *circuitbreaker.CircuitBreaker
	timeout   time.Duration
}

// NewDispatcher builds a dispatcher. optimizer may be nil, in which case
// stops keep the order they were given.
func NewDispatcher(store ports.SharedStore, stops ports.StopCatalog, optimizer ports.RouteOptimizer, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Dispatcher{
		store:     store,
		stops:     stops,
		optimizer: optimizer,
		breaker:   circuitbreaker.New("route-optimizer"),
		timeout:   timeout,
	}
}

// Plan orders stops for a trip from origin. optimized is false when the
// input order was kept.
func (d *Dispatcher) Plan(ctx context.Context, origin domain.Coordinates, stops []*domain.Stop) (ids []string, optimized bool) {
	ids = make([]string, len(stops))
	for i, st := range stops {
		ids[i] = st.ID
	}
	if d.optimizer == nil || len(stops) < 2 {
		return ids, false
	}

	ctx, span := tracing.StartSpan(ctx, "dispatch.optimize", attribute.Int("stops", len(stops)))
	var order []string
	err := d.breaker.Execute(ctx, func() error {
		octx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		var err error
		order, err = d.optimizer.Optimize(octx, origin, stops)
		return err
	})
	if err == nil {
		err = checkPermutation(ids, order)
	}
	tracing.End(span, err)
	if err != nil {
		logger.WarnContext(ctx, "Route optimizer unavailable, keeping input order", "stops", len(stops), "error", err)
		return ids, false
	}
	return order, true
}

// checkPermutation accepts order only if it holds exactly the ids of want.
func checkPermutation(want, order []string) error {
	if len(order) != len(want) {
		return fmt.Errorf("optimizer returned %d stops for %d", len(order), len(want))
	}
	left := make(map[string]int, len(want))
	for _, id := range want {
		left[id]++
	}
	for _, id := range order {
		if left[id] == 0 {
			return fmt.Errorf("optimizer returned unknown or repeated stop %q", id)
		}
		left[id]--
	}
	return nil
}

// Dispatch replaces agentID's route with stopIDs, optimized when asked.
func (d *Dispatcher) Dispatch(ctx context.Context, agentID string, stopIDs []string, optimize bool) (*domain.ApplyResult, bool, error) {
	ids := stopIDs
	optimized := false
	if optimize && len(stopIDs) > 1 {
		agent, err := d.store.GetAgent(ctx, agentID)
		if err != nil {
			return nil, false, err
		}
		stops := make([]*domain.Stop, 0, len(stopIDs))
		for _, id := range stopIDs {
			st, err := d.stops.GetStop(ctx, id)
			if err != nil {
				return nil, false, err
			}
			stops = append(stops, st)
		}
		ids, optimized = d.Plan(ctx, agent.Position, stops)
	}

	res, err := d.store.Apply(ctx, domain.Mutation{
		ID:          uuid.New().String(),
		Kind:        domain.MutationAssign,
		AgentID:     agentID,
		SubmittedAt: time.Now().UnixMilli(),
		Assign:      &domain.AssignPayload{StopIDs: ids},
	})
	if err != nil {
		return nil, optimized, err
	}
	logger.InfoContext(ctx, "Route dispatched", "agent_id", agentID, "stops", len(ids), "optimized", optimized)
	return res, optimized, nil
}
