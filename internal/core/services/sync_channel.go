package services

import (
	"context"
	"sync"
	"time"

	"fleetsync.live/internal/core/circuitbreaker"
	"fleetsync.live/internal/core/domain"
	"fleetsync.live/internal/core/logger"
	"fleetsync.live/internal/core/metrics"
	"fleetsync.live/internal/core/ports"
	"fleetsync.live/internal/core/tracing"
	"go.opentelemetry.io/otel/attribute"
)

type PushOutcome string

const (
	PushApplied PushOutcome = "applied"
	PushQueued  PushOutcome = "queued"
	PushDropped PushOutcome = "dropped"
	PushDenied  PushOutcome = "denied"
	PushInvalid PushOutcome = "invalid"
)

// PushResult is what happened to one pushed mutation. Push never returns an
// error: every failure is one of the outcomes.
type PushResult struct {
	Outcome PushOutcome
	Result  *domain.ApplyResult
	Entry   *domain.OutboxEntry
	Err     error
}

// overlay is a local write not yet confirmed by the store.
type overlay struct {
	agent *domain.Agent
	at    int64 // local clock, epoch millis
}

// SyncChannel links one client to the shared store. Writes go out through
// Push and fall back to the outbox; the live feed is folded into a view that
// every listener sees.
type SyncChannel struct {
	store   ports.SharedStore
	outbox  *Outbox
	breaker *circuitbreaker.CircuitBreaker
	timeout time.Duration
	now     func() time.Time

	mu        sync.Mutex
	agents    map[string]*domain.Agent
	stops     map[string]*domain.Stop
	overlays  map[string]overlay
	stale     bool
	following bool
	listeners map[int]func(domain.FeedEvent, *domain.Snapshot)
	nextID    int

	unreachable func()
}

func NewSyncChannel(store ports.SharedStore, outbox *Outbox, timeout time.Duration) *SyncChannel {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SyncChannel{
		store:     store,
		outbox:    outbox,
		breaker:   circuitbreaker.New("store-push"),
		timeout:   timeout,
		now:       time.Now,
		agents:    make(map[string]*domain.Agent),
		stops:     make(map[string]*domain.Stop),
		overlays:  make(map[string]overlay),
		listeners: make(map[int]func(domain.FeedEvent, *domain.Snapshot)),
	}
}

func (c *SyncChannel) apply(ctx context.Context, m domain.Mutation) (*domain.ApplyResult, error) {
	var res *domain.ApplyResult
	err := c.breaker.Execute(ctx, func() error {
		var err error
		res, err = c.applyDirect(ctx, m)
		return err
	})
	return res, err
}

// applyDirect skips the breaker; replays run right after the store came back
// and must not wait out an open circuit.
func (c *SyncChannel) applyDirect(ctx context.Context, m domain.Mutation) (*domain.ApplyResult, error) {
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.store.Apply(pctx, m)
}

// OnUnreachable registers fn, called whenever a push is queued because the
// store could not be reached.
func (c *SyncChannel) OnUnreachable(fn func()) {
	c.mu.Lock()
	c.unreachable = fn
	c.mu.Unlock()
}

// Push sends m to the store.
func (c *SyncChannel) Push(ctx context.Context, m domain.Mutation) PushResult {
	return c.push(ctx, m, nil)
}

// PushCompletion sends a completion; trip is the local summary kept with the
// outbox entry when the store cannot be reached.
func (c *SyncChannel) PushCompletion(ctx context.Context, m domain.Mutation, trip *domain.TripSummary) PushResult {
	return c.push(ctx, m, trip)
}

func (c *SyncChannel) push(ctx context.Context, m domain.Mutation, trip *domain.TripSummary) (pr PushResult) {
	ctx, span := tracing.StartSpan(ctx, "sync.push",
		attribute.String("mutation.kind", string(m.Kind)),
		attribute.String("agent.id", m.AgentID),
	)
	defer func() {
		span.SetAttributes(attribute.String("push.outcome", string(pr.Outcome)))
		tracing.End(span, pr.Err)
		metrics.RecordPush(string(m.Kind), string(pr.Outcome))
	}()

	if err := m.Normalize(); err != nil {
		logger.WarnContext(ctx, "Invalid mutation not pushed", "kind", m.Kind, "agent_id", m.AgentID, "error", err)
		return PushResult{Outcome: PushInvalid, Err: err}
	}

	// entries already waiting for this agent go first
	pending, err := c.outbox.Pending(ctx, m.AgentID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to read outbox", "error", err)
	}
	if pending > 0 {
		return c.enqueue(ctx, m, trip, domain.ErrUnreachable)
	}

	res, err := c.apply(ctx, m)
	switch domain.KindOf(err) {
	case domain.KindNone:
		c.confirm(ctx, m.AgentID, res)
		return PushResult{Outcome: PushApplied, Result: res}
	case domain.KindTransient:
		c.mu.Lock()
		notify := c.unreachable
		c.mu.Unlock()
		if notify != nil {
			notify()
		}
		return c.enqueue(ctx, m, trip, err)
	case domain.KindPermissionDenied:
		logger.WarnContext(ctx, "Push denied", "kind", m.Kind, "agent_id", m.AgentID, "error", err)
		c.dropOverlay(m.AgentID)
		return PushResult{Outcome: PushDenied, Err: err}
	default:
		logger.WarnContext(ctx, "Push rejected, dropped", "kind", m.Kind, "agent_id", m.AgentID, "error", err)
		c.dropOverlay(m.AgentID)
		return PushResult{Outcome: PushDropped, Err: err}
	}
}

func (c *SyncChannel) enqueue(ctx context.Context, m domain.Mutation, trip *domain.TripSummary, cause error) PushResult {
	entry, err := c.outbox.Append(ctx, m, trip, cause)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to queue mutation", "kind", m.Kind, "agent_id", m.AgentID, "error", err)
		return PushResult{Outcome: PushQueued, Err: err}
	}
	return PushResult{Outcome: PushQueued, Entry: &entry, Err: cause}
}

// confirm folds an acknowledged write into the view. The overlay goes once
// nothing else is pending for the agent.
func (c *SyncChannel) confirm(ctx context.Context, agentID string, res *domain.ApplyResult) {
	pending, err := c.outbox.Pending(ctx, agentID)
	if err != nil {
		pending = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if res != nil && res.Agent != nil {
		c.mergeAgent(res.Agent)
	}
	if pending == 0 {
		delete(c.overlays, agentID)
	}
}

func (c *SyncChannel) dropOverlay(agentID string) {
	c.mu.Lock()
	delete(c.overlays, agentID)
	c.mu.Unlock()
}

// mergeAgent keeps the newer of the held and incoming revision. Caller holds mu.
func (c *SyncChannel) mergeAgent(a *domain.Agent) bool {
	if cur, ok := c.agents[a.ID]; ok && cur.Revision >= a.Revision {
		return false
	}
	c.agents[a.ID] = a.Clone()
	if ov, ok := c.overlays[a.ID]; ok && a.UpdatedAt >= ov.at {
		delete(c.overlays, a.ID)
	}
	return true
}

func (c *SyncChannel) mergeStop(st *domain.Stop) bool {
	if cur, ok := c.stops[st.ID]; ok && cur.Revision >= st.Revision {
		return false
	}
	cp := *st
	c.stops[st.ID] = &cp
	return true
}

// ApplyLocal shows a local write in View before the store confirms it.
// Listeners only hear about store events.
func (c *SyncChannel) ApplyLocal(a *domain.Agent) {
	c.mu.Lock()
	c.overlays[a.ID] = overlay{agent: a.Clone(), at: c.now().UnixMilli()}
	c.mu.Unlock()
}

// Start loads the current snapshot and follows the live feed until ctx ends.
// When the snapshot cannot be read the view keeps its last good state,
// marked stale. Calling Start again resubscribes only if the feed dropped.
func (c *SyncChannel) Start(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	if c.following {
		c.mu.Unlock()
		return nil
	}
	c.following = true
	c.mu.Unlock()

	feed, err := c.store.Subscribe(ctx)
	if err != nil {
		c.mu.Lock()
		c.following = false
		c.mu.Unlock()
		c.markStale(err)
		return err
	}
	go c.follow(ctx, feed)
	return nil
}

// Following reports whether the live feed is connected.
func (c *SyncChannel) Following() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.following
}

// Refresh replaces the view with a fresh snapshot.
func (c *SyncChannel) Refresh(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	snap, err := c.store.Snapshot(rctx)
	if err != nil {
		c.markStale(err)
		return err
	}
	c.mu.Lock()
	for _, a := range snap.Agents {
		c.mergeAgent(a)
	}
	for _, st := range snap.Stops {
		c.mergeStop(st)
	}
	c.stale = false
	c.mu.Unlock()
	return nil
}

func (c *SyncChannel) markStale(err error) {
	logger.Warn("Store read failed, serving last good snapshot", "error", err)
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

func (c *SyncChannel) follow(ctx context.Context, feed <-chan domain.FeedEvent) {
	defer func() {
		c.mu.Lock()
		c.following = false
		c.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				if ctx.Err() == nil {
					c.markStale(domain.ErrUnreachable)
				}
				return
			}
			c.Deliver(ev)
		}
	}
}

// Deliver folds one feed event into the view and notifies listeners.
// Out-of-order events for an entity are ignored.
func (c *SyncChannel) Deliver(ev domain.FeedEvent) {
	c.mu.Lock()
	changed := false
	switch ev.Entity {
	case domain.EntityAgent:
		switch {
		case ev.Op == domain.FeedDelete:
			if cur, ok := c.agents[ev.ID]; !ok || cur.Revision < ev.Revision {
				delete(c.agents, ev.ID)
				delete(c.overlays, ev.ID)
				changed = true
			}
		case ev.Agent != nil:
			changed = c.mergeAgent(ev.Agent)
		}
	case domain.EntityStop:
		if ev.Stop != nil {
			changed = c.mergeStop(ev.Stop)
		}
	case domain.EntityTrip:
		changed = true
	}
	if !changed {
		c.mu.Unlock()
		return
	}
	snap := c.snapshotLocked()
	listeners := c.listenersLocked()
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(ev, snap)
	}
}

// OnChange registers fn for every applied feed event and local write. The
// returned func unregisters it.
func (c *SyncChannel) OnChange(fn func(domain.FeedEvent, *domain.Snapshot)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *SyncChannel) listenersLocked() []func(domain.FeedEvent, *domain.Snapshot) {
	out := make([]func(domain.FeedEvent, *domain.Snapshot), 0, len(c.listeners))
	for _, fn := range c.listeners {
		out = append(out, fn)
	}
	return out
}

func (c *SyncChannel) snapshotLocked() *domain.Snapshot {
	snap := &domain.Snapshot{
		Agents: make([]*domain.Agent, 0, len(c.agents)+len(c.overlays)),
		Stops:  make([]*domain.Stop, 0, len(c.stops)),
		Stale:  c.stale,
	}
	for id, a := range c.agents {
		if ov, ok := c.overlays[id]; ok {
			snap.Agents = append(snap.Agents, ov.agent.Clone())
			continue
		}
		snap.Agents = append(snap.Agents, a.Clone())
	}
	for id, ov := range c.overlays {
		if _, ok := c.agents[id]; !ok {
			snap.Agents = append(snap.Agents, ov.agent.Clone())
		}
	}
	for _, st := range c.stops {
		cp := *st
		snap.Stops = append(snap.Stops, &cp)
	}
	snap.SortByID()
	return snap
}

// View is the current merged view: authoritative state with unconfirmed
// local writes on top.
func (c *SyncChannel) View() *domain.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Authoritative returns the last store-confirmed state of agent id.
func (c *SyncChannel) Authoritative(id string) (*domain.Agent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.agents[id]
	return a.Clone(), ok
}

// HasOverlay reports whether agent id has an unconfirmed local write.
func (c *SyncChannel) HasOverlay(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.overlays[id]
	return ok
}

// Pending reports queued outbox entries for agentID.
func (c *SyncChannel) Pending(ctx context.Context, agentID string) int {
	n, err := c.outbox.Pending(ctx, agentID)
	if err != nil {
		return 0
	}
	return n
}

// Reconnected is the back-online signal: it replays the outbox in order and
// refreshes the view.
func (c *SyncChannel) Reconnected(ctx context.Context) (DrainReport, error) {
	ctx, span := tracing.StartSpan(ctx, "sync.reconnected")
	report, err := c.outbox.Drain(ctx, c.applyDirect)
	tracing.End(span, err)
	if err != nil {
		return report, err
	}
	for i, res := range report.Results {
		c.confirm(ctx, report.Replayed[i].AgentID, res)
	}
	for _, e := range append(report.Dropped, report.Denied...) {
		if c.Pending(ctx, e.AgentID) == 0 {
			c.dropOverlay(e.AgentID)
		}
	}
	logger.Info("Outbox drained",
		"replayed", len(report.Replayed),
		"dropped", len(report.Dropped),
		"denied", len(report.Denied),
		"remaining", report.Remaining,
	)
	if report.Halted == nil {
		if err := c.Refresh(ctx); err != nil {
			logger.Warn("Refresh after reconnect failed", "error", err)
		}
	}
	return report, nil
}
