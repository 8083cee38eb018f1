package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fleetsync.live/internal/core/domain"
	"fleetsync.live/internal/core/logger"
	"fleetsync.live/internal/core/ports"
	"fleetsync.live/internal/core/sampler"
	"github.com/google/uuid"
)

// ActionResult is the outcome of one tracker action: the state transition
// and every push it caused, in push order.
type ActionResult struct {
	Transition domain.Transition
	Pushes     []PushResult
}

// Tracker is one agent's tracking session on the device. It owns the
// sampler, the local agent and trip, and the location listener.
type Tracker struct {
	channel *SyncChannel
	source  ports.LocationSource
	sampler *sampler.Sampler
	now     func() time.Time

	// pushMu keeps pushes in the order their local changes were made.
	pushMu sync.Mutex

	mu        sync.Mutex
	ctx       context.Context
	agent     *domain.Agent
	trip      *domain.TripSummary
	lastTrip  *domain.TripSummary
	running   bool
	epoch     uint64
	stopWatch func()
	stopFeed  func()
	lastRaw   *domain.Sample
	seen      int64 // highest store revision adopted
	pushing   bool
	deferred  *domain.Agent
}

func NewTracker(agent *domain.Agent, channel *SyncChannel, source ports.LocationSource, cfg sampler.Config) *Tracker {
	return &Tracker{
		channel: channel,
		source:  source,
		sampler: sampler.New(cfg),
		now:     time.Now,
		agent:   agent.Clone(),
		seen:    agent.Revision,
	}
}

// WithClock replaces the session clock. Tests only.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Start begins the session: follows the feed and, unless on break, watches
// the location source.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	t.running = true
	t.ctx = ctx
	t.stopFeed = t.channel.OnChange(t.onFeed)
	if t.agent.Status.Propagates() {
		return t.startListenerLocked()
	}
	return nil
}

// Stop ends the session. Callbacks from the old listener are ignored from
// here on.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.running = false
	stop := t.stopListenerLocked()
	if t.stopFeed != nil {
		t.stopFeed()
		t.stopFeed = nil
	}
	t.sampler.Reset()
	t.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (t *Tracker) startListenerLocked() error {
	t.epoch++
	epoch := t.epoch
	stop, err := t.source.Watch(t.ctx,
		func(s domain.Sample) { t.handleSample(epoch, s) },
		func(err error) { t.handleError(epoch, err) },
	)
	if err != nil {
		t.reportConditionLocked(err)
		return fmt.Errorf("start location watch: %w", err)
	}
	t.stopWatch = stop
	logger.Debug("Location listener started", "agent_id", t.agent.ID, "epoch", epoch)
	return nil
}

// stopListenerLocked invalidates the current listener. The returned func
// releases the source and must be called without holding mu.
func (t *Tracker) stopListenerLocked() func() {
	t.epoch++
	stop := t.stopWatch
	t.stopWatch = nil
	return stop
}

func (t *Tracker) handleSample(epoch uint64, s domain.Sample) {
	t.pushMu.Lock()
	defer t.pushMu.Unlock()

	t.mu.Lock()
	if epoch != t.epoch || !t.running || !t.agent.Status.Propagates() {
		t.mu.Unlock()
		return
	}
	t.lastRaw = &s
	acc, ok := t.sampler.Offer(s)
	if !ok {
		t.mu.Unlock()
		return
	}
	m := t.positionLocked(acc)
	ctx, agent := t.beginPushLocked()
	t.mu.Unlock()

	t.channel.ApplyLocal(agent)
	pr := t.channel.Push(ctx, m)
	t.endPush(pr)
}

func (t *Tracker) handleError(epoch uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if epoch != t.epoch {
		return
	}
	t.reportConditionLocked(err)
}

func (t *Tracker) reportConditionLocked(err error) {
	cond := t.sampler.ReportError(err)
	logger.Warn("Location unavailable", "agent_id", t.agent.ID, "condition", cond, "error", err)
}

// Condition is the device location state; tracking keeps running in every
// condition.
func (t *Tracker) Condition() (sampler.Condition, error) {
	return t.sampler.Condition()
}

func (t *Tracker) mutation(kind domain.MutationKind) domain.Mutation {
	return domain.Mutation{
		ID:          uuid.New().String(),
		Kind:        kind,
		AgentID:     t.agent.ID,
		SubmittedAt: t.now().UnixMilli(),
	}
}

func (t *Tracker) positionLocked(acc sampler.Accepted) domain.Mutation {
	t.agent.Position = acc.Sample.Coords
	t.agent.PositionAt = acc.Sample.Timestamp.UnixMilli()
	t.agent.Label = acc.Label
	m := t.mutation(domain.MutationPosition)
	m.Position = &domain.PositionPayload{
		Coords:    acc.Sample.Coords,
		Label:     acc.Label,
		SpeedKmh:  acc.Sample.SpeedKmh(),
		SampledAt: acc.Sample.Timestamp.UnixMilli(),
	}
	return m
}

// forcedPositionLocked re-sends the last known position now, past the
// throttle. ok is false when no position was ever seen.
func (t *Tracker) forcedPositionLocked() (domain.Mutation, bool) {
	var s domain.Sample
	switch {
	case t.lastRaw != nil:
		s = *t.lastRaw
	default:
		last, ok := t.sampler.Last()
		if !ok {
			return domain.Mutation{}, false
		}
		s = last
	}
	if now := t.now(); now.After(s.Timestamp) {
		s.Timestamp = now
	}
	return t.positionLocked(t.sampler.Force(s)), true
}

func (t *Tracker) statusMutation(ev domain.AgentEvent) domain.Mutation {
	m := t.mutation(domain.MutationStatus)
	m.Status = &domain.StatusPayload{Event: ev}
	return m
}

func (t *Tracker) beginPushLocked() (context.Context, *domain.Agent) {
	t.pushing = true
	ctx := t.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx, t.agent.Clone()
}

// endPush adopts the store's view once no local write is outstanding.
func (t *Tracker) endPush(results ...PushResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pushing = false
	latest := t.deferred
	t.deferred = nil
	for _, pr := range results {
		if pr.Outcome != PushApplied || pr.Result == nil || pr.Result.Agent == nil {
			continue
		}
		if latest == nil || pr.Result.Agent.Revision > latest.Revision {
			latest = pr.Result.Agent
		}
	}
	if latest != nil {
		t.offerLocked(latest)
	}
}

// statusAction runs ev through the state machine and pushes its effects.
func (t *Tracker) statusAction(ctx context.Context, ev domain.AgentEvent) (ActionResult, error) {
	t.pushMu.Lock()
	defer t.pushMu.Unlock()

	t.mu.Lock()
	tr, err := t.agent.Apply(ev)
	if err != nil {
		t.mu.Unlock()
		return ActionResult{Transition: tr}, err
	}
	if tr.From == tr.To && len(tr.Effects) == 0 {
		t.mu.Unlock()
		return ActionResult{Transition: tr}, nil
	}

	var stop func()
	if tr.Has(domain.EffectSuspendPropagation) {
		stop = t.stopListenerLocked()
	}
	if tr.Has(domain.EffectResumePropagation) && t.running {
		if err := t.startListenerLocked(); err != nil {
			logger.Warn("Location listener not restarted", "agent_id", t.agent.ID, "error", err)
		}
	}
	mutations := []domain.Mutation{t.statusMutation(ev)}
	if tr.Has(domain.EffectForcePositionPush) {
		if m, ok := t.forcedPositionLocked(); ok {
			mutations = append(mutations, m)
		}
	}
	sessionCtx, agent := t.beginPushLocked()
	if ctx == nil {
		ctx = sessionCtx
	}
	t.mu.Unlock()

	if stop != nil {
		stop()
	}
	t.channel.ApplyLocal(agent)
	res := ActionResult{Transition: tr}
	for _, m := range mutations {
		res.Pushes = append(res.Pushes, t.channel.Push(ctx, m))
	}
	t.endPush(res.Pushes...)
	logger.Info("Agent status changed", "agent_id", agent.ID, "from", tr.From, "to", tr.To)
	return res, nil
}

// StartBreak suspends position propagation.
func (t *Tracker) StartBreak(ctx context.Context) (ActionResult, error) {
	return t.statusAction(ctx, domain.EventBreakStarted)
}

// EndBreak resumes propagation with one forced position push.
func (t *Tracker) EndBreak(ctx context.Context) (ActionResult, error) {
	return t.statusAction(ctx, domain.EventBreakEnded)
}

// Distress raises an emergency, pushed immediately with the current position.
func (t *Tracker) Distress(ctx context.Context) (ActionResult, error) {
	return t.statusAction(ctx, domain.EventDistress)
}

// CompleteStop completes stopID, or the current head when stopID is empty.
// Completing a stop this session already recorded is a no-op.
func (t *Tracker) CompleteStop(ctx context.Context, stopID string, outcome domain.Outcome, note string) (domain.CompletionResult, ActionResult, error) {
	t.pushMu.Lock()
	defer t.pushMu.Unlock()

	t.mu.Lock()
	now := t.now()
	trip := t.trip
	if trip == nil {
		if stopID != "" && t.lastTrip != nil && t.lastTrip.HasStop(stopID) {
			t.mu.Unlock()
			return domain.CompletionResult{}, ActionResult{}, nil
		}
		trip = domain.NewTripSummary("trip-"+uuid.New().String(), t.agent, now)
	}
	done, err := t.agent.CompleteHead(trip, stopID, outcome, note, now)
	if err != nil || !done.Applied {
		t.mu.Unlock()
		return done, ActionResult{}, err
	}
	if done.ClosedTrip {
		t.lastTrip = trip
		t.trip = nil
	} else {
		t.trip = trip
	}
	m := t.mutation(domain.MutationComplete)
	m.Complete = &domain.CompletePayload{
		StopID:     done.Stop.ID,
		Outcome:    outcome,
		Note:       note,
		At:         now.UnixMilli(),
		ClosesTrip: done.ClosedTrip,
	}
	tripCopy := trip.Clone()
	sessionCtx, agent := t.beginPushLocked()
	if ctx == nil {
		ctx = sessionCtx
	}
	t.mu.Unlock()

	t.channel.ApplyLocal(agent)
	pr := t.channel.PushCompletion(ctx, m, tripCopy)
	if pr.Outcome == PushApplied && pr.Result != nil && pr.Result.Trip != nil {
		t.mu.Lock()
		if pr.Result.Trip.Closed() {
			t.lastTrip = pr.Result.Trip.Clone()
		} else {
			t.trip = pr.Result.Trip.Clone()
		}
		t.mu.Unlock()
	}
	t.endPush(pr)
	logger.Info("Stop completed", "agent_id", agent.ID, "stop_id", done.Stop.ID, "outcome", outcome, "push", pr.Outcome)
	return done, ActionResult{Transition: done.Transition, Pushes: []PushResult{pr}}, nil
}

func (t *Tracker) onFeed(ev domain.FeedEvent, _ *domain.Snapshot) {
	if ev.Entity != domain.EntityAgent {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if ev.ID != t.agent.ID {
		return
	}
	if ev.Op == domain.FeedDelete {
		logger.Warn("Agent deleted by the store", "agent_id", t.agent.ID)
		return
	}
	if ev.Agent != nil {
		t.offerLocked(ev.Agent)
	}
}

// offerLocked adopts a store version of the agent unless local writes are
// still on their way, in which case the newest version waits.
func (t *Tracker) offerLocked(remote *domain.Agent) {
	if remote.Revision <= t.seen {
		return
	}
	ctx := t.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if t.pushing || t.channel.Pending(ctx, t.agent.ID) > 0 {
		if t.deferred == nil || remote.Revision > t.deferred.Revision {
			t.deferred = remote.Clone()
		}
		return
	}
	t.adoptLocked(remote)
}

func (t *Tracker) adoptLocked(remote *domain.Agent) {
	t.seen = remote.Revision
	prev := t.agent.Status
	routeChanged := !sameRoute(t.agent.Route, remote.Route)
	if !routeChanged && prev == remote.Status {
		return
	}
	t.agent.Route = append([]domain.Stop(nil), remote.Route...)
	t.agent.Status = remote.Status

	switch {
	case prev.Propagates() && !remote.Status.Propagates():
		if stop := t.stopListenerLocked(); stop != nil {
			// the old listener ignores callbacks already, release it off-lock
			go stop()
		}
	case !prev.Propagates() && remote.Status.Propagates() && t.running:
		if err := t.startListenerLocked(); err != nil {
			logger.Warn("Location listener not restarted", "agent_id", t.agent.ID, "error", err)
		}
	}
	if routeChanged {
		logger.Info("Route received", "agent_id", t.agent.ID, "stops", len(remote.Route), "status", remote.Status)
	}
}

// Resync adopts the store's current view of the agent. Call it after the
// outbox drained.
func (t *Tracker) Resync() {
	t.mu.Lock()
	defer t.mu.Unlock()
	remote, ok := t.channel.Authoritative(t.agent.ID)
	if t.deferred != nil && (!ok || t.deferred.Revision > remote.Revision) {
		remote, ok = t.deferred, true
	}
	t.deferred = nil
	if ok {
		t.offerLocked(remote)
	}
}

func sameRoute(a, b []domain.Stop) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}

// Agent is the session's local view of the agent.
func (t *Tracker) Agent() *domain.Agent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.agent.Clone()
}

// Trip is the open trip summary, nil before the first completion of a trip.
func (t *Tracker) Trip() *domain.TripSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trip.Clone()
}

// LastTrip is the most recently closed trip summary.
func (t *Tracker) LastTrip() *domain.TripSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastTrip.Clone()
}

// Epoch identifies the current location listener.
func (t *Tracker) Epoch() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epoch
}
