package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"fleetsync.live/internal/core/domain"
	"fleetsync.live/internal/core/logger"
	"fleetsync.live/internal/core/metrics"
	"fleetsync.live/internal/core/ports"
)

// OutboxKey holds the JSON list of pending entries in the device store.
const OutboxKey = "fleet:outbox"

// ApplyFunc hands one mutation to the shared store.
type ApplyFunc func(ctx context.Context, m domain.Mutation) (*domain.ApplyResult, error)

// Outbox is the offline durability queue: mutations that could not reach the
// store, persisted in submission order.
type Outbox struct {
	kv  ports.KeyValueStore
	now func() time.Time

	mu      sync.Mutex // guards the persisted list
	drainMu sync.Mutex // one drain at a time
}

func NewOutbox(kv ports.KeyValueStore) *Outbox {
	return &Outbox{kv: kv, now: time.Now}
}

func (o *Outbox) load(ctx context.Context) ([]domain.OutboxEntry, error) {
	data, ok, err := o.kv.Get(ctx, OutboxKey)
	if err != nil {
		return nil, fmt.Errorf("outbox: load: %w", err)
	}
	if !ok || len(data) == 0 {
		return nil, nil
	}
	var entries []domain.OutboxEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("outbox: decode: %w", err)
	}
	return entries, nil
}

func (o *Outbox) save(ctx context.Context, entries []domain.OutboxEntry) error {
	defer metrics.SetOutboxDepth(len(entries))
	if len(entries) == 0 {
		return o.kv.Delete(ctx, OutboxKey)
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("outbox: encode: %w", err)
	}
	if err := o.kv.Put(ctx, OutboxKey, data); err != nil {
		return fmt.Errorf("outbox: save: %w", err)
	}
	return nil
}

// Append queues m behind every entry already pending. trip is the summary
// the mutation would have closed, if any.
func (o *Outbox) Append(ctx context.Context, m domain.Mutation, trip *domain.TripSummary, cause error) (domain.OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entries, err := o.load(ctx)
	if err != nil {
		return domain.OutboxEntry{}, err
	}
	var seq int64 = 1
	if n := len(entries); n > 0 {
		seq = entries[n-1].Seq + 1
	}
	entry := domain.OutboxEntry{
		Seq:        seq,
		AgentID:    m.AgentID,
		Kind:       m.Kind,
		TargetID:   m.TargetID(),
		Mutation:   m,
		EnqueuedAt: o.now().UnixMilli(),
		Trip:       trip.Clone(),
	}
	if cause != nil {
		entry.LastError = cause.Error()
	}
	if err := o.save(ctx, append(entries, entry)); err != nil {
		return domain.OutboxEntry{}, err
	}
	logger.Info("Mutation queued offline", "kind", m.Kind, "agent_id", m.AgentID, "seq", seq)
	return entry, nil
}

func (o *Outbox) Entries(ctx context.Context) ([]domain.OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.load(ctx)
}

func (o *Outbox) Len(ctx context.Context) (int, error) {
	entries, err := o.Entries(ctx)
	return len(entries), err
}

// Pending counts entries queued for agentID.
func (o *Outbox) Pending(ctx context.Context, agentID string) (int, error) {
	entries, err := o.Entries(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.AgentID == agentID {
			n++
		}
	}
	return n, nil
}

// DrainReport describes one replay pass.
type DrainReport struct {
	Replayed  []domain.OutboxEntry
	Results   []*domain.ApplyResult
	Dropped   []domain.OutboxEntry // rejected by the store
	Denied    []domain.OutboxEntry // permission denied; surfaced to the user
	Remaining int
	// Halted is the unreachable error that stopped the pass, if any.
	Halted error
}

// Drain replays entries strictly in order. A success or a rejection removes
// exactly that entry; an unreachable store stops the pass and leaves the rest
// for the next back-online signal.
func (o *Outbox) Drain(ctx context.Context, apply ApplyFunc) (DrainReport, error) {
	o.drainMu.Lock()
	defer o.drainMu.Unlock()

	var report DrainReport
	for {
		o.mu.Lock()
		entries, err := o.load(ctx)
		o.mu.Unlock()
		if err != nil {
			return report, err
		}
		if len(entries) == 0 {
			return report, nil
		}
		head := entries[0]

		res, applyErr := apply(ctx, head.Mutation)
		kind := domain.KindOf(applyErr)
		if kind == domain.KindTransient {
			report.Halted = applyErr
			report.Remaining = len(entries)
			metrics.RecordReplay("halted")
			logger.Warn("Outbox drain halted", "seq", head.Seq, "remaining", len(entries), "error", applyErr)
			return report, o.touch(ctx, head.Seq, applyErr)
		}

		if err := o.remove(ctx, head.Seq); err != nil {
			return report, err
		}
		switch kind {
		case domain.KindNone:
			report.Replayed = append(report.Replayed, head)
			report.Results = append(report.Results, res)
			metrics.RecordReplay("applied")
		case domain.KindPermissionDenied:
			report.Denied = append(report.Denied, head)
			metrics.RecordReplay("denied")
			logger.Warn("Outbox entry denied", "seq", head.Seq, "kind", head.Kind, "error", applyErr)
		default:
			report.Dropped = append(report.Dropped, head)
			metrics.RecordReplay("dropped")
			logger.Warn("Outbox entry rejected, dropped", "seq", head.Seq, "kind", head.Kind, "error", applyErr)
		}
	}
}

func (o *Outbox) remove(ctx context.Context, seq int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	entries, err := o.load(ctx)
	if err != nil {
		return err
	}
	for i, e := range entries {
		if e.Seq == seq {
			return o.save(ctx, append(entries[:i:i], entries[i+1:]...))
		}
	}
	return nil
}

// touch records a failed replay attempt on the entry.
func (o *Outbox) touch(ctx context.Context, seq int64, cause error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	entries, err := o.load(ctx)
	if err != nil {
		return err
	}
	for i := range entries {
		if entries[i].Seq == seq {
			entries[i].Attempts++
			entries[i].LastError = cause.Error()
			return o.save(ctx, entries)
		}
	}
	return nil
}
