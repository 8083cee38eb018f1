package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"fleetsync.live/internal/adapters/queue/memory"
	"fleetsync.live/internal/adapters/repository/sqlstore"
	"fleetsync.live/internal/core/domain"
	"fleetsync.live/internal/core/ports"
	"fleetsync.live/internal/core/sampler"
	"github.com/stretchr/testify/require"
)

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (m *memKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return append([]byte(nil), v...), ok, nil
}

func (m *memKV) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// flakyStore wraps a store with a switchable outage and records every
// mutation that reached it.
type flakyStore struct {
	ports.SharedStore

	mu      sync.Mutex
	down    bool
	applied []domain.Mutation
}

func (f *flakyStore) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *flakyStore) Apply(ctx context.Context, m domain.Mutation) (*domain.ApplyResult, error) {
	f.mu.Lock()
	if f.down {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: connection refused", domain.ErrUnreachable)
	}
	f.applied = append(f.applied, m)
	f.mu.Unlock()
	return f.SharedStore.Apply(ctx, m)
}

func (f *flakyStore) Snapshot(ctx context.Context) (*domain.Snapshot, error) {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return nil, fmt.Errorf("%w: connection refused", domain.ErrUnreachable)
	}
	return f.SharedStore.Snapshot(ctx)
}

func (f *flakyStore) appliedKinds(kind domain.MutationKind) []domain.Mutation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Mutation
	for _, m := range f.applied {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// fakeSource is a location source driven by the test. Every Watch call is
// kept so callbacks of stopped listeners can still be fired.
type fakeSource struct {
	mu       sync.Mutex
	watches  []func(domain.Sample)
	errs     []func(error)
	stopped  int
	watchErr error
}

func (s *fakeSource) Watch(_ context.Context, onSample func(domain.Sample), onError func(error)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchErr != nil {
		return nil, s.watchErr
	}
	s.watches = append(s.watches, onSample)
	s.errs = append(s.errs, onError)
	return func() {
		s.mu.Lock()
		s.stopped++
		s.mu.Unlock()
	}, nil
}

// emit fires the newest listener.
func (s *fakeSource) emit(sample domain.Sample) {
	s.emitTo(-1, sample)
}

// emitTo fires listener i; negative counts from the end.
func (s *fakeSource) emitTo(i int, sample domain.Sample) {
	s.mu.Lock()
	if i < 0 {
		i = len(s.watches) + i
	}
	fn := s.watches[i]
	s.mu.Unlock()
	fn(sample)
}

func (s *fakeSource) fail(err error) {
	s.mu.Lock()
	fn := s.errs[len(s.errs)-1]
	s.mu.Unlock()
	fn(err)
}

func (s *fakeSource) counts() (watches, stopped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches), s.stopped
}

type fixture struct {
	ctx     context.Context
	repo    *sqlstore.Repository
	store   *FleetStore
	bus     *memory.Bus
	flaky   *flakyStore
	kv      *memKV
	outbox  *Outbox
	channel *SyncChannel
}

func newFixture(t *testing.T, stopIDs ...string) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	repo, err := sqlstore.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	bus := memory.NewBus()
	store := NewFleetStore(repo, bus)
	for i, id := range stopIDs {
		_, err := store.CreateStop(ctx, &domain.Stop{
			ID:     id,
			Name:   "Stop " + id,
			Coords: domain.Coordinates{Lat: -26.90 - float64(i)*0.01, Lng: -48.66},
		})
		require.NoError(t, err)
	}

	flaky := &flakyStore{SharedStore: store}
	kv := newMemKV()
	outbox := NewOutbox(kv)
	channel := NewSyncChannel(flaky, outbox, time.Second)
	require.NoError(t, channel.Start(ctx))

	return &fixture{
		ctx:     ctx,
		repo:    repo,
		store:   store,
		bus:     bus,
		flaky:   flaky,
		kv:      kv,
		outbox:  outbox,
		channel: channel,
	}
}

func (f *fixture) register(t *testing.T, name string) *domain.Agent {
	t.Helper()
	a, err := Register(f.ctx, f.flaky, name, &domain.Coordinates{Lat: -26.9094, Lng: -48.6630})
	require.NoError(t, err)
	return a
}

func (f *fixture) tracker(t *testing.T, agent *domain.Agent, src *fakeSource) *Tracker {
	t.Helper()
	tr := NewTracker(agent, f.channel, src, sampler.DefaultConfig())
	require.NoError(t, tr.Start(f.ctx))
	t.Cleanup(tr.Stop)
	return tr
}

func (f *fixture) assign(t *testing.T, agentID string, stopIDs ...string) *domain.ApplyResult {
	t.Helper()
	res, err := f.store.Apply(f.ctx, domain.Mutation{
		ID:      "assign-" + agentID,
		Kind:    domain.MutationAssign,
		AgentID: agentID,
		Assign:  &domain.AssignPayload{StopIDs: stopIDs},
	})
	require.NoError(t, err)
	return res
}

func routeIDs(a *domain.Agent) []string {
	return a.Queue().IDs()
}
