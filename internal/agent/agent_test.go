package agent

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	httpapi "fleetsync.live/internal/adapters/handler/http"
	"fleetsync.live/internal/adapters/localstore"
	"fleetsync.live/internal/adapters/queue/memory"
	"fleetsync.live/internal/adapters/repository/sqlstore"
	"fleetsync.live/internal/adapters/storeclient"
	"fleetsync.live/internal/core/domain"
	"fleetsync.live/internal/core/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startStore(t *testing.T) (*httptest.Server, *services.FleetStore) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	repo, err := sqlstore.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	bus := memory.NewBus()
	store := services.NewFleetStore(repo, bus)
	_, err = store.SeedCatalog(ctx, services.DefaultCatalog())
	require.NoError(t, err)

	hub := httpapi.NewHub(bus)
	go hub.Run(ctx)
	go hub.FeedConsumer(ctx)

	srv := httpapi.NewServer(store, services.NewDispatcher(store, store, nil, 0), services.NewHealthService(repo.DB(), nil, ""), hub, 5*24*time.Hour)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

// assignNew registers name on the store and gives it a route.
func assignNew(t *testing.T, store *services.FleetStore, name string, stopIDs ...string) string {
	t.Helper()
	ctx := context.Background()
	agent, err := services.Register(ctx, store, name, nil)
	require.NoError(t, err)
	_, err = store.Apply(ctx, domain.Mutation{ID: "assign-" + name, Kind: domain.MutationAssign, AgentID: agent.ID,
		Assign: &domain.AssignPayload{StopIDs: stopIDs}})
	require.NoError(t, err)
	return agent.ID
}

func testOptions(url, name string) Options {
	return Options{
		StoreURL:      url,
		Name:          name,
		ProbeInterval: 20 * time.Millisecond,
		PushTimeout:   time.Second,
		RetryInterval: 20 * time.Millisecond,
	}
}

func TestAgent_RunScript(t *testing.T) {
	ts, store := startStore(t)
	id := assignNew(t, store, "Ana", "ubs-brilhante", "ubs-sao-pedro")

	opts := testOptions(ts.URL, "Ana")
	opts.StatePath = filepath.Join(t.TempDir(), "agent.db")
	a, err := New(opts)
	require.NoError(t, err)

	script := fmt.Sprintf(`# morning shift
pos lat=-26.9187 lng=-48.6612 speed=3 ts=%d
complete delivered
teleport now
break
resume
complete failed closed gate
`, time.Now().UnixMilli())
	require.NoError(t, a.Run(context.Background(), strings.NewReader(script)))

	got, err := store.GetAgent(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusAvailable, got.Status)
	assert.Empty(t, got.Route)
	assert.InDelta(t, -26.9187, got.Position.Lat, 1e-9)

	trips, err := store.ListTrips(context.Background(), id, 0, 10)
	require.NoError(t, err)
	require.Len(t, trips.Trips, 1)
	assert.True(t, trips.Trips[0].Closed())
	assert.Equal(t, id, a.Tracked().ID)
}

func TestAgent_RestoresSession(t *testing.T) {
	ts, _ := startStore(t)
	state := filepath.Join(t.TempDir(), "agent.db")

	opts := testOptions(ts.URL, "Bruno")
	opts.StatePath = state
	first, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, first.Run(context.Background(), strings.NewReader("")))

	opts.Name = ""
	second, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, second.Run(context.Background(), strings.NewReader("")))
	assert.Equal(t, first.Tracked().ID, second.Tracked().ID)
}

func TestAgent_NameRequiredWithoutSession(t *testing.T) {
	ts, _ := startStore(t)
	opts := testOptions(ts.URL, "")
	opts.StatePath = filepath.Join(t.TempDir(), "agent.db")
	a, err := New(opts)
	require.NoError(t, err)

	err = a.Run(context.Background(), strings.NewReader("sos\n"))
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
}

// flakyStore is a remote store the test can take offline. The feed stays up.
type flakyStore struct {
	*storeclient.Client
	down atomic.Bool
}

func (f *flakyStore) err() error {
	if f.down.Load() {
		return fmt.Errorf("%w: network down", domain.ErrUnreachable)
	}
	return nil
}

func (f *flakyStore) Apply(ctx context.Context, m domain.Mutation) (*domain.ApplyResult, error) {
	if err := f.err(); err != nil {
		return nil, err
	}
	return f.Client.Apply(ctx, m)
}

func (f *flakyStore) Snapshot(ctx context.Context) (*domain.Snapshot, error) {
	if err := f.err(); err != nil {
		return nil, err
	}
	return f.Client.Snapshot(ctx)
}

func (f *flakyStore) Ping(ctx context.Context) error {
	if err := f.err(); err != nil {
		return err
	}
	return f.Client.Ping(ctx)
}

func TestAgent_OfflineCompletionReplaysOnReconnect(t *testing.T) {
	ts, store := startStore(t)
	id := assignNew(t, store, "Carla", "ubs-brilhante", "ubs-sao-pedro")
	ctx := context.Background()

	kv, err := localstore.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	remote := &flakyStore{Client: storeclient.New(ts.URL, time.Second)}
	a := newAgent(testOptions(ts.URL, "Carla"), remote, kv)

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, pr) }()

	routeLen := func() int {
		got, err := store.GetAgent(ctx, id)
		if err != nil {
			return -1
		}
		return len(got.Route)
	}

	_, err = io.WriteString(pw, "complete delivered\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return routeLen() == 1 }, 2*time.Second, 10*time.Millisecond)

	remote.down.Store(true)
	_, err = io.WriteString(pw, "complete delivered\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.channel.Pending(ctx, id) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, routeLen())
	assert.Empty(t, a.Tracked().Route)
	assert.False(t, a.probe.Online())

	remote.down.Store(false)
	require.Eventually(t, func() bool { return routeLen() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return a.channel.Pending(ctx, id) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, a.probe.Online())

	require.NoError(t, pw.Close())
	require.NoError(t, <-done)
}

// droppingFeed loses its first live feed connection shortly after dialing.
// Every other call reaches the store.
type droppingFeed struct {
	*storeclient.Client
	subscribes atomic.Int32
}

func (d *droppingFeed) Subscribe(ctx context.Context) (<-chan domain.FeedEvent, error) {
	if d.subscribes.Add(1) > 1 {
		return d.Client.Subscribe(ctx)
	}
	short, cancel := context.WithCancel(ctx)
	time.AfterFunc(50*time.Millisecond, cancel)
	return d.Client.Subscribe(short)
}

func TestAgent_ResubscribesWhenFeedDropsWhileOnline(t *testing.T) {
	ts, store := startStore(t)
	ctx := context.Background()
	registered, err := services.Register(ctx, store, "Dora", nil)
	require.NoError(t, err)

	kv, err := localstore.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	remote := &droppingFeed{Client: storeclient.New(ts.URL, time.Second)}
	a := newAgent(testOptions(ts.URL, "Dora"), remote, kv)

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, pr) }()

	_, err = io.WriteString(pw, "break\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := store.GetAgent(ctx, registered.ID)
		return err == nil && got.Status == domain.AgentStatusOnBreak
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return remote.subscribes.Load() >= 2 && a.channel.Following()
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, a.probe.Online())

	_, err = store.Apply(ctx, domain.Mutation{ID: "assign-dora", Kind: domain.MutationAssign, AgentID: registered.ID,
		Assign: &domain.AssignPayload{StopIDs: []string{"ubs-brilhante"}}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(a.Tracked().Route) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, pw.Close())
	require.NoError(t, <-done)
}
