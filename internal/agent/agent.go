// Package agent is the device client: it restores or registers the agent,
// tracks it against the shared store and replays a device script.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"fleetsync.live/internal/adapters/localstore"
	"fleetsync.live/internal/adapters/storeclient"
	"fleetsync.live/internal/core/domain"
	"fleetsync.live/internal/core/logger"
	"fleetsync.live/internal/core/ports"
	"fleetsync.live/internal/core/sampler"
	"fleetsync.live/internal/core/services"
)

type Options struct {
	StoreURL      string
	Name          string
	StatePath     string
	ProbeInterval time.Duration
	PushTimeout   time.Duration
	RetryInterval time.Duration
	Sampler       sampler.Config
}

// store is what the device needs from the remote store.
type store interface {
	ports.SharedStore
	Pinger
}

type Agent struct {
	opts    Options
	store   store
	kv      *localstore.Store
	session *services.Session
	channel *services.SyncChannel
	source  *ScriptSource
	probe   *Probe
	tracker *services.Tracker
	log     *slog.Logger
}

func New(opts Options) (*Agent, error) {
	kv, err := localstore.Open(opts.StatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open device state: %w", err)
	}
	return newAgent(opts, storeclient.New(opts.StoreURL, opts.PushTimeout), kv), nil
}

func newAgent(opts Options, st store, kv *localstore.Store) *Agent {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}
	if opts.Sampler == (sampler.Config{}) {
		opts.Sampler = sampler.DefaultConfig()
	}
	return &Agent{
		opts:    opts,
		store:   st,
		kv:      kv,
		session: services.NewSession(kv),
		channel: services.NewSyncChannel(st, services.NewOutbox(kv), opts.PushTimeout),
		source:  NewScriptSource(),
		probe:   NewProbe(st, opts.ProbeInterval),
		log:     logger.Component("agent"),
	}
}

// Run tracks the agent and applies script commands from input until the
// input ends or ctx is done.
func (a *Agent) Run(ctx context.Context, input io.Reader) error {
	defer a.kv.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var agent *domain.Agent
	for {
		var err error
		agent, err = a.register(ctx)
		if err == nil {
			break
		}
		if domain.KindOf(err) != domain.KindTransient {
			return err
		}
		a.log.Warn("Registration failed, retrying", "error", err, "in", a.opts.RetryInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.opts.RetryInterval):
		}
	}
	ctx = logger.WithAgent(ctx, agent.ID)
	a.log.Info("Agent started", "agent_id", agent.ID, "name", agent.Name, "status", agent.Status)

	a.channel.OnUnreachable(a.probe.MarkOffline)
	if err := a.channel.Start(ctx); err != nil {
		a.log.Warn("Store feed unavailable, starting offline", "error", err)
		a.probe.MarkOffline()
	}

	a.tracker = services.NewTracker(agent, a.channel, a.source, a.opts.Sampler)
	if err := a.tracker.Start(ctx); err != nil {
		a.log.Warn("Location watch failed", "error", err)
	}
	defer a.tracker.Stop()

	a.probe.OnOnline(a.reconnect)
	a.probe.OnAlive(a.keepFollowing)
	go a.probe.Run(ctx)

	err := a.runScript(ctx, input)
	if n := a.channel.Pending(context.Background(), agent.ID); n > 0 {
		a.log.Warn("Changes still queued, they replay on next start", "pending", n)
	}
	return err
}

// register restores the remembered agent, or registers opts.Name.
func (a *Agent) register(ctx context.Context) (*domain.Agent, error) {
	agent, role, err := a.session.Restore(ctx, a.store)
	if err != nil {
		return nil, err
	}
	if agent != nil && role == services.RoleAgent && (a.opts.Name == "" || agent.Name == a.opts.Name) {
		a.log.Info("Session restored", "agent_id", agent.ID)
		return agent, nil
	}
	if a.opts.Name == "" {
		return nil, fmt.Errorf("%w: no remembered agent, a name is required", domain.ErrPreconditionFailed)
	}
	agent, err = services.Register(ctx, a.store, a.opts.Name, nil)
	if err != nil {
		return nil, err
	}
	if err := a.session.Save(ctx, agent.ID, services.RoleAgent); err != nil {
		return nil, err
	}
	return agent, nil
}

// reconnect replays the outbox once the store answers again.
func (a *Agent) reconnect(ctx context.Context) {
	report, err := a.channel.Reconnected(ctx)
	if err != nil {
		a.log.Error("Outbox replay failed", "error", err)
		return
	}
	if report.Halted != nil {
		a.probe.MarkOffline()
		return
	}
	for _, e := range report.Denied {
		a.log.Error("Change refused by the store", "mutation_id", e.Mutation.ID, "kind", e.Mutation.Kind, "error", e.LastError)
	}
	a.resubscribe(ctx)
	a.tracker.Resync()
}

// keepFollowing redials the live feed when it dropped while the store kept
// answering.
func (a *Agent) keepFollowing(ctx context.Context) {
	if a.channel.Following() {
		return
	}
	a.log.Info("Live feed lost, resubscribing")
	if a.resubscribe(ctx) {
		a.tracker.Resync()
	}
}

func (a *Agent) resubscribe(ctx context.Context) bool {
	if a.channel.Following() {
		return true
	}
	if err := a.channel.Start(ctx); err != nil {
		a.log.Warn("Feed resubscribe failed", "error", err)
		return false
	}
	return true
}

func (a *Agent) runScript(ctx context.Context, input io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(input)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	n := 0
	for {
		select {
		case <-ctx.Done():
			a.log.Info("Context cancelled, stopping agent")
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read script: %w", err)
					}
				default:
				}
				a.log.Info("Script finished", "lines", n)
				return nil
			}
			n++
			cmd, ok, err := parseCommand(line, time.Now())
			if err != nil {
				a.log.Warn("Skipping script line", "line", n, "error", err)
				continue
			}
			if ok {
				a.exec(ctx, cmd)
			}
		}
	}
}

func (a *Agent) exec(ctx context.Context, cmd Command) {
	var (
		res services.ActionResult
		err error
	)
	switch cmd.Kind {
	case CommandPosition:
		if !a.source.Emit(cmd.Sample) {
			a.log.Debug("Sample dropped, location watch is off")
		}
		return
	case CommandGPSDenied:
		a.source.Fail(domain.ErrLocationPermission)
		return
	case CommandGPSLost:
		a.source.Fail(domain.ErrSignalUnavailable)
		return
	case CommandBreak:
		res, err = a.tracker.StartBreak(ctx)
	case CommandResume:
		res, err = a.tracker.EndBreak(ctx)
	case CommandSOS:
		res, err = a.tracker.Distress(ctx)
	case CommandComplete:
		var done domain.CompletionResult
		done, res, err = a.tracker.CompleteStop(ctx, "", cmd.Outcome, cmd.Note)
		if err == nil && !done.Applied {
			a.log.Info("Completion had no effect", "outcome", cmd.Outcome)
			return
		}
	}
	if err != nil {
		a.log.Warn("Action refused", "command", cmd.Kind, "error", err)
		return
	}
	for _, pr := range res.Pushes {
		if pr.Outcome != services.PushApplied {
			a.log.Info("Action saved locally", "command", cmd.Kind, "push", pr.Outcome)
		}
	}
	a.log.Info("Status changed", "command", cmd.Kind, "from", res.Transition.From, "to", res.Transition.To)
}

// Tracked is the device view of the tracked agent.
func (a *Agent) Tracked() *domain.Agent {
	if a.tracker == nil {
		return nil
	}
	return a.tracker.Agent()
}
