package agent

import (
	"context"
	"sync"
	"time"

	"fleetsync.live/internal/core/logger"
)

// Pinger checks that the store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probe tracks store connectivity. An offline to online transition calls
// the back-online handler once; every other answered ping calls the alive
// handler.
type Probe struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration

	mu       sync.Mutex
	online   bool
	onOnline func(context.Context)
	onAlive  func(context.Context)
}

func NewProbe(p Pinger, interval time.Duration) *Probe {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	timeout := interval
	if timeout < time.Second {
		timeout = time.Second
	}
	return &Probe{
		pinger:   p,
		interval: interval,
		timeout:  timeout,
		online:   true,
	}
}

// OnOnline sets the back-online handler.
func (p *Probe) OnOnline(fn func(context.Context)) {
	p.mu.Lock()
	p.onOnline = fn
	p.mu.Unlock()
}

// OnAlive sets the handler run after a ping that found the store already
// online.
func (p *Probe) OnAlive(fn func(context.Context)) {
	p.mu.Lock()
	p.onAlive = fn
	p.mu.Unlock()
}

// MarkOffline records a failed store call seen elsewhere.
func (p *Probe) MarkOffline() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.online {
		logger.Warn("Store unreachable, working offline")
	}
	p.online = false
}

func (p *Probe) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Check pings the store once and reports whether it answered.
func (p *Probe) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.pinger.Ping(pctx)
	cancel()
	if err != nil {
		p.MarkOffline()
		return false
	}

	p.mu.Lock()
	recovered := !p.online
	p.online = true
	onOnline, onAlive := p.onOnline, p.onAlive
	p.mu.Unlock()

	switch {
	case recovered:
		logger.Info("Store reachable again")
		if onOnline != nil {
			onOnline(ctx)
		}
	case onAlive != nil:
		onAlive(ctx)
	}
	return true
}

// Run probes on every interval until ctx is done.
func (p *Probe) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
