// Package memory is an in-process feed bus for single-node deployments and
// tests.
package memory

import (
	"context"
	"sync"

	"fleetsync.live/internal/core/domain"
	"fleetsync.live/internal/core/logger"
)

const subscriberBuffer = 1024

type Bus struct {
	mu   sync.Mutex
	subs map[chan domain.FeedEvent]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan domain.FeedEvent]struct{})}
}

// PublishFeed delivers ev to every subscriber in publish order. A subscriber
// whose buffer is full is unsubscribed and its channel closed, so it never
// sees a feed with a gap; it must subscribe again and reload the snapshot.
func (b *Bus) PublishFeed(ctx context.Context, ev domain.FeedEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logger.Warn("Feed subscriber lagging, closing its subscription", "entity", ev.Entity, "id", ev.ID)
			b.dropLocked(ch)
		}
	}
	return nil
}

func (b *Bus) dropLocked(ch chan domain.FeedEvent) {
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *Bus) SubscribeFeed(ctx context.Context) (<-chan domain.FeedEvent, error) {
	ch := make(chan domain.FeedEvent, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		b.dropLocked(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
