package redis

import (
	"context"
	"encoding/json"

	"fleetsync.live/internal/core/domain"
	"fleetsync.live/internal/core/logger"
	"github.com/redis/go-redis/v9"
)

const (
	FeedChannel = "fleet:feed"
)

// FeedAdapter relays store changes between fleet store replicas over Redis
// pub/sub. A single channel keeps publish order per entity.
type FeedAdapter struct {
	client *redis.Client
}

func NewFeedAdapter(url string) (*FeedAdapter, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	return &FeedAdapter{client: client}, client, nil
}

func (r *FeedAdapter) PublishFeed(ctx context.Context, ev domain.FeedEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, FeedChannel, data).Err()
}

func (r *FeedAdapter) SubscribeFeed(ctx context.Context) (<-chan domain.FeedEvent, error) {
	pubsub := r.client.Subscribe(ctx, FeedChannel)
	// wait for the subscription to be confirmed so no event published after
	// this call returns is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}
	ch := make(chan domain.FeedEvent, 256)

	go func() {
		defer pubsub.Close()
		defer close(ch)

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev domain.FeedEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logger.Warn("Dropping malformed feed event", "error", err)
					continue
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}
