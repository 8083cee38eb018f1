package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fleetsync.live/internal/core/domain"
	"fleetsync.live/internal/core/logger"
	"fleetsync.live/internal/core/ports"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher bridges the store feed onto MQTT topics:
//
//	{prefix}/agents/{id}
//	{prefix}/stops/{id}
//	{prefix}/trips/{agent_id}
//
// Agent and stop messages are retained so a new subscriber sees the last
// state at once; deletions clear the retained message.
type Publisher struct {
	client mqtt.Client
	feed   ports.FeedPubSub
	state  StateSource
	prefix string

	// last revision published per retained topic
	retained map[string]int64
}

// StateSource supplies the full fleet state to republish after the feed
// subscription is lost.
type StateSource interface {
	Snapshot(ctx context.Context) (*domain.Snapshot, error)
}

// NewPublisher initializes the MQTT publisher
func NewPublisher(feed ports.FeedPubSub, brokerURL, prefix string) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("fleetsync-server-%d", time.Now().UnixNano()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	logger.Info("Connected to MQTT broker", "broker", brokerURL)
	return newPublisher(client, feed, prefix), nil
}

func newPublisher(client mqtt.Client, feed ports.FeedPubSub, prefix string) *Publisher {
	if prefix == "" {
		prefix = "fleet"
	}
	return &Publisher{client: client, feed: feed, prefix: prefix, retained: make(map[string]int64)}
}

// WithState republishes the retained topics from src every time the feed is
// (re)subscribed.
func (p *Publisher) WithState(src StateSource) *Publisher {
	p.state = src
	return p
}

// Start consumes the feed until ctx is done.
func (p *Publisher) Start(ctx context.Context) {
	go p.consumeFeed(ctx)
}

func (p *Publisher) consumeFeed(ctx context.Context) {
	defer p.client.Disconnect(250)

	logger.Info("MQTT: started feed consumer")
	for ctx.Err() == nil {
		ch, err := p.feed.SubscribeFeed(ctx)
		if err != nil {
			logger.Error("MQTT: failed to subscribe to the feed", "error", err)
			return
		}
		p.republish(ctx)
		p.relay(ctx, ch)
		if ctx.Err() == nil {
			logger.Warn("MQTT: feed subscription lost, resubscribing")
		}
	}
}

func (p *Publisher) relay(ctx context.Context, ch <-chan domain.FeedEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			p.publish(ev)
		}
	}
}

// republish refreshes every retained topic from the current state.
func (p *Publisher) republish(ctx context.Context) {
	if p.state == nil {
		return
	}
	snap, err := p.state.Snapshot(ctx)
	if err != nil {
		logger.Error("MQTT: failed to load fleet state", "error", err)
		return
	}
	for _, a := range snap.Agents {
		p.publish(domain.FeedEvent{Entity: domain.EntityAgent, Op: domain.FeedUpsert, ID: a.ID, Revision: a.Revision, AppliedAt: a.UpdatedAt, Agent: a})
	}
	for _, st := range snap.Stops {
		p.publish(domain.FeedEvent{Entity: domain.EntityStop, Op: domain.FeedUpsert, ID: st.ID, Revision: st.Revision, AppliedAt: st.UpdatedAt, Stop: st})
	}
	logger.Info("MQTT: republished fleet state", "agents", len(snap.Agents), "stops", len(snap.Stops))
}

// Topic returns the topic ev is published on and whether it is retained.
func (p *Publisher) Topic(ev domain.FeedEvent) (string, bool) {
	switch ev.Entity {
	case domain.EntityAgent:
		return fmt.Sprintf("%s/agents/%s", p.prefix, ev.ID), true
	case domain.EntityStop:
		return fmt.Sprintf("%s/stops/%s", p.prefix, ev.ID), true
	case domain.EntityTrip:
		agentID := ev.ID
		if ev.Trip != nil {
			agentID = ev.Trip.AgentID
		}
		return fmt.Sprintf("%s/trips/%s", p.prefix, agentID), false
	}
	return "", false
}

func (p *Publisher) publish(ev domain.FeedEvent) {
	topic, retained := p.Topic(ev)
	if topic == "" {
		return
	}
	if retained {
		// a buffered event older than the republished state is skipped
		if last, ok := p.retained[topic]; ok && ev.Op != domain.FeedDelete && ev.Revision <= last {
			return
		}
		if ev.Op == domain.FeedDelete {
			delete(p.retained, topic)
		} else {
			p.retained[topic] = ev.Revision
		}
	}
	var payload []byte
	if ev.Op != domain.FeedDelete {
		data, err := json.Marshal(ev)
		if err != nil {
			logger.Error("MQTT: failed to encode feed event", "entity", ev.Entity, "id", ev.ID, "error", err)
			return
		}
		payload = data
	}
	// an empty retained payload removes the retained message
	p.client.Publish(topic, 0, retained, payload)
}
