// Package redisbus extends hookbus with cross-process fan-out: events
// published on one process are also delivered to every other process
// subscribed to the same Redis channel, so a run's event stream can be
// observed from whichever process the client happens to be connected to
// rather than only the one driving the Streaming Core.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/workflowmanager/engine/hookbus"
	"github.com/workflowmanager/engine/telemetry"
)

const defaultChannel = "workflowmanager:hookbus"

// wireEvent is the JSON shape published on the Redis channel. Origin lets a
// process recognize and drop its own publications when they echo back from
// the subscription, so a local Publish call never double-delivers to its
// own in-process subscribers.
type wireEvent struct {
	Origin string         `json:"origin"`
	Type   string         `json:"type"`
	Data   map[string]any `json:"data"`
}

// Bus wraps a local hookbus.Bus, publishing every event to Redis in
// addition to delivering it locally, and delivering events published by
// other processes to local subscribers as they arrive.
type Bus struct {
	local   hookbus.Bus
	client  *redis.Client
	channel string
	origin  string
	logger  telemetry.Logger

	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// New starts a Bus backed by client on channel (defaultChannel if empty).
// Call Close to stop the background subscription.
func New(ctx context.Context, client *redis.Client, channel string, logger telemetry.Logger) (*Bus, error) {
	if channel == "" {
		channel = defaultChannel
	}
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}

	subCtx, cancel := context.WithCancel(ctx)
	pubsub := client.Subscribe(subCtx, channel)
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("redisbus subscribe %q: %w", channel, err)
	}

	b := &Bus{
		local:   hookbus.New(),
		client:  client,
		channel: channel,
		origin:  uuid.Must(uuid.NewV7()).String(),
		logger:  logger,
		pubsub:  pubsub,
		cancel:  cancel,
	}
	go b.consume(subCtx)
	return b, nil
}

var _ hookbus.Bus = (*Bus)(nil)

// Register implements hookbus.Bus by delegating to the local, in-process
// bus: every local subscriber also receives events that arrived from other
// processes via Redis.
func (b *Bus) Register(sub hookbus.Subscriber) (hookbus.Subscription, error) {
	return b.local.Register(sub)
}

// Publish delivers ev to local subscribers and publishes it to Redis so
// other processes' Bus instances deliver it to theirs.
func (b *Bus) Publish(ctx context.Context, ev hookbus.Event) error {
	if err := b.local.Publish(ctx, ev); err != nil {
		return err
	}
	payload, err := json.Marshal(wireEvent{Origin: b.origin, Type: ev.Type, Data: ev.Data})
	if err != nil {
		return fmt.Errorf("redisbus marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redisbus publish: %w", err)
	}
	return nil
}

// Close stops the background subscription. It does not close the Redis
// client, which the caller owns; the in-process bus New created needs no
// closing.
func (b *Bus) Close() error {
	b.cancel()
	return b.pubsub.Close()
}

func (b *Bus) consume(ctx context.Context) {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var we wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &we); err != nil {
				b.logger.Warn(ctx, "redisbus: malformed event payload", "error", err)
				continue
			}
			if we.Origin == b.origin {
				continue // this process already delivered it locally in Publish
			}
			if err := b.local.Publish(ctx, hookbus.Event{Type: we.Type, Data: we.Data}); err != nil {
				b.logger.Warn(ctx, "redisbus: local delivery of remote event failed", "type", we.Type, "error", err)
			}
		}
	}
}
