package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is one fan-out delivery: the appended message and the group it
// belongs to.
type Event struct {
	GroupID string  `json:"groupId"`
	Message Message `json:"message"`
}

// Fanout pushes newly appended messages to live subscribers over Redis
// pub/sub, one channel per group. Scoping the channel to the group means a
// subscriber can only ever receive messages for groups it asked for; there
// is no client-side filtering of foreign groups.
//
// Delivery is best effort. A publish failure is logged and dropped: the
// message is already durable in the MessageLog and a resuming client
// reconciles by refetching the group.
type Fanout struct {
	client *redis.Client
	prefix string
}

// NewFanout connects a fan-out service to Redis.
func NewFanout(redisURL string) (*Fanout, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewFanoutWithClient(client), nil
}

// NewFanoutWithClient creates a fan-out service from an existing client.
func NewFanoutWithClient(client *redis.Client) *Fanout {
	return &Fanout{client: client, prefix: "chat:"}
}

func (f *Fanout) channel(groupID string) string {
	return f.prefix + groupID
}

// Publish pushes an already-appended message to the group's live channel.
// Callers must append to the MessageLog first; Publish never persists.
func (f *Fanout) Publish(ctx context.Context, groupID string, msg Message) error {
	payload, err := json.Marshal(Event{GroupID: groupID, Message: msg})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel(groupID), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", f.channel(groupID), err)
	}
	return nil
}

// Subscribe opens a live stream of the group's new messages. Each call is
// an independent subscription with its own ordered event channel; closing
// one does not affect another, and subscribing twice simply yields two
// streams with the same content.
func (f *Fanout) Subscribe(ctx context.Context, groupID string) (*Subscription, error) {
	pubsub := f.client.Subscribe(ctx, f.channel(groupID))

	// Force the SUBSCRIBE round trip so a broken Redis fails here, not
	// silently on the first missed message.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", f.channel(groupID), err)
	}

	sub := &Subscription{
		pubsub: pubsub,
		events: make(chan Event, 64),
	}
	go sub.run(pubsub.Channel())
	return sub, nil
}

// Close shuts down the underlying Redis client.
func (f *Fanout) Close() error {
	return f.client.Close()
}

// Ping checks Redis reachability.
func (f *Fanout) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

// Subscription is one client's live stream of a single group. Events arrive
// in append order; the stream never delivers message k+1 before message k.
type Subscription struct {
	pubsub *redis.PubSub
	events chan Event
	once   sync.Once
}

// Events returns the ordered event stream. The channel is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close ends the subscription and releases its Redis connection.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}

// run decodes pub/sub payloads into the event channel. A single reader
// keeps per-subscription ordering. A consumer that stops draining loses the
// subscription instead of forcing reordering or unbounded buffering; it can
// reconcile with a full refetch like any reconnecting client.
func (s *Subscription) run(in <-chan *redis.Message) {
	defer close(s.events)
	for raw := range in {
		var ev Event
		if err := json.Unmarshal([]byte(raw.Payload), &ev); err != nil {
			log.Printf("chat: drop undecodable event on %s: %v", raw.Channel, err)
			continue
		}
		select {
		case s.events <- ev:
		default:
			log.Printf("chat: subscriber on %s too slow, closing subscription", raw.Channel)
			_ = s.Close()
			return
		}
	}
}
