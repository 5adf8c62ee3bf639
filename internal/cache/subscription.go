package cache

import (
	"context"

	"github.com/go-redis/redis/v8"
)

// Message is one broker delivery on a subscribed channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a dedicated broker subscription whose channel set can be
// rewired while open. It is owned by exactly one consumer.
type Subscription struct {
	pubsub *redis.PubSub
	msgs   chan Message
}

// OpenSubscription opens an empty subscription on the dedicated subscribe
// connection. The caller adds channels with Subscribe and must Close it.
func (c *Client) OpenSubscription(ctx context.Context) *Subscription {
	s := &Subscription{
		pubsub: c.sub.Subscribe(ctx),
		msgs:   make(chan Message, 64),
	}
	go s.pump()
	return s
}

func (s *Subscription) pump() {
	defer close(s.msgs)
	for m := range s.pubsub.Channel() {
		s.msgs <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}
	}
}

// Subscribe adds channels to the subscription.
func (s *Subscription) Subscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	return s.pubsub.Subscribe(ctx, channels...)
}

// Unsubscribe removes channels from the subscription.
func (s *Subscription) Unsubscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	return s.pubsub.Unsubscribe(ctx, channels...)
}

// Messages returns the delivery channel. It closes when the subscription
// closes.
func (s *Subscription) Messages() <-chan Message {
	return s.msgs
}

// Close tears down the broker subscription and drains the pump.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}
