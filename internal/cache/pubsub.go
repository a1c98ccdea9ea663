package cache

import (
	"context"

	"pricewatch/internal/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PubSub publishes and subscribes on Redis channels. It is the transport
// for cross-instance alert distribution.
type PubSub struct {
	client *redis.Client
}

func NewPubSub(client *redis.Client) *PubSub {
	return &PubSub{client: client}
}

// Publish sends a message to a Redis channel.
func (p *PubSub) Publish(ctx context.Context, channel string, message []byte) error {
	return p.client.Publish(ctx, channel, message).Err()
}

// Subscriber represents a subscription to a Redis channel.
type Subscriber struct {
	pubsub *redis.PubSub
}

// Subscribe opens a subscription and confirms it before returning.
func (p *PubSub) Subscribe(ctx context.Context, channel string) (*Subscriber, error) {
	pubsub := p.client.Subscribe(ctx, channel)

	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, err
	}

	logger.Log.Info("Subscribed to Redis channel", zap.String("channel", channel))
	return &Subscriber{pubsub: pubsub}, nil
}

// ReceiveMessage waits for and returns the next message.
func (s *Subscriber) ReceiveMessage(ctx context.Context) (*redis.Message, error) {
	return s.pubsub.ReceiveMessage(ctx)
}

// Close closes the subscription.
func (s *Subscriber) Close() error {
	return s.pubsub.Close()
}
