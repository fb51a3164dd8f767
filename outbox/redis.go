package outbox

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher fans outbound events to the rest of the application over
// Redis pub/sub. Channel names are "<prefix>.<topic>".
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	channel := topic
	if p.prefix != "" {
		channel = p.prefix + "." + topic
	}
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("outbox: publish %s: %w", channel, err)
	}
	return nil
}
