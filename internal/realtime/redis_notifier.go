package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"trading/internal/purchase"
	"trading/internal/purchase/saga"

	"github.com/redis/go-redis/v9"
)

// ChannelPrefix prefixes the per-user status channel.
const ChannelPrefix = "purchase-status:"

// Publisher is the Redis surface used by RedisNotifier. *redis.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisNotifier publishes status pushes so every replica can reach the user's websocket.
type RedisNotifier struct {
	client Publisher
}

// NewRedisNotifier constructs a RedisNotifier.
func NewRedisNotifier(client Publisher) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Notify(ctx context.Context, userID string, snapshot saga.PurchaseSaga) error {
	payload, err := json.Marshal(purchase.NewStatus(snapshot))
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, ChannelPrefix+userID, payload).Err(); err != nil {
		return fmt.Errorf("publish status for %s: %w", userID, err)
	}
	return nil
}

// Subscriber is the Redis surface used by Bridge. *redis.Client satisfies it.
type Subscriber interface {
	PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Bridge relays published status pushes into the local hub until ctx ends.
func Bridge(ctx context.Context, client Subscriber, hub *Hub, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	sub := client.PSubscribe(ctx, ChannelPrefix+"*")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s*: %w", ChannelPrefix, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			userID := strings.TrimPrefix(msg.Channel, ChannelPrefix)
			if err := hub.Deliver(userID, []byte(msg.Payload)); err != nil {
				logger.Warn("status push dropped", "user_id", userID, "err", err)
			}
		}
	}
}
