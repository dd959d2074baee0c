package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gencoord/internal/cache"
	"github.com/redis/go-redis/v9"
)

// RedisBridge publishes messages through Redis so that every instance's Hub
// sees them, regardless of which instance produced the notification.
type RedisBridge struct {
	client *redis.Client
	hub    *Hub
}

func NewRedisBridge(client *redis.Client, hub *Hub) *RedisBridge {
	return &RedisBridge{client: client, hub: hub}
}

func (b *RedisBridge) Publish(ctx context.Context, userID uuid.UUID, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode push message: %w", err)
	}
	if err := b.client.Publish(ctx, cache.PushChannel(userID), payload).Err(); err != nil {
		return fmt.Errorf("publish push message: %w", err)
	}
	return nil
}

// Run relays every user channel into the local Hub until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.PSubscribe(ctx, cache.PushChannelPattern)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", cache.PushChannelPattern, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			b.relay(ctx, m)
		}
	}
}

func (b *RedisBridge) relay(ctx context.Context, m *redis.Message) {
	userID, err := uuid.Parse(strings.TrimPrefix(m.Channel, strings.TrimSuffix(cache.PushChannelPattern, "*")))
	if err != nil {
		slog.Warn("push: bad channel", "channel", m.Channel)
		return
	}
	var msg Message
	if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
		slog.Warn("push: bad payload", "channel", m.Channel, "error", err)
		return
	}
	_ = b.hub.Publish(ctx, userID, msg)
}
