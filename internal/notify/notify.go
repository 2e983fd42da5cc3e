package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const OrdersChannel = "orders:confirmed"

// OrderConfirmed is emitted when the model signals that a customer confirmed an order.
type OrderConfirmed struct {
	UserID         string    `json:"user_id"`
	PageID         string    `json:"page_id"`
	ConversationID string    `json:"conversation_id"`
	At             time.Time `json:"at"`
}

type Notifier interface {
	OrderConfirmed(ctx context.Context, event OrderConfirmed) error
}

// RedisNotifier publishes events for the dashboard to pick up.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client, channel: OrdersChannel}
}

func (n *RedisNotifier) OrderConfirmed(ctx context.Context, event OrderConfirmed) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("error encoding order event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("error publishing order event: %w", err)
	}
	return nil
}

// LogNotifier only records the event.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify")}
}

func (n *LogNotifier) OrderConfirmed(ctx context.Context, event OrderConfirmed) error {
	n.logger.Info("Order confirmed",
		zap.String("user_id", event.UserID),
		zap.String("page_id", event.PageID),
		zap.String("conversation_id", event.ConversationID))
	return nil
}
