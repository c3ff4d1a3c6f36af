package status

import (
	"context"
	"fmt"

	kafkax "github.com/ariefcatur/go-bookstore-orders/internal/kafka"
	"github.com/ariefcatur/go-bookstore-orders/internal/orders"
	"github.com/ariefcatur/go-bookstore-orders/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Projector is installed as a consumer handler on the lifecycle topics.
type Projector struct {
	Redis       redis.Cmdable
	ServiceName string
	Log         *zap.Logger
}

func (p *Projector) Handle(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.DecodeEnvelope(m.Value)
	if err != nil {
		p.logger().Warn("skip undecodable message", zap.String("topic", m.Topic), zap.Error(err))
		return nil // poison message: commit and move on
	}
	if orders.TopicFor(env.EventType) == "" {
		return nil
	}

	dkey := fmt.Sprintf(redisx.KeyDedup, p.ServiceName, env.EventID)
	if seen, err := redisx.Exists(ctx, p.Redis, dkey); err != nil {
		return err
	} else if seen {
		return nil
	}

	payload, err := kafkax.UnwrapPayload[orders.OrderEventPayload](env.Payload)
	if err != nil {
		p.logger().Warn("skip bad payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}
	if !payload.State.Valid() {
		p.logger().Warn("skip unknown state", zap.String("event_id", env.EventID), zap.String("state", string(payload.State)))
		return nil
	}

	if err := put(ctx, p.Redis, Entry{
		OrderID:    payload.OrderID,
		State:      payload.State,
		TotalCents: payload.TotalCents,
		UpdatedAt:  env.OccurredAt,
	}); err != nil {
		return err
	}
	_, err = redisx.MarkOnce(ctx, p.Redis, dkey, redisx.TTLDedup)
	return err
}

func (p *Projector) logger() *zap.Logger {
	if p.Log == nil {
		return zap.NewNop()
	}
	return p.Log
}
