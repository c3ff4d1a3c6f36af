// Package status keeps a Redis projection of order states fed by lifecycle
// events, and serves lookups from it with a fallback to the order store.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-bookstore-orders/internal/orders"
	"github.com/ariefcatur/go-bookstore-orders/internal/redisx"
	"github.com/redis/go-redis/v9"
)

type Entry struct {
	OrderID    string       `json:"order_id"`
	State      orders.State `json:"state"`
	TotalCents int64        `json:"total_cents"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

func key(orderID string) string { return fmt.Sprintf(redisx.KeyOrderStatus, orderID) }

func ttlFor(s orders.State) time.Duration {
	if s.Terminal() {
		return redisx.TTLStatusFinal
	}
	return redisx.TTLStatusCache
}

// put stores e. A non-terminal state never replaces an existing entry, so a
// late OrderCreated cannot overwrite the state an order settled in.
func put(ctx context.Context, rdb redis.Cmdable, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if e.State.Terminal() {
		return rdb.Set(ctx, key(e.OrderID), b, ttlFor(e.State)).Err()
	}
	return rdb.SetNX(ctx, key(e.OrderID), b, ttlFor(e.State)).Err()
}

func get(ctx context.Context, rdb redis.Cmdable, orderID string) (Entry, bool, error) {
	s, err := rdb.Get(ctx, key(orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return Entry{}, false, nil // unreadable entry counts as a miss
	}
	return e, true, nil
}

type OrderLookup interface {
	Order(ctx context.Context, orderID string) (orders.Order, error)
}

// Reader answers status queries from the cache, falling back to Orders.
type Reader struct {
	Redis  redis.Cmdable
	Orders OrderLookup
	Now    func() time.Time
}

func (r *Reader) Get(ctx context.Context, orderID string) (Entry, error) {
	if e, ok, err := get(ctx, r.Redis, orderID); err == nil && ok {
		return e, nil
	}

	o, err := r.Orders.Order(ctx, orderID)
	if err != nil {
		return Entry{}, err
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	e := Entry{OrderID: o.ID, State: o.State, TotalCents: orders.Total(o.Lines), UpdatedAt: now().UTC()}
	_ = put(ctx, r.Redis, e)
	return e, nil
}
