package redisx

import "time"

const (
	// Cached order status: order_status:{order_id} -> {"order_id":...,"state":...}
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Single-holder lock: lock:{name}
	KeyLock = "lock:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	// Archived orders never change state again.
	TTLStatusFinal = 24 * time.Hour
	TTLDedup       = 48 * time.Hour
)
