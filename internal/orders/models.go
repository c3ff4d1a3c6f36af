package orders

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Order struct {
	ID        string
	BuyerID   string
	StoreID   string
	State     State
	CreatedAt int64 // seconds since epoch
	ClosedAt  int64 // set once archived
	Lines     []Line
}

// Line prices are captured when the order is created and never re-read from the catalog.
type Line struct {
	OrderID  string
	ItemID   string
	Quantity int
	Price    int64
}

type InventoryEntry struct {
	StoreID    string
	ItemID     string
	StockLevel int
	Price      int64
	Info       []byte // raw item metadata (json)
}

type Account struct {
	UserID       string
	Balance      int64
	PasswordHash string
}

// Total is Σ price×qty over the captured lines.
func Total(lines []Line) int64 {
	var total int64
	for _, l := range lines {
		total += l.Price * int64(l.Quantity)
	}
	return total
}

// Expired reports whether an order created at createdAt is past the payment window at now.
func Expired(createdAt int64, now time.Time, timeout time.Duration) bool {
	return now.Unix()-createdAt > int64(timeout/time.Second)
}

// NewOrderID derives a fresh order id from buyer, store and a random token.
func NewOrderID(buyerID, storeID string) string {
	return fmt.Sprintf("%s_%s_%s", buyerID, storeID, uuid.NewString())
}
