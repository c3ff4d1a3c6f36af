package orders

import "context"

// InventoryLedger holds per-(store,item) stock. Implementations must make
// DecrementIfAvailable a single conditional update.
type InventoryLedger interface {
	// DecrementIfAvailable reduces stock by qty only if stock >= qty.
	DecrementIfAvailable(ctx context.Context, storeID, itemID string, qty int) (bool, error)
	Increment(ctx context.Context, storeID, itemID string, qty int) error
	Lookup(ctx context.Context, storeID, itemID string) (InventoryEntry, error)
	StoreOwner(ctx context.Context, storeID string) (string, error)
}

// AccountLedger holds per-user balances and credentials.
type AccountLedger interface {
	// DebitIfSufficient subtracts amount only if balance >= amount.
	DebitIfSufficient(ctx context.Context, userID string, amount int64) (bool, error)
	// Credit adds amount unconditionally; it reports false when the user does not exist.
	Credit(ctx context.Context, userID string, amount int64) (bool, error)
	Get(ctx context.Context, userID string) (Account, error)
	Exists(ctx context.Context, userID string) (bool, error)
}

// OrderStore keeps active orders apart from archived history.
type OrderStore interface {
	CreateActive(ctx context.Context, o Order, lines []Line) error
	// LookupActive returns the header and holds it for the rest of the transaction.
	LookupActive(ctx context.Context, orderID string) (Order, error)
	ActiveLines(ctx context.Context, orderID string) ([]Line, error)
	// Archive copies header and lines of an awaiting_payment order into history with final state.
	Archive(ctx context.Context, orderID string, final State, closedAt int64) error
	DeleteActive(ctx context.Context, orderID string) error
	LookupArchived(ctx context.Context, orderID string) (Order, error)
	ActiveExists(ctx context.Context, orderID string) (bool, error)
	// StaleActive lists up to limit active order ids created before cutoff.
	StaleActive(ctx context.Context, cutoff int64, limit int) ([]string, error)
}

// Repositories are the stores bound to one transaction.
type Repositories interface {
	Inventory() InventoryLedger
	Accounts() AccountLedger
	Orders() OrderStore
}

// TransactionScope runs fn in one transaction: commit on nil, rollback otherwise.
type TransactionScope interface {
	Execute(ctx context.Context, fn func(Repositories) error) error
}

type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
