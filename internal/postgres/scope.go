package postgres

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-bookstore-orders/internal/orders"
)

// TransactionScope runs order operations inside one pgx transaction.
type TransactionScope struct {
	db beginner
}

func NewTransactionScope(db beginner) *TransactionScope {
	return &TransactionScope{db: db}
}

// Execute commits when fn returns nil and rolls back on error or panic.
func (s *TransactionScope) Execute(ctx context.Context, fn func(orders.Repositories) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed {
			// context may already be cancelled; the rollback must still reach the server
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err := fn(NewRepositories(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		committed = true // pgx closes the transaction even when commit fails
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

type repositories struct{ q querier }

// NewRepositories binds the stores to q, typically a pgx.Tx.
func NewRepositories(q querier) orders.Repositories {
	return &repositories{q: q}
}

func (r *repositories) Inventory() orders.InventoryLedger { return &InventoryRepo{q: r.q} }
func (r *repositories) Accounts() orders.AccountLedger    { return &AccountRepo{q: r.q} }
func (r *repositories) Orders() orders.OrderStore         { return &OrderRepo{q: r.q} }

var _ orders.TransactionScope = (*TransactionScope)(nil)
