package postgres

import (
	"context"
	"errors"

	"github.com/ariefcatur/go-bookstore-orders/internal/orders"
	"github.com/jackc/pgx/v5"
)

type InventoryRepo struct{ q querier }

// DecrementIfAvailable is one conditional UPDATE; the row lock it takes is held
// until the surrounding transaction ends.
func (r *InventoryRepo) DecrementIfAvailable(ctx context.Context, storeID, itemID string, qty int) (bool, error) {
	ct, err := r.q.Exec(ctx, `
		UPDATE store_inventory SET stock_level = stock_level - $3
		WHERE store_id = $1 AND item_id = $2 AND stock_level >= $3`,
		storeID, itemID, qty,
	)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *InventoryRepo) Increment(ctx context.Context, storeID, itemID string, qty int) error {
	ct, err := r.q.Exec(ctx, `
		UPDATE store_inventory SET stock_level = stock_level + $3
		WHERE store_id = $1 AND item_id = $2`,
		storeID, itemID, qty,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrRecordNotFound
	}
	return nil
}

func (r *InventoryRepo) Lookup(ctx context.Context, storeID, itemID string) (orders.InventoryEntry, error) {
	e := orders.InventoryEntry{StoreID: storeID, ItemID: itemID}
	err := r.q.QueryRow(ctx, `
		SELECT stock_level, price, item_info FROM store_inventory
		WHERE store_id = $1 AND item_id = $2`,
		storeID, itemID,
	).Scan(&e.StockLevel, &e.Price, &e.Info)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.InventoryEntry{}, orders.ErrRecordNotFound
	}
	if err != nil {
		return orders.InventoryEntry{}, err
	}
	return e, nil
}

func (r *InventoryRepo) StoreOwner(ctx context.Context, storeID string) (string, error) {
	var owner string
	err := r.q.QueryRow(ctx, `SELECT user_id FROM user_stores WHERE store_id = $1`, storeID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", orders.ErrRecordNotFound
	}
	return owner, err
}
