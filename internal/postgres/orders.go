package postgres

import (
	"context"
	"errors"

	"github.com/ariefcatur/go-bookstore-orders/internal/orders"
	"github.com/jackc/pgx/v5"
)

type OrderRepo struct{ q querier }

// CreateActive writes the header and every line; the caller's transaction
// makes them one unit.
func (r *OrderRepo) CreateActive(ctx context.Context, o orders.Order, lines []orders.Line) error {
	if _, err := r.q.Exec(ctx, `
		INSERT INTO active_orders(order_id, store_id, buyer_id, state, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		o.ID, o.StoreID, o.BuyerID, string(o.State), o.CreatedAt,
	); err != nil {
		return err
	}
	for i, l := range lines {
		if _, err := r.q.Exec(ctx, `
			INSERT INTO active_order_lines(order_id, line_no, item_id, quantity, price)
			VALUES ($1, $2, $3, $4, $5)`,
			o.ID, i+1, l.ItemID, l.Quantity, l.Price,
		); err != nil {
			return err
		}
	}
	return nil
}

// LookupActive locks the header row until the transaction ends, so concurrent
// payments and cancellations of one order serialize.
func (r *OrderRepo) LookupActive(ctx context.Context, orderID string) (orders.Order, error) {
	o := orders.Order{ID: orderID}
	var state string
	err := r.q.QueryRow(ctx, `
		SELECT buyer_id, store_id, state, created_at FROM active_orders
		WHERE order_id = $1 FOR UPDATE`, orderID,
	).Scan(&o.BuyerID, &o.StoreID, &state, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, orders.ErrRecordNotFound
	}
	if err != nil {
		return orders.Order{}, err
	}
	o.State = orders.State(state)
	return o, nil
}

func (r *OrderRepo) ActiveLines(ctx context.Context, orderID string) ([]orders.Line, error) {
	return r.lines(ctx, `
		SELECT item_id, quantity, price FROM active_order_lines
		WHERE order_id = $1 ORDER BY line_no`, orderID)
}

// Archive copies an awaiting_payment order into history with its final state.
// Lines are copied verbatim, line numbers included.
func (r *OrderRepo) Archive(ctx context.Context, orderID string, final orders.State, closedAt int64) error {
	ct, err := r.q.Exec(ctx, `
		INSERT INTO archived_orders(order_id, store_id, buyer_id, state, created_at, closed_at)
		SELECT order_id, store_id, buyer_id, $2, created_at, $3 FROM active_orders
		WHERE order_id = $1 AND state = $4`,
		orderID, string(final), closedAt, string(orders.StateAwaitingPayment),
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrRecordNotFound
	}
	_, err = r.q.Exec(ctx, `
		INSERT INTO archived_order_lines(order_id, line_no, item_id, quantity, price)
		SELECT order_id, line_no, item_id, quantity, price FROM active_order_lines
		WHERE order_id = $1`, orderID)
	return err
}

func (r *OrderRepo) DeleteActive(ctx context.Context, orderID string) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM active_order_lines WHERE order_id = $1`, orderID); err != nil {
		return err
	}
	_, err := r.q.Exec(ctx, `DELETE FROM active_orders WHERE order_id = $1`, orderID)
	return err
}

func (r *OrderRepo) LookupArchived(ctx context.Context, orderID string) (orders.Order, error) {
	o := orders.Order{ID: orderID}
	var state string
	err := r.q.QueryRow(ctx, `
		SELECT buyer_id, store_id, state, created_at, closed_at FROM archived_orders
		WHERE order_id = $1`, orderID,
	).Scan(&o.BuyerID, &o.StoreID, &state, &o.CreatedAt, &o.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, orders.ErrRecordNotFound
	}
	if err != nil {
		return orders.Order{}, err
	}
	o.State = orders.State(state)
	o.Lines, err = r.lines(ctx, `
		SELECT item_id, quantity, price FROM archived_order_lines
		WHERE order_id = $1 ORDER BY line_no`, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	return o, nil
}

func (r *OrderRepo) ActiveExists(ctx context.Context, orderID string) (bool, error) {
	return exists(ctx, r.q, `SELECT 1 FROM active_orders WHERE order_id = $1`, orderID)
}

func (r *OrderRepo) StaleActive(ctx context.Context, cutoff int64, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q.Query(ctx, `
		SELECT order_id FROM active_orders
		WHERE created_at < $1 ORDER BY created_at, order_id LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *OrderRepo) lines(ctx context.Context, sql, orderID string) ([]orders.Line, error) {
	rows, err := r.q.Query(ctx, sql, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Line
	for rows.Next() {
		l := orders.Line{OrderID: orderID}
		if err := rows.Scan(&l.ItemID, &l.Quantity, &l.Price); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
