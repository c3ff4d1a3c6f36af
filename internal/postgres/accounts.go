package postgres

import (
	"context"
	"errors"

	"github.com/ariefcatur/go-bookstore-orders/internal/orders"
	"github.com/jackc/pgx/v5"
)

type AccountRepo struct{ q querier }

func (r *AccountRepo) DebitIfSufficient(ctx context.Context, userID string, amount int64) (bool, error) {
	ct, err := r.q.Exec(ctx, `
		UPDATE users SET balance = balance - $2
		WHERE user_id = $1 AND balance >= $2`,
		userID, amount,
	)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *AccountRepo) Credit(ctx context.Context, userID string, amount int64) (bool, error) {
	ct, err := r.q.Exec(ctx, `UPDATE users SET balance = balance + $2 WHERE user_id = $1`, userID, amount)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *AccountRepo) Get(ctx context.Context, userID string) (orders.Account, error) {
	a := orders.Account{UserID: userID}
	err := r.q.QueryRow(ctx, `SELECT balance, password_hash FROM users WHERE user_id = $1`, userID).
		Scan(&a.Balance, &a.PasswordHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Account{}, orders.ErrRecordNotFound
	}
	if err != nil {
		return orders.Account{}, err
	}
	return a, nil
}

func (r *AccountRepo) Exists(ctx context.Context, userID string) (bool, error) {
	return exists(ctx, r.q, `SELECT 1 FROM users WHERE user_id = $1`, userID)
}
