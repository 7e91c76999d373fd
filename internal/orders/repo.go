package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/casahaus/fulfillment/internal/errs"
	"github.com/casahaus/fulfillment/internal/event"
	"github.com/casahaus/fulfillment/internal/outbox"
	"github.com/casahaus/fulfillment/internal/postgres"
)

type Repo struct{ DB *pgxpool.Pool }

// InsertOrder persists the order, its line items and the scheduled
// order-placed event in one transaction.
func (r *Repo) InsertOrder(ctx context.Context, o Order, items []event.LineItem, msgs ...outbox.Message) error {
	return postgres.RunTx(ctx, r.DB, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO orders(id, user_id, status, payment_status, payment_method, address, version)
			VALUES ($1, $2, $3, $4, $5, $6, 1)`,
			o.ID, o.UserID, o.Status, o.PaymentStatus, o.PaymentMethod, o.Address)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for _, it := range items {
			if _, err := tx.Exec(ctx, `
				INSERT INTO order_items(order_id, product_color_id, qty)
				VALUES ($1, $2, $3)`,
				o.ID, it.ProductColorID, it.Qty); err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}

		return outbox.AppendTx(ctx, tx, msgs...)
	})
}

func (r *Repo) GetOrder(ctx context.Context, orderID string) (Order, error) {
	var o Order
	err := r.DB.QueryRow(ctx, `
		SELECT id, user_id, status, payment_status, payment_method, address,
		       COALESCE(store_id, ''), version, created_at, updated_at
		FROM orders WHERE id = $1`, orderID).
		Scan(&o.ID, &o.UserID, &o.Status, &o.PaymentStatus, &o.PaymentMethod,
			&o.Address, &o.StoreID, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return o, fmt.Errorf("order %s: %w", orderID, errs.ErrNotFound)
		}
		return o, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (r *Repo) GetItems(ctx context.Context, orderID string) ([]event.LineItem, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT product_color_id, qty FROM order_items WHERE order_id = $1`, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []event.LineItem
	for rows.Next() {
		var it event.LineItem
		if err := rows.Scan(&it.ProductColorID, &it.Qty); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// AdvanceStatus moves the order to newStatus under an optimistic version
// guard and schedules the announcing events in the same transaction. A
// stale version yields ErrConflict; the caller reloads and retries.
func (r *Repo) AdvanceStatus(ctx context.Context, orderID string, fromVersion int64, newStatus Status, markPaid bool, msgs ...outbox.Message) error {
	return postgres.RunTx(ctx, r.DB, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, `
			UPDATE orders
			SET status = $3,
			    payment_status = CASE WHEN $4 THEN 'PAID' ELSE payment_status END,
			    version = version + 1,
			    updated_at = now()
			WHERE id = $1 AND version = $2`,
			orderID, fromVersion, newStatus, markPaid)
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return fmt.Errorf("order %s version %d: %w", orderID, fromVersion, errs.ErrConflict)
		}
		return outbox.AppendTx(ctx, tx, msgs...)
	})
}

// SetStore records the assigned store together with the status move to
// ASSIGN_ORDER_STORE.
func (r *Repo) SetStore(ctx context.Context, orderID string, fromVersion int64, storeID string, msgs ...outbox.Message) error {
	return postgres.RunTx(ctx, r.DB, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, `
			UPDATE orders
			SET status = $3, store_id = $4, version = version + 1, updated_at = now()
			WHERE id = $1 AND version = $2`,
			orderID, fromVersion, StatusAssignStore, storeID)
		if err != nil {
			return fmt.Errorf("set store: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return fmt.Errorf("order %s version %d: %w", orderID, fromVersion, errs.ErrConflict)
		}
		return outbox.AppendTx(ctx, tx, msgs...)
	})
}
