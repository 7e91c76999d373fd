package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/casahaus/fulfillment/internal/event"
	"github.com/casahaus/fulfillment/internal/outbox"
	"github.com/casahaus/fulfillment/internal/postgres"
)

// Reservation states. A RELEASED set is never re-reserved; a retry writes
// new rows.
const (
	StateReserved = "RESERVED"
	StateReleased = "RELEASED"
	StateConsumed = "CONSUMED"
)

// errShortfall aborts a reservation transaction so nothing commits.
var errShortfall = errors.New("stock shortfall")

type Repo struct{ DB *pgxpool.Pool }

// HasReservations is the idempotency short-circuit: one reservation set per
// order id, ever. Rows in any state count, so a redelivered placement after
// release or consumption still finds the set and does not reserve again.
func (r *Repo) HasReservations(ctx context.Context, orderID string) (bool, error) {
	var n int
	err := r.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM reservations
		WHERE order_id = $1`, orderID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count reservations: %w", err)
	}
	return n > 0, nil
}

// Reserve locks each product row (FOR UPDATE), checks availability and
// decrements stock. All-or-nothing per order: any shortfall rolls the whole
// attempt back and returns the per-item details. On success the reserved
// event is committed in the same transaction.
func (r *Repo) Reserve(ctx context.Context, orderID string, items []event.LineItem, reservedMsg outbox.Message) (bool, []event.StockRejectedDetail, error) {
	var rejects []event.StockRejectedDetail

	err := postgres.RunTx(ctx, r.DB, func(tx pgx.Tx) error {
		for _, it := range items {
			var stock int
			if err := tx.QueryRow(ctx,
				`SELECT stock FROM product_colors WHERE id = $1 FOR UPDATE`,
				it.ProductColorID).Scan(&stock); err != nil {
				if err == pgx.ErrNoRows {
					rejects = append(rejects, event.StockRejectedDetail{
						ProductColorID: it.ProductColorID, Required: it.Qty, Available: 0,
					})
					continue
				}
				return fmt.Errorf("lock stock %s: %w", it.ProductColorID, err)
			}
			if stock < it.Qty {
				rejects = append(rejects, event.StockRejectedDetail{
					ProductColorID: it.ProductColorID, Required: it.Qty, Available: stock,
				})
				continue
			}

			if _, err := tx.Exec(ctx,
				`UPDATE product_colors SET stock = stock - $2 WHERE id = $1`,
				it.ProductColorID, it.Qty); err != nil {
				return fmt.Errorf("decrement stock: %w", err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO reservations(order_id, product_color_id, qty, status)
				VALUES ($1, $2, $3, $4)`,
				orderID, it.ProductColorID, it.Qty, StateReserved); err != nil {
				return fmt.Errorf("insert reservation: %w", err)
			}
		}

		if len(rejects) > 0 {
			// Roll back everything reserved so far for this order.
			return errShortfall
		}
		return outbox.AppendTx(ctx, tx, reservedMsg)
	})

	if errors.Is(err, errShortfall) {
		return false, rejects, nil
	}
	if err != nil {
		return false, nil, err
	}
	return true, nil, nil
}

// AppendEvent schedules an event outside a reservation transaction. Used
// for the rejected path, where the attempt itself was rolled back.
func (r *Repo) AppendEvent(ctx context.Context, msg outbox.Message) error {
	return postgres.RunTx(ctx, r.DB, func(tx pgx.Tx) error {
		return outbox.AppendTx(ctx, tx, msg)
	})
}

// Release flips RESERVED rows to RELEASED and credits stock back.
// Idempotent: a second release finds no RESERVED rows and changes nothing.
func (r *Repo) Release(ctx context.Context, orderID string) error {
	return postgres.RunTx(ctx, r.DB, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT product_color_id, qty FROM reservations
			WHERE order_id = $1 AND status = $2
			FOR UPDATE`, orderID, StateReserved)
		if err != nil {
			return fmt.Errorf("select reservations: %w", err)
		}
		type rec struct {
			pid string
			qty int
		}
		var recs []rec
		for rows.Next() {
			var x rec
			if err := rows.Scan(&x.pid, &x.qty); err != nil {
				rows.Close()
				return err
			}
			recs = append(recs, x)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, x := range recs {
			if _, err := tx.Exec(ctx,
				`UPDATE product_colors SET stock = stock + $2 WHERE id = $1`,
				x.pid, x.qty); err != nil {
				return fmt.Errorf("credit stock: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `
			UPDATE reservations SET status = $3, updated_at = now()
			WHERE order_id = $1 AND status = $2`,
			orderID, StateReserved, StateReleased); err != nil {
			return fmt.Errorf("release reservations: %w", err)
		}
		return nil
	})
}

// Consume marks the order's reservations CONSUMED on fulfillment. Stock was
// already decremented at reserve time, so this only settles the ledger.
func (r *Repo) Consume(ctx context.Context, orderID string) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE reservations SET status = $3, updated_at = now()
		WHERE order_id = $1 AND status = $2`,
		orderID, StateReserved, StateConsumed)
	if err != nil {
		return fmt.Errorf("consume reservations: %w", err)
	}
	return nil
}
