package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/casahaus/fulfillment/internal/errs"
	"github.com/casahaus/fulfillment/internal/outbox"
	"github.com/casahaus/fulfillment/internal/postgres"
)

type Repo struct{ DB *pgxpool.Pool }

const assignmentCols = `
	id, order_id, store_id, COALESCE(staff_id, ''), status, COALESCE(reason, ''),
	COALESCE(notes, ''), COALESCE(invoice_ref, ''), estimated_at, version,
	deleted_at, created_at, updated_at`

func scanAssignment(row pgx.Row) (Assignment, error) {
	var a Assignment
	err := row.Scan(&a.ID, &a.OrderID, &a.StoreID, &a.StaffID, &a.Status, &a.Reason,
		&a.Notes, &a.InvoiceRef, &a.EstimatedAt, &a.Version,
		&a.DeletedAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, fmt.Errorf("assignment: %w", errs.ErrNotFound)
	}
	return a, err
}

// CreateAssignment inserts the assignment. The partial unique index on
// (order_id) WHERE deleted_at IS NULL enforces at most one active
// assignment per order; a duplicate surfaces as ErrConflict.
func (r *Repo) CreateAssignment(ctx context.Context, a Assignment) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO delivery_assignments(id, order_id, store_id, staff_id, status, notes, estimated_at, version)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, 1)`,
		a.ID, a.OrderID, a.StoreID, a.StaffID, a.Status, a.Notes, a.EstimatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("active assignment for order %s: %w", a.OrderID, errs.ErrConflict)
		}
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

func (r *Repo) GetAssignment(ctx context.Context, id string) (Assignment, error) {
	return scanAssignment(r.DB.QueryRow(ctx, `
		SELECT `+assignmentCols+`
		FROM delivery_assignments WHERE id = $1`, id))
}

func (r *Repo) ActiveByOrder(ctx context.Context, orderID string) (Assignment, error) {
	return scanAssignment(r.DB.QueryRow(ctx, `
		SELECT `+assignmentCols+`
		FROM delivery_assignments
		WHERE order_id = $1 AND deleted_at IS NULL`, orderID))
}

// AssignmentUpdate is a partial update; nil pointers leave columns alone.
type AssignmentUpdate struct {
	Status     AssignmentStatus
	StaffID    *string
	Reason     *string
	Notes      *string
	InvoiceRef *string
	SoftDelete bool
}

// UpdateAssignment applies the update under the optimistic version guard
// and schedules any compensation events in the same transaction.
func (r *Repo) UpdateAssignment(ctx context.Context, id string, fromVersion int64, up AssignmentUpdate, msgs ...outbox.Message) error {
	return postgres.RunTx(ctx, r.DB, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, `
			UPDATE delivery_assignments
			SET status      = $3,
			    staff_id    = COALESCE($4, staff_id),
			    reason      = COALESCE($5, reason),
			    notes       = COALESCE($6, notes),
			    invoice_ref = COALESCE($7, invoice_ref),
			    deleted_at  = CASE WHEN $8 THEN now() ELSE deleted_at END,
			    version     = version + 1,
			    updated_at  = now()
			WHERE id = $1 AND version = $2`,
			id, fromVersion, up.Status, up.StaffID, up.Reason, up.Notes, up.InvoiceRef, up.SoftDelete)
		if err != nil {
			return fmt.Errorf("update assignment: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return fmt.Errorf("assignment %s version %d: %w", id, fromVersion, errs.ErrConflict)
		}
		return outbox.AppendTx(ctx, tx, msgs...)
	})
}

func (r *Repo) CreateConfirmation(ctx context.Context, c Confirmation) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO delivery_confirmations(id, order_id, token, staff_id, customer_id, photos, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.OrderID, c.Token, c.StaffID, c.CustomerID, c.Photos, c.Notes)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("confirmation for order %s: %w", c.OrderID, errs.ErrConflict)
		}
		return fmt.Errorf("insert confirmation: %w", err)
	}
	return nil
}

// Scan performs the one-shot QR scan. The scanned timestamp is claimed with
// a conditional update, the assignment moves to DELIVERED and the
// delivery-confirmed event is scheduled, all in one transaction. A token
// whose timestamp is already set fails with ErrAlreadyScanned and nothing
// changes.
func (r *Repo) Scan(ctx context.Context, token string, confirmMsg func(orderID string, at time.Time) outbox.Message) (Confirmation, error) {
	var c Confirmation
	err := postgres.RunTx(ctx, r.DB, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		err := tx.QueryRow(ctx, `
			UPDATE delivery_confirmations
			SET scanned_at = $2
			WHERE token = $1 AND scanned_at IS NULL
			RETURNING id, order_id, token, staff_id, customer_id, photos, COALESCE(notes, ''), scanned_at, created_at`,
			token, now).
			Scan(&c.ID, &c.OrderID, &c.Token, &c.StaffID, &c.CustomerID, &c.Photos, &c.Notes, &c.ScannedAt, &c.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM delivery_confirmations WHERE token = $1)`,
				token).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("token %s: %w", token, errs.ErrAlreadyScanned)
			}
			return fmt.Errorf("token %s: %w", token, errs.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("claim scan: %w", err)
		}

		ct, err := tx.Exec(ctx, `
			UPDATE delivery_assignments
			SET status = $2, version = version + 1, updated_at = now()
			WHERE order_id = $1 AND deleted_at IS NULL AND status = $3`,
			c.OrderID, StatusDelivered, StatusInTransit)
		if err != nil {
			return fmt.Errorf("deliver assignment: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return fmt.Errorf("no in-transit assignment for order %s: %w", c.OrderID, errs.ErrInvalidTransition)
		}

		return outbox.AppendTx(ctx, tx, confirmMsg(c.OrderID, now))
	})
	if err != nil {
		return Confirmation{}, err
	}
	return c, nil
}
