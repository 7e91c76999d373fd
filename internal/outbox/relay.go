package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/casahaus/fulfillment/internal/kafka"
	"github.com/casahaus/fulfillment/internal/postgres"
)

// Relay flushes unpublished outbox rows to Kafka. Rows are claimed with
// SKIP LOCKED so several relay instances can run against one table, and a
// row is marked published only after the broker acknowledged the write.
// Delivery is at least once; consumers dedup on event id.
type Relay struct {
	DB       *pgxpool.Pool
	Producer *kafkax.Producer
	Interval time.Duration
	Batch    int
	Log      *zap.Logger
}

func (r *Relay) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := r.flush(ctx)
				if err != nil {
					r.Log.Warn("outbox flush failed", zap.Error(err))
					break
				}
				if n == 0 {
					break
				}
			}
		}
	}
}

func (r *Relay) flush(ctx context.Context) (int, error) {
	batch := r.Batch
	if batch <= 0 {
		batch = 100
	}

	var published int
	err := postgres.RunTx(ctx, r.DB, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, topic, key, value, event_type
			FROM outbox
			WHERE published_at IS NULL
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, batch)
		if err != nil {
			return fmt.Errorf("select outbox: %w", err)
		}

		type row struct {
			id         int64
			topic      string
			key, value []byte
			eventType  string
		}
		var pending []row
		for rows.Next() {
			var x row
			if err := rows.Scan(&x.id, &x.topic, &x.key, &x.value, &x.eventType); err != nil {
				rows.Close()
				return err
			}
			pending = append(pending, x)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, x := range pending {
			if err := r.Producer.Write(ctx, x.topic, x.key, x.value,
				kafkago.Header{Key: "x-event-type", Value: []byte(x.eventType)},
				kafkago.Header{Key: "x-event-version", Value: []byte("1")},
			); err != nil {
				return fmt.Errorf("publish %s: %w", x.topic, err)
			}
			if _, err := tx.Exec(ctx,
				`UPDATE outbox SET published_at = now() WHERE id = $1`, x.id); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return published, nil
}
