package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/casahaus/fulfillment/internal/event"
	kafkax "github.com/casahaus/fulfillment/internal/kafka"
)

// Message is one scheduled publication. It is written in the same
// transaction as the state change it announces, so a crash between commit
// and publish never loses the downstream effect; the relay picks it up.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	EventType string
}

// For wraps a payload into an envelope and binds it to a topic.
func For(topic, eventType, producer, traceID, orderID string, payload any) Message {
	env := event.NewEnvelope(eventType, producer, traceID, orderID, kafkax.MustMarshal(payload))
	return Message{
		Topic:     topic,
		Key:       event.PartitionKey(orderID),
		Value:     kafkax.MustMarshal(env),
		EventType: eventType,
	}
}

// AppendTx inserts messages into the outbox within the caller's transaction.
func AppendTx(ctx context.Context, tx pgx.Tx, msgs ...Message) error {
	for _, m := range msgs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO outbox(topic, key, value, event_type)
			VALUES ($1, $2, $3, $4)`,
			m.Topic, m.Key, m.Value, m.EventType,
		); err != nil {
			return fmt.Errorf("insert outbox: %w", err)
		}
	}
	return nil
}
