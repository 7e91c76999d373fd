package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/casahaus/fulfillment/internal/redisx"
)

// HandlerFunc processes one decoded envelope. It must be idempotent: the
// bus redelivers at least once and the dedup marker below is only a fast
// path, not a guarantee.
type HandlerFunc func(ctx context.Context, env Envelope) error

// Dispatcher decodes envelopes off the bus and routes them by event type.
// Unknown types are skipped so topics can gain event versions without
// breaking old consumers. Each consumer group keeps its own dedup marker
// set in Redis, keyed by event id.
type Dispatcher struct {
	Service  string
	Redis    *redis.Client
	Handlers map[string]HandlerFunc
	Log      *zap.Logger
}

func (d *Dispatcher) Handle(ctx context.Context, m kafkago.Message) error {
	var env Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		// Poison message: log and commit, retrying cannot fix it.
		d.Log.Error("undecodable event", zap.String("topic", m.Topic), zap.Error(err))
		return nil
	}

	h, ok := d.Handlers[env.EventType]
	if !ok {
		return nil
	}

	dkey := fmt.Sprintf(redisx.KeyDedup, d.Service, env.EventID)
	if seen, _ := redisx.Exists(ctx, d.Redis, dkey); seen {
		return nil
	}

	if err := h(ctx, env); err != nil {
		return fmt.Errorf("%s: %w", env.EventType, err)
	}

	_, _ = redisx.SetNX(ctx, d.Redis, dkey, redisx.TTLDedup)
	return nil
}

// NewEnvelope stamps a fresh envelope around an already-marshalled payload.
func NewEnvelope(eventType, producer, traceID, orderID string, payload []byte) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		TraceID:       traceID,
		CorrelationID: orderID,
		Payload:       payload,
	}
}
