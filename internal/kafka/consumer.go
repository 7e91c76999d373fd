package kafka

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler must return nil only when processing succeeded and the offset may
// be committed.
type Handler func(ctx context.Context, m kafka.Message) error

// Consumer fans messages out to a fixed pool of workers, routing each
// message by a hash of its key. All events for one order therefore run on
// the same worker, sequentially; events for different orders proceed
// concurrently.
//
// Offsets commit through a per-partition low watermark: a message only
// commits once everything before it on its partition has been processed,
// so a fast lane can never mark a slower lane's in-flight message as
// consumed. A failing handler is retried in its lane with backoff, which
// blocks that lane (and the partition watermark) until it succeeds.
type Consumer struct {
	r       *kafka.Reader
	workers int
	log     *zap.Logger
}

func NewConsumer(brokers []string, group string, topics []string, workers int, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{r: r, workers: workers, log: log}
}

func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	marks := newWatermarks()
	lanes := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 256)
		wg.Add(1)
		go func(jobs <-chan kafka.Message) {
			defer wg.Done()
			for m := range jobs {
				if !c.process(ctx, h, m) {
					return
				}
				if cm, ok := marks.complete(m); ok {
					if err := c.r.CommitMessages(ctx, cm); err != nil {
						c.log.Warn("commit failed", zap.Error(err))
					}
				}
			}
		}(lanes[i])
	}

	closeAll := func() {
		for _, ch := range lanes {
			close(ch)
		}
		wg.Wait()
	}

	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			closeAll()
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		marks.observe(m)
		select {
		case lanes[laneFor(m.Key, c.workers)] <- m:
		case <-ctx.Done():
			closeAll()
			return nil
		}
	}
}

// process runs the handler until it succeeds, backing off between attempts.
// Returns false only when the context ended; the message then stays
// uncommitted and is redelivered.
func (c *Consumer) process(ctx context.Context, h Handler, m kafka.Message) bool {
	for attempt := 0; ; attempt++ {
		err := h(ctx, m)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		c.log.Warn("handler failed, retrying",
			zap.String("topic", m.Topic),
			zap.ByteString("key", m.Key),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(retryDelay(attempt)):
		}
	}
}

func retryDelay(attempt int) time.Duration {
	if attempt > 4 {
		return 5 * time.Second
	}
	return 200 * time.Millisecond << uint(attempt)
}

type topicPartition struct {
	topic     string
	partition int
}

// watermarks releases offsets for commit in partition order regardless of
// which lane finished first.
type watermarks struct {
	mu   sync.Mutex
	next map[topicPartition]int64
	done map[topicPartition]map[int64]kafka.Message
}

func newWatermarks() *watermarks {
	return &watermarks{
		next: make(map[topicPartition]int64),
		done: make(map[topicPartition]map[int64]kafka.Message),
	}
}

// observe pins the commit floor at the first offset read from a partition.
// The reader yields each partition in offset order, so that first message
// carries the lowest uncommitted offset.
func (w *watermarks) observe(m kafka.Message) {
	tp := topicPartition{m.Topic, m.Partition}
	w.mu.Lock()
	if _, ok := w.next[tp]; !ok {
		w.next[tp] = m.Offset
		w.done[tp] = make(map[int64]kafka.Message)
	}
	w.mu.Unlock()
}

// complete marks m processed and returns the newest message of the now
// contiguous run, the one whose commit covers the whole run.
func (w *watermarks) complete(m kafka.Message) (kafka.Message, bool) {
	tp := topicPartition{m.Topic, m.Partition}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.done[tp][m.Offset] = m
	var last kafka.Message
	var ok bool
	for {
		nm, found := w.done[tp][w.next[tp]]
		if !found {
			return last, ok
		}
		delete(w.done[tp], w.next[tp])
		w.next[tp]++
		last, ok = nm, true
	}
}

func laneFor(key []byte, n int) int {
	if len(key) == 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(n))
}
