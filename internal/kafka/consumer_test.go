package kafka

import (
	"fmt"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaneFor(t *testing.T) {
	const workers = 8

	// Same key always lands on the same lane.
	key := []byte("order-42")
	lane := laneFor(key, workers)
	for i := 0; i < 100; i++ {
		assert.Equal(t, lane, laneFor(key, workers))
	}

	// Every lane stays in range and keyless messages default to lane 0.
	for i := 0; i < 1000; i++ {
		l := laneFor([]byte(fmt.Sprintf("order-%d", i)), workers)
		assert.GreaterOrEqual(t, l, 0)
		assert.Less(t, l, workers)
	}
	assert.Equal(t, 0, laneFor(nil, workers))
	assert.Equal(t, 0, laneFor([]byte{}, workers))
}

func msg(partition int, offset int64) kafka.Message {
	return kafka.Message{Topic: "t", Partition: partition, Offset: offset}
}

func TestWatermarks_CommitOnlyContiguous(t *testing.T) {
	w := newWatermarks()
	for off := int64(10); off <= 13; off++ {
		w.observe(msg(0, off))
	}

	// Offsets 11 and 13 finish first on fast lanes: nothing may commit
	// while 10 is still in flight.
	_, ok := w.complete(msg(0, 11))
	assert.False(t, ok)
	_, ok = w.complete(msg(0, 13))
	assert.False(t, ok)

	// 10 completes: the run 10-11 is contiguous and commits as one.
	cm, ok := w.complete(msg(0, 10))
	require.True(t, ok)
	assert.Equal(t, int64(11), cm.Offset)

	// 12 completes: 13 was already done, so the run reaches 13.
	cm, ok = w.complete(msg(0, 12))
	require.True(t, ok)
	assert.Equal(t, int64(13), cm.Offset)
}

func TestWatermarks_PartitionsAreIndependent(t *testing.T) {
	w := newWatermarks()
	w.observe(msg(0, 5))
	w.observe(msg(1, 40))

	cm, ok := w.complete(msg(1, 40))
	require.True(t, ok)
	assert.Equal(t, 1, cm.Partition)
	assert.Equal(t, int64(40), cm.Offset)

	// Partition 0 is untouched by partition 1's progress.
	cm, ok = w.complete(msg(0, 5))
	require.True(t, ok)
	assert.Equal(t, 0, cm.Partition)
}

func TestWatermarks_FloorStartsAtFirstObserved(t *testing.T) {
	w := newWatermarks()
	// Resuming mid-partition: the floor is the first offset read, not zero.
	w.observe(msg(2, 100))
	cm, ok := w.complete(msg(2, 100))
	require.True(t, ok)
	assert.Equal(t, int64(100), cm.Offset)
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, retryDelay(0))
	assert.Equal(t, 400*time.Millisecond, retryDelay(1))
	assert.Equal(t, 3200*time.Millisecond, retryDelay(4))
	assert.Equal(t, 5*time.Second, retryDelay(5))
	assert.Equal(t, 5*time.Second, retryDelay(50))
}

func TestLaneFor_SpreadsKeys(t *testing.T) {
	const workers = 4
	seen := make(map[int]int)
	for i := 0; i < 400; i++ {
		seen[laneFor([]byte(fmt.Sprintf("order-%d", i)), workers)]++
	}
	assert.Len(t, seen, workers, "all lanes should receive work")
}
