package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/schema"
)

func TestPublishAndReceive(t *testing.T) {
	q := NewQueue(4)
	require.NoError(t, q.TryPublish(schema.NewEvent(schema.EventTrade, schema.SeverityInfo, "BNB/USDT", "filled")))

	select {
	case e := <-q.Events():
		assert.Equal(t, schema.EventTrade, e.Type)
		assert.Equal(t, "BNB/USDT", e.Symbol)
	default:
		t.Fatal("expected a buffered event")
	}
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.TryPublish(schema.NewEvent(schema.EventAlert, schema.SeverityWarn, "A", "first")))

	err := q.TryPublish(schema.NewEvent(schema.EventAlert, schema.SeverityWarn, "A", "second"))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), q.Drops())
}

func TestClosedQueueRejects(t *testing.T) {
	q := NewQueue(1)
	q.Close()
	q.Close() // idempotent

	err := q.TryPublish(schema.NewEvent(schema.EventAlert, schema.SeverityInfo, "A", "late"))
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestPublishersRacingCloseNeverPanic(t *testing.T) {
	q := NewQueue(4)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = q.TryPublish(schema.NewEvent(schema.EventAlert, schema.SeverityInfo, "A", "racing"))
			}
		}()
	}
	q.Close()
	wg.Wait()

	err := q.TryPublish(schema.NewEvent(schema.EventAlert, schema.SeverityInfo, "A", "late"))
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestRunDrainsUntilClose(t *testing.T) {
	q := NewQueue(8)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.TryPublish(schema.NewEvent(schema.EventStateChange, schema.SeverityInfo, "A", "tick")))
	}
	q.Close()

	var seen int
	done := make(chan struct{})
	go func() {
		q.Run(t.Context(), func(schema.Event) { seen++ })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.Equal(t, 3, seen)
}
