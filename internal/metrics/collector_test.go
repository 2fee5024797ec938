package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector(time.Minute, zap.NewNop())

	c.RecordRequest(100, 2048, nil)
	c.RecordRequest(10, 0, errors.New("boom"))
	c.RecordConflict()

	s := c.Snapshot()
	assert.Equal(t, int64(2), s.Requests)
	assert.Equal(t, int64(1), s.Failures)
	assert.Equal(t, int64(110), s.BytesSent)
	assert.Equal(t, int64(2048), s.BytesReceived)
	assert.Equal(t, int64(1), s.Conflicts)
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.RecordRequest(1, 1, nil)
	c.RecordConflict()
	assert.Equal(t, Snapshot{}, c.Snapshot())
}

func TestCollectorStartStops(t *testing.T) {
	c := NewCollector(0, zap.NewNop())
	assert.Equal(t, 30*time.Second, c.interval)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not stop")
	}
	assert.False(t, c.Snapshot().Timestamp.IsZero())
}
