package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/JakeFAU/scraper-intel/internal/scrape"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestHubBatchBySize verifies the hub flushes once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent("job-1", EventQueued))
	hub.Emit(sampleEvent("job-1", EventStarted))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 25 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent("job-1", EventQueued))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	hub := &Hub{events: make(chan Event), logger: zap.NewNop()}
	start := time.Now()
	hub.Emit(sampleEvent("job-1", EventQueued))
	hub.Emit(sampleEvent("job-1", EventQueued))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(2), hub.Dropped())
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{MaxBatchEvents: 1}, sink)
	hub.Emit(Event{JobID: "x", TS: time.Now(), Type: EventCompleted})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

// TestHubFlushOnClose ensures Close drains buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)
	hub.Emit(sampleEvent("job-1", EventQueued))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.True(t, sink.closed)

	// Emit after close is ignored.
	hub.Emit(sampleEvent("job-1", EventQueued))
	require.NoError(t, hub.Close(context.Background()))
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	require.NoError(t, Event{JobID: "a", TS: now, Type: EventProgress, Percent: 40}.Validate())
	require.Error(t, Event{TS: now, Type: EventQueued}.Validate())
	require.Error(t, Event{JobID: "a", Type: EventQueued}.Validate())
	require.Error(t, Event{JobID: "a", TS: now, Type: "job_exploded"}.Validate())
	require.Error(t, Event{JobID: "a", TS: now, Type: EventFailed}.Validate())
	require.Error(t, Event{JobID: "a", TS: now, Type: EventProgress, Percent: 101}.Validate())
	require.NoError(t, Event{JobID: "a", TS: now, Type: EventCompleted, Result: &scrape.JobResult{}}.Validate())
	require.True(t, EventCached.Terminal())
	require.False(t, EventProgress.Terminal())
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	copy(out, s.batches)
	return out
}

func sampleEvent(jobID string, typ EventType) Event {
	evt := Event{JobID: jobID, TS: time.Now(), Type: typ, URL: "https://example.com", Domain: "example.com"}
	switch typ {
	case EventCompleted, EventCached:
		evt.Result = &scrape.JobResult{JobID: jobID}
	case EventFailed:
		evt.Error = &scrape.ErrorInfo{Code: "NETWORK_ERROR"}
	}
	return evt
}
