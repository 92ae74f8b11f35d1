package progress

import (
	"sync"

	"go.uber.org/zap"
)

// Listener receives events. It runs synchronously on the publisher's
// goroutine and must not block.
type Listener func(Event)

// Tracker keeps bounded per-job event history and dispatches events to
// per-job and global subscribers.
type Tracker struct {
	historyLimit int
	emitter      Emitter
	logger       *zap.Logger

	mu      sync.Mutex
	nextID  uint64
	history map[string][]Event
	perJob  map[string]map[uint64]Listener
	global  map[uint64]Listener
}

// NewTracker creates a Tracker. historyLimit defaults to 50 events per job.
// Events are also forwarded to emitter when it is non-nil.
func NewTracker(historyLimit int, emitter Emitter, logger *zap.Logger) *Tracker {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		historyLimit: historyLimit,
		emitter:      emitter,
		logger:       logger.Named("progress"),
		history:      make(map[string][]Event),
		perJob:       make(map[string]map[uint64]Listener),
		global:       make(map[uint64]Listener),
	}
}

// Subscribe registers fn for events of one job. The returned func removes it.
func (t *Tracker) Subscribe(jobID string, fn Listener) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	subs, ok := t.perJob[jobID]
	if !ok {
		subs = make(map[uint64]Listener)
		t.perJob[jobID] = subs
	}
	subs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if subs, ok := t.perJob[jobID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(t.perJob, jobID)
			}
		}
	}
}

// SubscribeAll registers fn for every event. The returned func removes it.
func (t *Tracker) SubscribeAll(fn Listener) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.global[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.global, id)
	}
}

// Publish records evt and notifies subscribers outside the lock.
func (t *Tracker) Publish(evt Event) {
	if err := evt.Validate(); err != nil {
		t.logger.Warn("invalid progress event", zap.String("job_id", evt.JobID), zap.Error(err))
		return
	}
	t.mu.Lock()
	h := append(t.history[evt.JobID], evt)
	if len(h) > t.historyLimit {
		h = append([]Event(nil), h[len(h)-t.historyLimit:]...)
	}
	t.history[evt.JobID] = h
	listeners := make([]Listener, 0, len(t.perJob[evt.JobID])+len(t.global))
	for _, fn := range t.perJob[evt.JobID] {
		listeners = append(listeners, fn)
	}
	for _, fn := range t.global {
		listeners = append(listeners, fn)
	}
	t.mu.Unlock()

	for _, fn := range listeners {
		t.invoke(fn, evt)
	}
	if t.emitter != nil {
		t.emitter.Emit(evt)
	}
}

func (t *Tracker) invoke(fn Listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("progress listener panicked",
				zap.String("job_id", evt.JobID),
				zap.String("type", string(evt.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	fn(evt)
}

// History returns a copy of the job's recorded events, oldest first.
func (t *Tracker) History(jobID string) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Event(nil), t.history[jobID]...)
}

// Forget drops history and subscribers for a job.
func (t *Tracker) Forget(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.history, jobID)
	delete(t.perJob, jobID)
}
