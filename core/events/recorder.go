package events

import (
	"context"
	"sync"
	"time"

	"fundvault/core/types"
)

const defaultHistoryLimit = 2048

type eventWithPayload interface {
	Event() *types.Event
}

// Recorder implements Emitter by assigning each event a monotonically
// increasing sequence, retaining a bounded history for cursor-based catch-up
// and fanning live events out to subscribers. Sends to subscribers never
// block; a subscriber that falls behind re-reads the backlog from its cursor.
type Recorder struct {
	mu      sync.Mutex
	seq     uint64
	history []types.Event
	limit   int
	subs    map[uint64]chan types.Event
	nextID  uint64
	nowFn   func() time.Time
}

// NewRecorder returns a Recorder retaining up to limit events; limit <= 0
// falls back to the default.
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &Recorder{
		limit: limit,
		subs:  make(map[uint64]chan types.Event),
		nowFn: time.Now,
	}
}

// SetNowFunc overrides the timestamp source. Nil restores the default.
func (r *Recorder) SetNowFunc(now func() time.Time) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	r.nowFn = now
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	if r == nil || evt == nil {
		return
	}
	var payload *types.Event
	if provider, ok := evt.(eventWithPayload); ok {
		payload = provider.Event()
	}
	if payload == nil {
		payload = &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
	}

	r.mu.Lock()
	r.seq++
	payload.Sequence = r.seq
	payload.Timestamp = r.nowFn().Unix()
	r.history = append(r.history, cloneEvent(*payload))
	if len(r.history) > r.limit {
		excess := len(r.history) - r.limit
		trimmed := make([]types.Event, r.limit)
		copy(trimmed, r.history[excess:])
		r.history = trimmed
	}
	subscribers := make([]chan types.Event, 0, len(r.subs))
	for _, ch := range r.subs {
		subscribers = append(subscribers, ch)
	}
	r.mu.Unlock()

	broadcast := cloneEvent(*payload)
	for _, ch := range subscribers {
		select {
		case ch <- broadcast:
		default:
		}
	}
}

// Sequence returns the sequence number of the most recently emitted event.
func (r *Recorder) Sequence() uint64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Events returns up to limit retained events with sequence greater than
// since, oldest first. limit <= 0 returns the full retained tail.
func (r *Recorder) Events(since uint64, limit int) []types.Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Event, 0, len(r.history))
	for _, entry := range r.history {
		if entry.Sequence <= since {
			continue
		}
		out = append(out, cloneEvent(entry))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Subscribe registers a live subscriber resuming after the supplied cursor.
// It returns the live channel, a cancel function and the backlog of retained
// events past the cursor. The channel is closed when cancel runs or ctx ends.
func (r *Recorder) Subscribe(ctx context.Context, since uint64) (<-chan types.Event, func(), []types.Event) {
	if r == nil {
		ch := make(chan types.Event)
		close(ch)
		return ch, func() {}, nil
	}
	updates := make(chan types.Event, 32)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = updates
	history := make([]types.Event, len(r.history))
	copy(history, r.history)
	r.mu.Unlock()

	backlog := make([]types.Event, 0, len(history))
	for _, entry := range history {
		if entry.Sequence > since {
			backlog = append(backlog, cloneEvent(entry))
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			sub, ok := r.subs[id]
			if ok {
				delete(r.subs, id)
				close(sub)
			}
			r.mu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return updates, cancel, backlog
}

func cloneEvent(evt types.Event) types.Event {
	cloned := evt
	if evt.Attributes != nil {
		cloned.Attributes = make(map[string]string, len(evt.Attributes))
		for k, v := range evt.Attributes {
			cloned.Attributes[k] = v
		}
	}
	return cloned
}
