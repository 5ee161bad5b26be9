package feed

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/alert-bridge/internal/domain"
	"github.com/Rajchodisetti/alert-bridge/internal/observ"
)

type Outcome string

const (
	Accepted  Outcome = "ACCEPTED"
	Duplicate Outcome = "DUPLICATE"
	Rejected  Outcome = "REJECTED"
	Manual    Outcome = "MANUAL"
)

// Event describes one processing attempt. ID is unique per attempt and
// unrelated to the intake fingerprint.
type Event struct {
	ID          string              `json:"id"`
	At          time.Time           `json:"at"`
	Source      string              `json:"source"`
	RequestID   string              `json:"request_id,omitempty"`
	Outcome     Outcome             `json:"outcome"`
	Kind        string              `json:"kind,omitempty"`
	Message     string              `json:"message,omitempty"`
	Fingerprint string              `json:"fingerprint,omitempty"`
	Request     json.RawMessage     `json:"request,omitempty"`
	Instrument  *domain.Instrument  `json:"instrument,omitempty"`
	Result      *domain.OrderResult `json:"result,omitempty"`
}

// Failed reports whether the attempt ended without a successful order.
func (e Event) Failed() bool {
	if e.Outcome == Rejected {
		return true
	}
	return e.Result != nil && !e.Result.OK()
}

// Feed is a bounded, time-limited ring of recent events. It never blocks
// publishers: the oldest entry is overwritten, slow subscribers miss events,
// and sink queues drop when full.
type Feed struct {
	mu    sync.RWMutex
	ring  []Event
	next  int
	count int
	ttl   time.Duration
	now   func() time.Time

	subMu sync.Mutex
	subs  map[chan Event]struct{}

	sinks []*sinkWorker
}

type Option func(*Feed)

func WithClock(now func() time.Time) Option { return func(f *Feed) { f.now = now } }

func WithSink(s Sink, queue int) Option {
	return func(f *Feed) { f.sinks = append(f.sinks, startSink(s, queue)) }
}

func New(capacity int, ttl time.Duration, opts ...Option) *Feed {
	if capacity <= 0 {
		capacity = 100
	}
	f := &Feed{
		ring: make([]Event, capacity),
		ttl:  ttl,
		now:  time.Now,
		subs: map[chan Event]struct{}{},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Publish stores e, assigning an id and timestamp when missing, and returns
// the stored event.
func (f *Feed) Publish(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = f.now().UTC()
	}
	f.mu.Lock()
	if f.count == len(f.ring) {
		observ.IncCounter("feed_events_dropped_total", map[string]string{"reason": "evicted"})
	} else {
		f.count++
	}
	f.ring[f.next] = e
	f.next = (f.next + 1) % len(f.ring)
	f.mu.Unlock()

	f.fanOut(e)
	return e
}

// Attach records the eventual order result on a published event. Events that
// have already been evicted are ignored.
func (f *Feed) Attach(id string, r domain.OrderResult) (Event, bool) {
	f.mu.Lock()
	var (
		e     Event
		found bool
	)
	for i := 0; i < f.count; i++ {
		idx := (f.next - 1 - i + len(f.ring)) % len(f.ring)
		if f.ring[idx].ID == id {
			f.ring[idx].Result = &r
			e, found = f.ring[idx], true
			break
		}
	}
	f.mu.Unlock()
	if found {
		f.fanOut(e)
	}
	return e, found
}

// Recent returns up to limit live events, newest first. Events older than
// the display TTL are skipped.
func (f *Feed) Recent(limit int) []Event {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if limit <= 0 || limit > f.count {
		limit = f.count
	}
	cutoff := time.Time{}
	if f.ttl > 0 {
		cutoff = f.now().Add(-f.ttl)
	}
	out := make([]Event, 0, limit)
	for i := 0; i < f.count && len(out) < limit; i++ {
		e := f.ring[(f.next-1-i+len(f.ring))%len(f.ring)]
		if !cutoff.IsZero() && e.At.Before(cutoff) {
			break
		}
		out = append(out, e)
	}
	return out
}

// History ignores the display TTL and returns everything still buffered,
// newest first.
func (f *Feed) History(limit int) []Event {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if limit <= 0 || limit > f.count {
		limit = f.count
	}
	out := make([]Event, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, f.ring[(f.next-1-i+len(f.ring))%len(f.ring)])
	}
	return out
}

// Subscribe returns a channel of future events and a cancel func. A
// subscriber that falls more than buf events behind misses events.
func (f *Feed) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan Event, buf)
	f.subMu.Lock()
	f.subs[ch] = struct{}{}
	f.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.subMu.Lock()
			delete(f.subs, ch)
			f.subMu.Unlock()
			close(ch)
		})
	}
}

func (f *Feed) fanOut(e Event) {
	f.subMu.Lock()
	for ch := range f.subs {
		select {
		case ch <- e:
		default:
			observ.IncCounter("feed_events_dropped_total", map[string]string{"reason": "slow_subscriber"})
		}
	}
	f.subMu.Unlock()
	for _, s := range f.sinks {
		s.offer(e)
	}
}

// Close stops sink workers after draining what they already queued.
func (f *Feed) Close() {
	for _, s := range f.sinks {
		s.stop()
	}
}
