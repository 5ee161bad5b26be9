package feed

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/alert-bridge/internal/observ"
)

// Sink receives feed events off the hot path. Errors are logged and the
// event is dropped.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

type sinkWorker struct {
	sink  Sink
	queue chan Event
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func startSink(s Sink, queue int) *sinkWorker {
	if queue <= 0 {
		queue = 256
	}
	w := &sinkWorker{sink: s, queue: make(chan Event, queue)}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *sinkWorker) offer(e Event) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- e:
	default:
		observ.IncCounter("feed_events_dropped_total", map[string]string{"reason": "sink_full", "sink": w.sink.Name()})
	}
}

func (w *sinkWorker) run() {
	defer w.wg.Done()
	for e := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := w.sink.Deliver(ctx, e); err != nil {
			observ.L().Warn("feed sink delivery failed",
				zap.String("sink", w.sink.Name()),
				zap.String("event_id", e.ID),
				zap.Error(err))
			observ.IncCounter("feed_sink_errors_total", map[string]string{"sink": w.sink.Name()})
		}
		cancel()
	}
}

func (w *sinkWorker) stop() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	w.wg.Wait()
}
