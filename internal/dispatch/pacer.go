package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/alert-bridge/internal/observ"
)

var ErrPacerClosed = errors.New("pacer closed")

type ticket struct {
	ctx   context.Context
	ready chan struct{}
}

// Pacer releases waiters one at a time, in arrival order, no faster than the
// configured rate. With burst 1 consecutive releases are at least 1/N apart,
// so no rolling one-second window holds more than N releases. A waiter whose
// context ends before its turn is skipped and does not use a slot.
type Pacer struct {
	limiter *rate.Limiter
	queue   chan *ticket
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func NewPacer(perSecond float64) *Pacer {
	if perSecond <= 0 {
		perSecond = 25
	}
	p := &Pacer{
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		queue:   make(chan *ticket, 1024),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Wait blocks until the caller's turn comes up or ctx ends.
func (p *Pacer) Wait(ctx context.Context) error {
	start := time.Now()
	t := &ticket{ctx: ctx, ready: make(chan struct{})}
	select {
	case p.queue <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stop:
		return ErrPacerClosed
	}
	return p.await(ctx, t, start)
}

// await waits for t's release. A release that races with cancellation wins.
func (p *Pacer) await(ctx context.Context, t *ticket, start time.Time) error {
	var err error
	select {
	case <-t.ready:
	case <-ctx.Done():
		err = ctx.Err()
	case <-p.stop:
		err = ErrPacerClosed
	}
	if err != nil {
		select {
		case <-t.ready:
		default:
			return err
		}
	}
	observ.RecordDuration("dispatch_wait", time.Since(start), nil)
	return nil
}

func (p *Pacer) run() {
	defer close(p.done)
	for {
		var t *ticket
		select {
		case <-p.stop:
			return
		case t = <-p.queue:
		}
		if t.ctx.Err() != nil {
			continue
		}
		r := p.limiter.Reserve()
		if d := r.Delay(); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-t.ctx.Done():
				timer.Stop()
				r.Cancel()
				continue
			case <-p.stop:
				timer.Stop()
				r.Cancel()
				return
			}
		}
		close(t.ready)
	}
}

// Close stops the release loop; pending waiters get ErrPacerClosed.
func (p *Pacer) Close() {
	p.once.Do(func() { close(p.stop) })
	<-p.done
}
