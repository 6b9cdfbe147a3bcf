package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/miradorstack/mirador-healer/internal/metrics"
	"github.com/miradorstack/mirador-healer/internal/models"
)

// Observer receives session lifecycle events. Each observer is fed from its own
// queue and goroutine, so a slow or failing observer never affects healing.
type Observer interface {
	OnSessionEvent(ctx context.Context, event models.LifecycleEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, event models.LifecycleEvent)

// OnSessionEvent calls f.
func (f ObserverFunc) OnSessionEvent(ctx context.Context, event models.LifecycleEvent) {
	f(ctx, event)
}

// Named observers report drops under their own label.
type Named interface {
	Name() string
}

const defaultObserverQueue = 256

type observerQueue struct {
	name     string
	observer Observer
	events   chan models.LifecycleEvent
}

type fanout struct {
	mu     sync.RWMutex
	closed bool
	queues []*observerQueue
	wg     sync.WaitGroup
	logger *slog.Logger
	size   int
	ctx    context.Context
	cancel context.CancelFunc
}

func newFanout(logger *slog.Logger, size int) *fanout {
	if size <= 0 {
		size = defaultObserverQueue
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &fanout{logger: logger, size: size, ctx: ctx, cancel: cancel}
}

func (f *fanout) add(o Observer) error {
	name := fmt.Sprintf("%T", o)
	if n, ok := o.(Named); ok {
		name = n.Name()
	}
	q := &observerQueue{name: name, observer: o, events: make(chan models.LifecycleEvent, f.size)}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrMonitorClosed
	}
	f.queues = append(f.queues, q)
	f.wg.Add(1)
	go f.drain(q)
	return nil
}

func (f *fanout) publish(ev models.LifecycleEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for _, q := range f.queues {
		select {
		case q.events <- ev:
		default:
			metrics.ObserverDropped(q.name)
			f.logger.Warn("observer queue full; event dropped",
				slog.String("observer", q.name),
				slog.String("type", string(ev.Type)),
				slog.String("session_id", ev.Session.ID))
		}
	}
}

func (f *fanout) drain(q *observerQueue) {
	defer f.wg.Done()
	for ev := range q.events {
		f.deliver(q, ev)
	}
}

func (f *fanout) deliver(q *observerQueue, ev models.LifecycleEvent) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("observer panicked",
				slog.String("observer", q.name), slog.Any("panic", r))
		}
	}()
	q.observer.OnSessionEvent(f.ctx, ev)
}

// close stops accepting events and waits for queued ones to drain or ctx to end.
func (f *fanout) close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	for _, q := range f.queues {
		close(q.events)
	}
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		f.cancel()
		return nil
	case <-ctx.Done():
		f.cancel()
		return ctx.Err()
	}
}
