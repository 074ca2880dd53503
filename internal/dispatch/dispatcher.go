package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"heavy.local/research-gateway/internal/protocol"
	"heavy.local/research-gateway/internal/subscribers"
)

// Dispatcher fans events out to subscribers, one goroutine per subscriber
// per event, retrying failed deliveries.
type Dispatcher struct {
	logger       *log.Logger
	subscribers  []subscribers.Subscriber
	retryCount   int
	retryBackoff time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(logger *log.Logger, subs []subscribers.Subscriber) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		logger:       logger,
		subscribers:  subs,
		retryCount:   3,
		retryBackoff: 150 * time.Millisecond,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Dispatch returns immediately. Deliveries outlive ctx's cancellation only
// until Close.
func (d *Dispatcher) Dispatch(ctx context.Context, event protocol.Event) {
	if d == nil {
		return
	}
	for _, sub := range d.subscribers {
		s := sub
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.dispatchOne(context.WithoutCancel(ctx), s, event)
		}()
	}
}

// Wait blocks until every delivery started so far has finished.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

// Close abandons pending retries and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) dispatchOne(ctx context.Context, sub subscribers.Subscriber, event protocol.Event) {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-d.ctx.Done():
			stop()
		case <-ctx.Done():
		}
	}()

	for attempt := 1; attempt <= d.retryCount; attempt++ {
		err := sub.Handle(ctx, event)
		if err == nil {
			return
		}

		d.logger.Printf("subscriber=%s event_id=%s type=%s attempt=%d err=%v", sub.Name(), event.EventID, event.Message.Type, attempt, err)
		if attempt == d.retryCount {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.retryBackoff):
		}
	}
}
