package session

import (
	"context"
	"errors"
	"log"
	"sync"
)

var (
	ErrSessionQueueFull = errors.New("session queue full")
	ErrSessionReleased  = errors.New("session worker released")
)

// Job is one mutation of a session, run on that session's worker.
type Job func(context.Context)

// Scheduler runs jobs one at a time per session key, in submission order.
// Different keys run concurrently.
type Scheduler struct {
	logger    *log.Logger
	queueSize int
	ctx       context.Context
	cancel    context.CancelFunc

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup
}

type worker struct {
	// senders hold the read lock while sending so Release can close ch
	// without racing them.
	mu       sync.RWMutex
	ch       chan Job
	released bool
}

func NewScheduler(logger *log.Logger, queueSize int) *Scheduler {
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger:    logger,
		queueSize: queueSize,
		ctx:       ctx,
		cancel:    cancel,
		workers:   make(map[string]*worker),
	}
}

// Open starts the worker for key. Opening an already open key is a no-op.
func (s *Scheduler) Open(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionReleased
	}
	if _, ok := s.workers[key]; ok {
		return nil
	}

	w := &worker{ch: make(chan Job, s.queueSize)}
	s.workers[key] = w
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for job := range w.ch {
			job(s.ctx)
		}
	}()
	return nil
}

// Enqueue waits for queue space or ctx.
func (s *Scheduler) Enqueue(ctx context.Context, key string, job Job) error {
	w, err := s.workerFor(key)
	if err != nil {
		return err
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.released {
		return ErrSessionReleased
	}
	select {
	case w.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue never blocks; a full queue yields ErrSessionQueueFull.
func (s *Scheduler) TryEnqueue(key string, job Job) error {
	w, err := s.workerFor(key)
	if err != nil {
		return err
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.released {
		return ErrSessionReleased
	}
	select {
	case w.ch <- job:
		return nil
	default:
		s.logger.Printf("session queue full key=%s", key)
		return ErrSessionQueueFull
	}
}

// Release stops accepting jobs for key. Jobs already queued still run before
// the worker exits. Release must not be called from a job on the same key.
func (s *Scheduler) Release(key string) {
	s.mu.Lock()
	w, ok := s.workers[key]
	delete(s.workers, key)
	s.mu.Unlock()
	if !ok {
		return
	}
	w.release()
}

// Close releases every worker and waits for queued jobs to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	workers := s.workers
	s.workers = make(map[string]*worker)
	s.mu.Unlock()

	for _, w := range workers {
		w.release()
	}
	s.wg.Wait()
	s.cancel()
}

func (s *Scheduler) workerFor(key string) (*worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[key]
	if !ok {
		return nil, ErrSessionReleased
	}
	return w, nil
}

func (w *worker) release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return
	}
	w.released = true
	close(w.ch)
}
