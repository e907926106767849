package beacon

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"quizsync-backend-go/internal/services"
)

var (
	ErrQueueFull   = errors.New("beacon queue is full")
	ErrQueueClosed = errors.New("beacon queue is closed")
)

type Handler func(ctx context.Context, batch services.SessionBatch) error

// Queue decouples the always-200 HTTP handler from the store writes.
type Queue interface {
	Enqueue(ctx context.Context, batch services.SessionBatch) error
	// Consume runs workers until ctx is done. Handler errors are the
	// handler's business; they never stop consumption.
	Consume(ctx context.Context, workers int, handle Handler) error
	Close() error
}

// MemoryQueue is a buffered channel. Batches still buffered at shutdown are
// lost, which the beacon contract allows.
type MemoryQueue struct {
	ch        chan services.SessionBatch
	closed    chan struct{}
	closeOnce sync.Once
}

func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 1024
	}
	return &MemoryQueue{
		ch:     make(chan services.SessionBatch, buffer),
		closed: make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, batch services.SessionBatch) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, workers int, handle Handler) error {
	if workers <= 0 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-q.closed:
					return nil
				case batch := <-q.ch:
					_ = handle(ctx, batch)
				}
			}
		})
	}
	return g.Wait()
}

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}

func (q *MemoryQueue) Len() int {
	return len(q.ch)
}
