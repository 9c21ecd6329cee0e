package batch

import (
	"context"
	"sync"
	"time"
)

// ProcessFunc handles one flushed batch.
type ProcessFunc[T any] func(ctx context.Context, items []T) error

// Batcher collects items and hands them to a ProcessFunc when the batch is
// full or the interval elapses, whichever comes first.
type Batcher[T any] struct {
	batchSize     int
	batchInterval time.Duration
	process       ProcessFunc[T]
	onError       func(err error, items []T)

	mu      sync.Mutex
	pending []T
	stopped bool

	flushChan chan struct{}
	stopChan  chan struct{}
	done      chan struct{}
}

// NewBatcher starts a batcher. onError may be nil.
func NewBatcher[T any](batchSize int, batchInterval time.Duration, process ProcessFunc[T], onError func(err error, items []T)) *Batcher[T] {
	if batchSize <= 0 {
		batchSize = 1
	}
	if batchInterval <= 0 {
		batchInterval = 100 * time.Millisecond
	}
	b := &Batcher[T]{
		batchSize:     batchSize,
		batchInterval: batchInterval,
		process:       process,
		onError:       onError,
		pending:       make([]T, 0, batchSize),
		flushChan:     make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
	}

	go b.run()

	return b
}

// Add queues an item. It reports false once the batcher is stopped.
func (b *Batcher[T]) Add(item T) bool {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return false
	}
	b.pending = append(b.pending, item)
	shouldFlush := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.flushChan <- struct{}{}:
		default:
		}
	}
	return true
}

// Flush processes everything pending now.
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	items := make([]T, len(b.pending))
	copy(items, b.pending)
	b.pending = b.pending[:0]
	b.mu.Unlock()

	err := b.process(ctx, items)
	if err != nil && b.onError != nil {
		b.onError(err, items)
	}
	return err
}

func (b *Batcher[T]) run() {
	defer close(b.done)
	ticker := time.NewTicker(b.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = b.Flush(context.Background())
		case <-b.flushChan:
			_ = b.Flush(context.Background())
		case <-b.stopChan:
			return
		}
	}
}

// Stop halts the background loop, flushes what is left with ctx and waits.
func (b *Batcher[T]) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.stopChan)
	<-b.done
	return b.Flush(ctx)
}

// Discard halts the loop and drops anything pending.
func (b *Batcher[T]) Discard() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.pending = nil
	b.mu.Unlock()

	close(b.stopChan)
	<-b.done
}

// PendingCount returns the number of queued items.
func (b *Batcher[T]) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
