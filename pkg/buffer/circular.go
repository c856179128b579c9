package buffer

import (
	"sync"
	"time"

	"github.com/spacemonqi/ableton-mcp-extended/errors"
)

// circularBuffer is a thread-safe ring buffer with configurable overflow
// policies. Readers waiting in ReadWait are woken through a signal channel
// rather than a condition variable so waits can carry a deadline.
type circularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool

	stats   *Statistics
	metrics *bufferMetrics
	opts    *bufferOptions[T]

	// wakeup carries at most one pending "data arrived" signal.
	wakeup chan struct{}
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	stats := NewStatistics()

	var metrics *bufferMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newCircularBuffer", "metrics registration")
		}
	}

	return &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    stats,
		metrics:  metrics,
		opts:     opts,
		wakeup:   make(chan struct{}, 1),
	}, nil
}

// Write adds an item according to the overflow policy. It never blocks.
func (cb *circularBuffer[T]) Write(item T) error {
	cb.mu.Lock()

	if cb.closed {
		cb.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "buffer", "Write", "buffer closed")
	}

	var dropped T
	var didDrop bool

	if cb.size == cb.capacity {
		cb.stats.Overflow()
		cb.stats.Drop()
		if cb.metrics != nil {
			cb.metrics.recordDrop()
		}

		switch cb.opts.overflowPolicy {
		case DropOldest:
			dropped = cb.items[cb.tail]
			didDrop = true
			cb.tail = (cb.tail + 1) % cb.capacity
			cb.size--
		case DropNewest:
			cb.mu.Unlock()
			if cb.opts.dropCallback != nil {
				cb.opts.dropCallback(item)
			}
			return nil
		}
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.Write()
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.recordWrite(cb.size, cb.capacity)
	}
	cb.mu.Unlock()

	cb.signal()

	// Callback runs outside the lock.
	if didDrop && cb.opts.dropCallback != nil {
		cb.opts.dropCallback(dropped)
	}
	return nil
}

// signal wakes one waiting reader without blocking.
func (cb *circularBuffer[T]) signal() {
	select {
	case cb.wakeup <- struct{}{}:
	default:
	}
}

// Read retrieves and removes one item.
func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.readLocked()
}

func (cb *circularBuffer[T]) readLocked() (T, bool) {
	var zero T
	if cb.size == 0 {
		return zero, false
	}

	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero // release for GC
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--

	cb.stats.Read()
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.recordRead(cb.size, cb.capacity)
	}

	return item, true
}

// ReadWait retrieves one item, waiting up to timeout for data to arrive.
func (cb *circularBuffer[T]) ReadWait(timeout time.Duration) (T, bool) {
	if item, ok := cb.Read(); ok {
		return item, true
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-cb.wakeup:
			if item, ok := cb.Read(); ok {
				return item, true
			}
			// Signal consumed by a concurrent reader; keep waiting.
		case <-deadline.C:
			var zero T
			return zero, false
		}
	}
}

// ReadBatch retrieves and removes up to max items.
func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		return nil
	}

	n := max
	if n > cb.size {
		n = cb.size
	}

	result := make([]T, 0, n)
	for i := 0; i < n; i++ {
		item, _ := cb.readLocked()
		result = append(result, item)
	}
	return result
}

// Size returns the current number of buffered items.
func (cb *circularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

// Capacity returns the buffer's capacity.
func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

// Stats returns the buffer's statistics.
func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

// Close marks the buffer closed. Pending items remain readable.
func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	cb.closed = true
	cb.mu.Unlock()
	cb.signal()
	return nil
}
