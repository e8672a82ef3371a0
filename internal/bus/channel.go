package bus

import (
	"sync"
	"sync/atomic"

	"firestige.xyz/tap/internal/core"
	"firestige.xyz/tap/internal/metrics"
)

// Stats is a point-in-time view of a channel's gauges.
type Stats struct {
	Name      Name
	Capacity  int
	Depth     int
	Watermark int64
	Messages  uint64
	Bytes     uint64
	Errors    uint64
}

// Channel is a bounded FIFO with drop-on-full semantics. Publish never
// blocks; Subscribe returns the receive side shared by all consumers.
type Channel[T any] struct {
	name  Name
	queue chan T

	mu     sync.RWMutex
	closed bool

	messages  atomic.Uint64
	bytes     atomic.Uint64
	errors    atomic.Uint64
	watermark atomic.Int64
}

// NewChannel creates a channel holding at most capacity messages.
func NewChannel[T any](name Name, capacity int) *Channel[T] {
	if capacity < 1 {
		capacity = 1
	}
	metrics.ChannelCapacity.WithLabelValues(string(name)).Set(float64(capacity))
	return &Channel[T]{
		name:  name,
		queue: make(chan T, capacity),
	}
}

// Name returns the channel name.
func (c *Channel[T]) Name() Name {
	return c.name
}

// Publish enqueues msg without blocking. size is the byte size recorded
// for throughput. A full channel drops msg and returns ErrChannelFull.
func (c *Channel[T]) Publish(msg T, size int) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		c.recordError()
		return core.ErrChannelClosed
	}

	select {
	case c.queue <- msg:
		c.messages.Add(1)
		c.bytes.Add(uint64(size))

		label := string(c.name)
		depth := int64(len(c.queue))
		for {
			w := c.watermark.Load()
			if depth <= w || c.watermark.CompareAndSwap(w, depth) {
				break
			}
		}
		metrics.ChannelMessagesTotal.WithLabelValues(label).Inc()
		metrics.ChannelBytesTotal.WithLabelValues(label).Add(float64(size))
		metrics.ChannelDepth.WithLabelValues(label).Set(float64(depth))
		return nil
	default:
		c.recordError()
		return core.ErrChannelFull
	}
}

func (c *Channel[T]) recordError() {
	c.errors.Add(1)
	metrics.ChannelErrorsTotal.WithLabelValues(string(c.name)).Inc()
}

// Subscribe returns the receive side of the channel. The returned channel
// is closed once Close has been called and every queued message consumed.
func (c *Channel[T]) Subscribe() <-chan T {
	return c.queue
}

// Close disconnects all producers. Further publishes fail with
// ErrChannelClosed; consumers drain what is left and then see the close.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.queue)
}

// Len returns the current depth.
func (c *Channel[T]) Len() int {
	return len(c.queue)
}

// Cap returns the configured capacity.
func (c *Channel[T]) Cap() int {
	return cap(c.queue)
}

// Stats returns the channel gauges.
func (c *Channel[T]) Stats() Stats {
	return Stats{
		Name:      c.name,
		Capacity:  cap(c.queue),
		Depth:     len(c.queue),
		Watermark: c.watermark.Load(),
		Messages:  c.messages.Load(),
		Bytes:     c.bytes.Load(),
		Errors:    c.errors.Load(),
	}
}

// resetWatermark starts a new watermark interval at the current depth.
func (c *Channel[T]) resetWatermark() int64 {
	return c.watermark.Swap(int64(len(c.queue)))
}
