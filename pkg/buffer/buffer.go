// Package buffer provides a generic, thread-safe circular buffer with
// configurable overflow policies.
//
// The router's per-source queues and the broadcast gateway's per-client
// outbound buffers are both built on this package: DropOldest gives
// last-value-wins semantics under sustained overload, DropNewest sheds the
// incoming item instead, and Block applies backpressure to the writer.
// Statistics are always collected; Prometheus metrics are optional via
// the WithMetrics functional option.
package buffer

// Buffer is a generic bounded buffer. All implementations are safe for
// concurrent use.
type Buffer[T any] interface {
	// Write adds an item to the buffer. Behavior when full depends on the
	// overflow policy.
	Write(item T) error

	// Read retrieves and removes one item.
	// Returns the zero value and false if the buffer is empty.
	Read() (T, bool)

	// ReadBatch retrieves and removes up to max items.
	ReadBatch(max int) []T

	// Peek returns the oldest item without removing it.
	Peek() (T, bool)

	// Size returns the current number of buffered items.
	Size() int

	// Capacity returns the maximum number of items the buffer can hold.
	Capacity() int

	// IsFull reports whether the buffer is at capacity.
	IsFull() bool

	// IsEmpty reports whether the buffer holds no items.
	IsEmpty() bool

	// Clear removes all items.
	Clear()

	// Stats returns buffer statistics.
	Stats() *Statistics

	// Close shuts down the buffer and wakes any blocked writers.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest

	// Block causes Write operations to block until space is available.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// DropCallback is invoked with each item dropped due to the overflow policy.
type DropCallback[T any] func(item T)

// NewCircular creates a circular buffer with the specified capacity.
// Returns an error for a non-positive capacity or if metrics registration
// fails when metrics are requested.
func NewCircular[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircular(capacity, opts)
}
