package buffer

import (
	"errors"
	"sync"
	"testing"
	"time"

	cerrors "github.com/c360/sentinelstreams/errors"
	"github.com/stretchr/testify/require"
)

func TestCircularBasicOperations(t *testing.T) {
	buf, err := NewCircular[string](3)
	require.NoError(t, err, "Failed to create buffer")
	defer buf.Close()

	if buf.Size() != 0 {
		t.Errorf("Expected initial size 0, got %d", buf.Size())
	}
	if buf.Capacity() != 3 {
		t.Errorf("Expected capacity 3, got %d", buf.Capacity())
	}
	if !buf.IsEmpty() {
		t.Error("Expected buffer to be empty initially")
	}

	if err := buf.Write("first"); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	if err := buf.Write("second"); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	if err := buf.Write("third"); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	if !buf.IsFull() {
		t.Error("Expected buffer to be full")
	}

	// Peek does not consume
	value, ok := buf.Peek()
	if !ok || value != "first" {
		t.Errorf("Expected peek to return 'first', got %s (ok=%v)", value, ok)
	}
	if buf.Size() != 3 {
		t.Error("Peek should not change size")
	}

	value, ok = buf.Read()
	if !ok || value != "first" {
		t.Errorf("Expected read to return 'first', got %s (ok=%v)", value, ok)
	}
	if buf.Size() != 2 {
		t.Errorf("Expected size 2 after read, got %d", buf.Size())
	}

	batch := buf.ReadBatch(2)
	if len(batch) != 2 {
		t.Errorf("Expected batch size 2, got %d", len(batch))
	}
	if batch[0] != "second" || batch[1] != "third" {
		t.Errorf("Expected ['second', 'third'], got %v", batch)
	}
	if buf.Size() != 0 {
		t.Errorf("Expected size 0 after batch read, got %d", buf.Size())
	}
}

func TestCircularInvalidCapacity(t *testing.T) {
	_, err := NewCircular[int](0)
	if err == nil {
		t.Error("Expected error for zero capacity")
	}
	_, err = NewCircular[int](-1)
	if err == nil {
		t.Error("Expected error for negative capacity")
	}
}

func TestCircularOverflowPolicies(t *testing.T) {
	testCases := []struct {
		name     string
		policy   OverflowPolicy
		expected []int
	}{
		{
			name:     "DropOldest",
			policy:   DropOldest,
			expected: []int{3, 4, 5}, // 1,2 dropped
		},
		{
			name:     "DropNewest",
			policy:   DropNewest,
			expected: []int{1, 2, 3}, // 4,5 not added
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buf, err := NewCircular[int](3, WithOverflowPolicy[int](tc.policy))
			require.NoError(t, err, "Failed to create buffer")
			defer buf.Close()

			for i := 1; i <= 5; i++ {
				_ = buf.Write(i)
			}

			var result []int
			for !buf.IsEmpty() {
				value, ok := buf.Read()
				if ok {
					result = append(result, value)
				}
			}

			require.Equal(t, tc.expected, result)
		})
	}
}

func TestCircularStatistics(t *testing.T) {
	buf, err := NewCircular[int](5)
	require.NoError(t, err, "Failed to create buffer")
	defer buf.Close()

	stats := buf.Stats()
	if stats == nil {
		t.Fatal("Expected stats to be enabled")
	}

	_ = buf.Write(1)
	_ = buf.Write(2)

	if stats.Writes() != 2 {
		t.Errorf("Expected 2 writes, got %d", stats.Writes())
	}

	buf.Read()

	if stats.Reads() != 1 {
		t.Errorf("Expected 1 read, got %d", stats.Reads())
	}

	overflowBuf, err := NewCircular[int](2, WithOverflowPolicy[int](DropOldest))
	require.NoError(t, err, "Failed to create overflow buffer")
	defer overflowBuf.Close()

	_ = overflowBuf.Write(1)
	_ = overflowBuf.Write(2)
	_ = overflowBuf.Write(3) // overflow

	overflowStats := overflowBuf.Stats()
	if overflowStats.Overflows() != 1 {
		t.Errorf("Expected 1 overflow, got %d", overflowStats.Overflows())
	}
	if overflowStats.Drops() != 1 {
		t.Errorf("Expected 1 drop, got %d", overflowStats.Drops())
	}
}

func TestCircularDropCallback(t *testing.T) {
	var droppedItems []int
	var mu sync.Mutex

	buf, err := NewCircular[int](2,
		WithOverflowPolicy[int](DropOldest),
		WithDropCallback(func(item int) {
			mu.Lock()
			droppedItems = append(droppedItems, item)
			mu.Unlock()
		}),
	)
	require.NoError(t, err, "Failed to create buffer")
	defer buf.Close()

	_ = buf.Write(1)
	_ = buf.Write(2)
	_ = buf.Write(3) // drops 1
	_ = buf.Write(4) // drops 2

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2}, droppedItems)
}

func TestCircularThreadSafety(t *testing.T) {
	buf, err := NewCircular[int](1000)
	require.NoError(t, err, "Failed to create buffer")
	defer buf.Close()

	var wg sync.WaitGroup
	numWorkers := 10
	itemsPerWorker := 100

	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < itemsPerWorker; i++ {
				_ = buf.Write(worker*itemsPerWorker + i)
			}
		}(w)
	}

	wg.Add(numWorkers)
	readCount := 0
	var readMutex sync.Mutex
	for w := 0; w < numWorkers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < itemsPerWorker; i++ {
				if _, ok := buf.Read(); ok {
					readMutex.Lock()
					readCount++
					readMutex.Unlock()
				}
			}
		}()
	}

	wg.Wait()

	finalSize := buf.Size()
	totalWritten := numWorkers * itemsPerWorker

	readMutex.Lock()
	totalRead := readCount
	readMutex.Unlock()

	if totalRead+finalSize != totalWritten {
		t.Errorf("Data integrity issue: written=%d, read=%d, remaining=%d",
			totalWritten, totalRead, finalSize)
	}
}

func TestCircularClear(t *testing.T) {
	buf, err := NewCircular[string](5)
	require.NoError(t, err, "Failed to create buffer")
	defer buf.Close()

	_ = buf.Write("a")
	_ = buf.Write("b")
	_ = buf.Write("c")

	buf.Clear()

	if buf.Size() != 0 {
		t.Errorf("Expected size 0 after clear, got %d", buf.Size())
	}
	if !buf.IsEmpty() {
		t.Error("Expected buffer to be empty after clear")
	}
}

func TestCircularEdgeCases(t *testing.T) {
	buf, err := NewCircular[int](1)
	require.NoError(t, err, "Failed to create buffer")
	defer buf.Close()

	_ = buf.Write(1)
	if !buf.IsFull() {
		t.Error("Buffer with capacity 1 should be full after one write")
	}

	value, ok := buf.Read()
	if !ok || value != 1 {
		t.Errorf("Expected to read 1, got %d (ok=%v)", value, ok)
	}

	if _, ok = buf.Read(); ok {
		t.Error("Reading from empty buffer should return false")
	}
	if _, ok = buf.Peek(); ok {
		t.Error("Peeking empty buffer should return false")
	}
	if batch := buf.ReadBatch(5); len(batch) != 0 {
		t.Errorf("ReadBatch on empty buffer should return empty slice, got %v", batch)
	}
}

func TestCircularBlockPolicyUnblocksOnRead(t *testing.T) {
	buf, err := NewCircular[int](2, WithOverflowPolicy[int](Block))
	require.NoError(t, err, "Failed to create buffer")
	defer buf.Close()

	_ = buf.Write(1)
	_ = buf.Write(2)

	var wg sync.WaitGroup
	var writeErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		writeErr = buf.Write(3)
	}()

	// Give the writer time to block before making space.
	time.Sleep(50 * time.Millisecond)

	value, ok := buf.Read()
	if !ok || value != 1 {
		t.Errorf("Expected to read 1, got %d (ok=%v)", value, ok)
	}

	wg.Wait()

	if writeErr != nil {
		t.Errorf("Write should have succeeded after read, got error: %v", writeErr)
	}
	if buf.Size() != 2 {
		t.Errorf("Expected size 2 after unblocking write, got %d", buf.Size())
	}
}

func TestCircularClosedWriteError(t *testing.T) {
	buf, err := NewCircular[int](2)
	require.NoError(t, err, "Failed to create buffer")

	_ = buf.Close()

	err = buf.Write(1)
	if err == nil {
		t.Fatal("Expected error when writing to closed buffer")
	}

	var classifiedErr *cerrors.ClassifiedError
	if !errors.As(err, &classifiedErr) {
		t.Error("Expected error to be classified")
	} else if classifiedErr.Class != cerrors.ErrorInvalid {
		t.Errorf("Expected ErrorInvalid class, got %v", classifiedErr.Class)
	}

	if !errors.Is(err, cerrors.ErrAlreadyStopped) {
		t.Error("Expected error to wrap ErrAlreadyStopped")
	}
}

func TestCircularCloseIdempotent(t *testing.T) {
	buf, err := NewCircular[int](2)
	require.NoError(t, err, "Failed to create buffer")

	require.NoError(t, buf.Close())
	require.NoError(t, buf.Close())
}
