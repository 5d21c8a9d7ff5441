package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryQueue_EnqueueDequeue(t *testing.T) {
	q := NewMemoryQueue(DefaultConfig("test"))
	defer q.Close()

	ctx := context.Background()

	item := "test-item-1"
	if err := q.Enqueue(ctx, item); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	items, err := q.DequeueWithTimeout(ctx, 10, time.Second)
	if err != nil {
		t.Fatalf("DequeueWithTimeout failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("Expected 1 item, got %d", len(items))
	}
	if items[0].(string) != item {
		t.Errorf("Expected %s, got %v", item, items[0])
	}
}

func TestMemoryQueue_MultipleBatch(t *testing.T) {
	q := NewMemoryQueue(&Config{Capacity: 20, QueueName: "test"})
	defer q.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := q.Enqueue(ctx, i); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	items, err := q.DequeueWithTimeout(ctx, 5, time.Second)
	if err != nil {
		t.Fatalf("DequeueWithTimeout failed: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("Expected 5 items, got %d", len(items))
	}
	for i, it := range items {
		if it.(int) != i {
			t.Errorf("item %d = %v, want FIFO order", i, it)
		}
	}

	n, _ := q.Length(ctx)
	if n != 5 {
		t.Errorf("Length() = %d, want 5", n)
	}
}

func TestMemoryQueue_DequeueWithTimeout(t *testing.T) {
	q := NewMemoryQueue(DefaultConfig("test"))
	defer q.Close()

	start := time.Now()
	items, err := q.DequeueWithTimeout(context.Background(), 10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("DequeueWithTimeout failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("Expected no items, got %d", len(items))
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Error("DequeueWithTimeout returned before the timeout")
	}
}

func TestMemoryQueue_FullQueueRejectsWithoutBlocking(t *testing.T) {
	q := NewMemoryQueue(&Config{Capacity: 2, QueueName: "test"})
	defer q.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, i); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- q.Enqueue(ctx, 3) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueFull) {
			t.Errorf("Enqueue on full queue = %v, want ErrQueueFull", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
}

func TestMemoryQueue_Concurrent(t *testing.T) {
	q := NewMemoryQueue(&Config{Capacity: 1000, QueueName: "test"})
	defer q.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	for p := 0; p < 10; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if err := q.Enqueue(ctx, p*100+i); err != nil {
					t.Errorf("Enqueue failed: %v", err)
				}
			}
		}(p)
	}
	wg.Wait()

	total := 0
	for total < 500 {
		items, err := q.DequeueWithTimeout(ctx, 64, 100*time.Millisecond)
		if err != nil {
			t.Fatalf("DequeueWithTimeout failed: %v", err)
		}
		if len(items) == 0 {
			break
		}
		total += len(items)
	}
	if total != 500 {
		t.Errorf("dequeued %d items, want 500", total)
	}
}

func TestMemoryQueue_ClosedQueue(t *testing.T) {
	q := NewMemoryQueue(DefaultConfig("test"))
	ctx := context.Background()

	if err := q.Enqueue(ctx, "left-over"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	q.Close()
	q.Close()

	if err := q.Enqueue(ctx, "late"); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrQueueClosed", err)
	}

	items, err := q.DequeueWithTimeout(ctx, 10, time.Second)
	if err != nil || len(items) != 1 {
		t.Fatalf("buffered items should drain after Close, got %v, %v", items, err)
	}

	if _, err := q.DequeueWithTimeout(ctx, 10, time.Second); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("DequeueWithTimeout on drained closed queue = %v, want ErrQueueClosed", err)
	}
}
