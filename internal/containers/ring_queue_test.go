package containers

import "testing"

func TestRingQueueWraparound(t *testing.T) {
	q := NewRingQueue[int](3)

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(i); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}
	if !q.IsFull() {
		t.Fatalf("expected queue to be full")
	}
	if err := q.Enqueue(99); err != ErrQueueFull {
		t.Fatalf("Enqueue on full queue: got %v, want ErrQueueFull", err)
	}

	v, err := q.Dequeue()
	if err != nil || v != 0 {
		t.Fatalf("Dequeue() = %d, %v, want 0, nil", v, err)
	}

	// Wrap the write index around.
	if err := q.Enqueue(3); err != nil {
		t.Fatalf("Enqueue(3): %v", err)
	}

	want := []int{1, 2, 3}
	for _, w := range want {
		got, err := q.Dequeue()
		if err != nil || got != w {
			t.Fatalf("Dequeue() = %d, %v, want %d, nil", got, err, w)
		}
	}
	if !q.IsEmpty() {
		t.Fatalf("expected queue to be empty")
	}
	if _, err := q.Dequeue(); err != ErrQueueEmpty {
		t.Fatalf("Dequeue on empty queue: got %v, want ErrQueueEmpty", err)
	}
}
