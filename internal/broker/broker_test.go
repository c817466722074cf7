package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/throw-if-null/quill/internal/api"
)

func TestEnqueueDequeueOrder(t *testing.T) {
	b := NewMemory(4)
	sigs := []api.Signal{
		{TaskID: "t1", Phase: "research"},
		{TaskID: "t2", Phase: "writing"},
	}
	for _, s := range sigs {
		if err := b.Enqueue(s); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, want := range sigs {
		got, err := b.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	}
}

func TestEnqueueFullQueue(t *testing.T) {
	b := NewMemory(1)
	if err := b.Enqueue(api.Signal{TaskID: "t1", Phase: "research"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := b.Enqueue(api.Signal{TaskID: "t2", Phase: "research"}); !errors.Is(err, ErrFull) {
		t.Fatalf("got %v, want ErrFull", err)
	}
}

func TestDequeueHonorsContext(t *testing.T) {
	b := NewMemory(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
}
