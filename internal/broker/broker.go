// Package broker carries phase-execution signals from the lifecycle
// coordinator to phase executors. Delivery is at-least-once: consumers
// must tolerate redelivered and stale signals.
package broker

import (
	"context"
	"errors"

	"github.com/throw-if-null/quill/internal/api"
)

var ErrFull = errors.New("broker queue full")

// Broker is the transport seam. The in-memory implementation below
// serves a single-process deployment; a networked broker can be swapped
// in without touching the coordinator or executor.
type Broker interface {
	// Enqueue is fire-and-forget: once it returns nil the signal will be
	// delivered at least once.
	Enqueue(sig api.Signal) error
	// Dequeue blocks until a signal is available or ctx is done.
	Dequeue(ctx context.Context) (api.Signal, error)
}

// Memory is a channel-backed Broker.
type Memory struct {
	ch chan api.Signal
}

func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 64
	}
	return &Memory{ch: make(chan api.Signal, buffer)}
}

func (m *Memory) Enqueue(sig api.Signal) error {
	select {
	case m.ch <- sig:
		return nil
	default:
		return ErrFull
	}
}

func (m *Memory) Dequeue(ctx context.Context) (api.Signal, error) {
	select {
	case sig := <-m.ch:
		return sig, nil
	case <-ctx.Done():
		return api.Signal{}, ctx.Err()
	}
}

// Len reports the number of buffered signals. Used by tests and the
// reconciler to avoid flooding an already-backed-up queue.
func (m *Memory) Len() int {
	return len(m.ch)
}
