package relay

import (
	"context"
	"sync"
)

// --------------------------------------------------------------------------
// In-memory relay
// --------------------------------------------------------------------------

// memoryRelay delivers envelopes synchronously within one process. Used by
// tests and the bench command. Like the Kafka relay with distinct consumer
// group ids, every subscribed handler receives every envelope, the
// publisher's own handler included, so consumer-side node-id filtering is
// exercised.
type memoryRelay struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[uint64]Handler
	closed   bool
}

// NewMemoryRelay creates an in-process relay.
func NewMemoryRelay() IRelay {
	return &memoryRelay{handlers: make(map[uint64]Handler)}
}

func (r *memoryRelay) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRelayClosed
	}
	hs := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		hs = append(hs, h)
	}
	r.mu.Unlock()

	for _, h := range hs {
		h(env)
	}
	return nil
}

func (r *memoryRelay) Subscribe(h Handler) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRelayClosed
	}
	id := r.nextID
	r.nextID++
	r.handlers[id] = h

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if !r.closed {
			delete(r.handlers, id)
		}
	}, nil
}

func (r *memoryRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.handlers = nil
	return nil
}
