// Package future implements the explicit completion handles called for in
// the design notes: every operation that may suspend (KV I/O, batch
// flush, index pass) returns a Handle instead of blocking the caller or
// chaining promise-like callbacks.
package future

import (
	"sync"

	"github.com/google/uuid"
)

// Handle is a one-shot completion signal, resolved at most once. Each
// Handle carries a unique ID so a caller juggling several in-flight
// handles (the write batcher's per-class completion, an index's
// whenFullyReadable fan-in) can log or correlate which one resolved
// without comparing pointers across goroutines.
type Handle struct {
	once sync.Once
	done chan struct{}
	err  error
	id   string
}

// New returns an unresolved Handle.
func New() *Handle {
	return &Handle{done: make(chan struct{}), id: uuid.NewString()}
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() string { return h.id }

// Resolved returns a Handle that is already resolved with err.
func Resolved(err error) *Handle {
	h := New()
	h.Resolve(err)
	return h
}

// Resolve completes the handle. Subsequent calls are no-ops.
func (h *Handle) Resolve(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Done returns a channel closed once the handle resolves.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the handle resolves and returns its error.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// TryErr returns the resolution error and true if the handle has already
// resolved, or (nil, false) if it is still pending.
func (h *Handle) TryErr() (error, bool) {
	select {
	case <-h.done:
		return h.err, true
	default:
		return nil, false
	}
}

// All returns a Handle that resolves once every handle in hs has
// resolved, with the first non-nil error among them (if any).
func All(hs ...*Handle) *Handle {
	out := New()
	if len(hs) == 0 {
		out.Resolve(nil)
		return out
	}
	go func() {
		var firstErr error
		for _, h := range hs {
			if h == nil {
				continue
			}
			if err := h.Wait(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		out.Resolve(firstErr)
	}()
	return out
}
