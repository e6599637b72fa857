package engine

import "sync"

// CancelHandle is the one-shot cancellation signal the worker loop (or any
// caller) holds for the lifetime of one Execute call (spec §4.4, §5). It is
// safe for concurrent use: Cancel may be called from any goroutine, and
// Done's channel is safe to select on from many tasks at once.
type CancelHandle struct {
	once sync.Once
	done chan struct{}
}

// NewCancelHandle returns a handle in its not-yet-cancelled state.
func NewCancelHandle() *CancelHandle {
	return &CancelHandle{done: make(chan struct{})}
}

// Cancel fires the handle. Safe to call more than once; only the first
// call has effect.
func (h *CancelHandle) Cancel() {
	h.once.Do(func() { close(h.done) })
}

// Done returns a channel that closes when Cancel is called. A task
// selects on this alongside its own work to observe cancellation at every
// suspension point.
func (h *CancelHandle) Done() <-chan struct{} {
	return h.done
}

// Cancelled reports whether Cancel has already fired.
func (h *CancelHandle) Cancelled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
