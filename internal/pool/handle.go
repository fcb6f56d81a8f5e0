package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"docpipe/internal/transform"
)

// Handle is the completion handle of one submitted task.
type Handle struct {
	id    string
	kind  transform.Kind
	input transform.Input

	// ctx is handed to the transform; cancelled on timeout, abandon or
	// completion.
	ctx    context.Context
	cancel context.CancelFunc

	abandoned atomic.Bool
	once      sync.Once
	done      chan struct{}
	out       transform.Output
	err       error
}

func newHandle(id string, kind transform.Kind, in transform.Input) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{
		id:     id,
		kind:   kind,
		input:  in,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Kind() transform.Kind { return h.kind }

// Done is closed once the handle is resolved or rejected.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task finishes or ctx is done. When ctx ends first the
// handle is abandoned.
func (h *Handle) Wait(ctx context.Context) (transform.Output, error) {
	select {
	case <-h.done:
		return h.out, h.err
	case <-ctx.Done():
		h.Abandon()
		return transform.Output{}, ctx.Err()
	}
}

// Abandon marks the task as no longer wanted. A queued task is never
// dispatched; a running task keeps running and its result is dropped.
func (h *Handle) Abandon() {
	h.abandoned.Store(true)
	h.reject(ErrAbandoned)
	h.cancel()
}

func (h *Handle) isAbandoned() bool { return h.abandoned.Load() }

func (h *Handle) resolve(out transform.Output, err error) {
	h.once.Do(func() {
		h.out, h.err = out, err
		close(h.done)
	})
}

func (h *Handle) reject(reason error) {
	h.resolve(transform.Output{}, &TaskError{TaskID: h.id, Kind: h.kind, Err: reason})
}
