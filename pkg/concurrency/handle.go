package concurrency

import (
	"context"
	"log"
	"sync"
	"time"
)

// Handle represents one admitted slot. Release is idempotent: it may be
// called by the owner, by the disconnect monitor, and by the execution
// timer without double-decrementing any counter.
type Handle struct {
	resourceID string
	leaseID    string
	noop       bool

	sem *semaphore
	lim *limiter

	once sync.Once
	stop chan struct{}
	done chan struct{}

	mu  sync.Mutex
	err error

	execTimer   *time.Timer
	execSeconds int
}

func newNoopHandle(resourceID string) *Handle {
	return &Handle{
		resourceID: resourceID,
		noop:       true,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Release frees the slot after a normal completion.
func (h *Handle) Release() { h.release(nil) }

// Done is closed once the handle has been released by any path.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err reports why the slot was taken away. It is nil for an explicit
// Release and stable once Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Noop reports whether the handle carries no slot (limiter disabled).
func (h *Handle) Noop() bool { return h.noop }

func (h *Handle) release(cause error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = cause
		h.mu.Unlock()
		close(h.stop)
		if !h.noop {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := h.sem.release(ctx, h.leaseID); err != nil {
				log.Printf("concurrency: release %s lease %s: %v", h.resourceID, h.leaseID, err)
			}
			cancel()
		}
		if h.execTimer != nil {
			h.execTimer.Stop()
		}
		if h.lim != nil {
			h.lim.running.Add(-1)
			h.lim.signalHead()
		}
		close(h.done)
	})
}

// watch auto-releases on client disconnect and execution timeout. It
// exits when the handle is released by any path.
func (h *Handle) watch(ctx context.Context) {
	var execC <-chan time.Time
	if h.execTimer != nil {
		execC = h.execTimer.C
	}
	select {
	case <-ctx.Done():
		h.release(ErrClientDisconnected)
	case <-execC:
		h.release(&ExecutionTimeoutError{ResourceID: h.resourceID, Timeout: h.execSeconds})
	case <-h.stop:
	}
}
