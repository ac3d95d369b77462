package batch

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

const progressBuffer = 64

// JobHandle connects a submitter with the worker running its job. Progress
// events are dropped when the buffer is full; the final outcome is not.
type JobHandle struct {
	ID uuid.UUID

	progress  chan models.ProgressEvent
	done      chan struct{}
	cancelled atomic.Bool

	once   sync.Once
	mu     sync.Mutex
	closed bool
	result *models.BatchJobResult
	err    error
}

func newJobHandle(id uuid.UUID) *JobHandle {
	return &JobHandle{
		ID:       id,
		progress: make(chan models.ProgressEvent, progressBuffer),
		done:     make(chan struct{}),
	}
}

// Progress delivers one event per finished sub-batch. It is closed when the job ends.
func (h *JobHandle) Progress() <-chan models.ProgressEvent { return h.progress }

// Done is closed when the job reaches a terminal state in this process.
func (h *JobHandle) Done() <-chan struct{} { return h.done }

// Result returns the outcome once Done is closed.
func (h *JobHandle) Result() (*models.BatchJobResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// Cancelled reports whether cancellation was requested.
func (h *JobHandle) Cancelled() bool { return h.cancelled.Load() }

func (h *JobHandle) cancel() { h.cancelled.Store(true) }

func (h *JobHandle) emit(ev models.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.progress <- ev:
	default:
	}
}

func (h *JobHandle) finish(result *models.BatchJobResult, err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.result, h.err = result, err
		h.closed = true
		close(h.progress)
		h.mu.Unlock()
		close(h.done)
	})
}
