package dispatch

import (
	"context"
	"sync"
	"time"

	"storyloom.ai/internal/session"
)

// Result tracks one submitted action from acceptance to confirmation.
type Result struct {
	CorrelationID string
	// EntryID is the optimistic player entry, empty when not optimistic.
	EntryID  string
	Accepted bool
	Err      error

	timeout time.Duration
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	status  session.PendingStatus
	err     error
	failErr error
}

func newResult(correlationID string, timeout time.Duration) *Result {
	return &Result{
		CorrelationID: correlationID,
		timeout:       timeout,
		done:          make(chan struct{}),
		status:        session.PendingInFlight,
	}
}

// Wait blocks until the stream confirms or fails the action. Past the
// timeout it returns ErrStillProcessing; the action is not rolled back.
func (r *Result) Wait(ctx context.Context) (session.PendingStatus, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.status, r.err
	default:
	}
	if !r.Accepted && r.Err != nil {
		return session.PendingFailed, r.Err
	}
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.status, r.err
	case <-timer.C:
		return session.PendingInFlight, ErrStillProcessing
	case <-ctx.Done():
		return session.PendingInFlight, ctx.Err()
	}
}

// Done is closed once the action is resolved.
func (r *Result) Done() <-chan struct{} { return r.done }

func (r *Result) finish(status session.PendingStatus, err error) {
	r.once.Do(func() {
		r.mu.Lock()
		r.status = status
		r.err = err
		r.mu.Unlock()
		close(r.done)
	})
}

func (r *Result) peek() (session.PendingStatus, bool) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.status, true
	default:
		return session.PendingInFlight, false
	}
}

func (r *Result) setFailure(err error) {
	r.mu.Lock()
	r.failErr = err
	r.mu.Unlock()
}

func (r *Result) failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failErr
}
