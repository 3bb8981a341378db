package render

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrCanceled marks a render that ended because its context was done.
	// It is an expected outcome, not a fault.
	ErrCanceled = errors.New("render canceled")
	// ErrRenderFailed marks an unexpected fault during synthesis.
	ErrRenderFailed = errors.New("render failed")
	// ErrUnknownSinger is returned when no backend serves a singer type.
	ErrUnknownSinger = errors.New("unknown singer type")
)

// Status is the lifecycle state of a Task.
type Status int32

const (
	StatusPending Status = iota
	StatusCompleted
	StatusCanceled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	case StatusCanceled:
		return "canceled"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Task is a handle to an in-flight render. It settles exactly once.
type Task struct {
	done   chan struct{}
	status atomic.Int32
	result Result
	err    error
}

func newTask() *Task {
	return &Task{done: make(chan struct{})}
}

// Done is closed once the task has settled.
func (t *Task) Done() <-chan struct{} { return t.done }

// Status reports the current state without blocking.
func (t *Task) Status() Status { return Status(t.status.Load()) }

// Wait blocks until the task settles or ctx ends. A ctx ending here only
// stops the wait; the task keeps running.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (t *Task) complete(res Result) {
	t.result = res
	t.settle(StatusCompleted)
}

func (t *Task) cancel(cause error) {
	if cause == nil {
		cause = context.Canceled
	}
	t.err = fmt.Errorf("%w: %w", ErrCanceled, cause)
	t.settle(StatusCanceled)
}

func (t *Task) fail(cause error) {
	t.err = fmt.Errorf("%w: %w", ErrRenderFailed, cause)
	t.settle(StatusFailed)
}

func (t *Task) settle(s Status) {
	t.status.Store(int32(s))
	close(t.done)
}

// Failed returns an already settled failed task, for backends that reject
// a phrase before scheduling any work.
func Failed(err error) *Task {
	t := newTask()
	t.fail(err)
	return t
}
