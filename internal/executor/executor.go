// Package executor runs units of work asynchronously and tracks them by handle.
//
// Submission never waits for completion. Cancellation is advisory: a unit that
// has not started yet never starts, a running unit only sees its context
// cancelled and may still complete successfully.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a submitted unit.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusStarted Status = "STARTED"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Handle identifies a submitted unit within one executor.
type Handle string

var (
	ErrUnknownHandle = errors.New("unknown handle")
	ErrTimeout       = errors.New("timed out waiting for result")
	ErrStopped       = errors.New("executor stopped")
)

// PanicError is the failure recorded when a unit panics.
type PanicError struct {
	Unit  string
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("unit %s panicked: %v", e.Unit, e.Value)
}

// Unit is one piece of work. Run must honour ctx for cancellation to have any effect.
type Unit interface {
	Name() string
	Run(ctx context.Context) (any, error)
}

// Info describes a unit's current state.
type Info struct {
	Handle     Handle     `json:"handle"`
	Unit       string     `json:"unit"`
	Status     Status     `json:"status"`
	Error      string     `json:"error,omitempty"`
	Submitted  time.Time  `json:"submitted_at"`
	Started    *time.Time `json:"started_at,omitempty"`
	Finished   *time.Time `json:"finished_at,omitempty"`
	CancelSent bool       `json:"cancel_requested"`
}

// Executor is the contract every component that submits work depends on.
type Executor interface {
	Submit(ctx context.Context, u Unit) (Handle, error)
	Status(h Handle) (Status, error)
	Info(h Handle) (Info, error)
	Result(ctx context.Context, h Handle, timeout time.Duration) (any, error)
	Cancel(h Handle) error
}

type funcUnit struct {
	name string
	fn   func(ctx context.Context) (any, error)
}

func (f funcUnit) Name() string { return f.name }
func (f funcUnit) Run(ctx context.Context) (any, error) { return f.fn(ctx) }

// Func wraps a plain function as a Unit.
func Func(name string, fn func(ctx context.Context) (any, error)) Unit {
	return funcUnit{name: name, fn: fn}
}
