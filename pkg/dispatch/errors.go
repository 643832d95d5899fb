package dispatch

import "errors"

var (
	// ErrPoolNotStarted is returned by Submit before Start.
	ErrPoolNotStarted = errors.New("dispatch: pool not started")
	// ErrPoolStopped is returned by Submit once Stop has begun.
	ErrPoolStopped = errors.New("dispatch: pool stopped")
	// ErrPoolAlreadyStarted is returned by a second Start.
	ErrPoolAlreadyStarted = errors.New("dispatch: pool already started")
	// ErrNilTask is returned when Submit is given a nil task.
	ErrNilTask = errors.New("dispatch: nil task")
)
