// Package adapter defines the lifecycle contract shared by the platform
// adapters and the state machine that drives their reconnects.
package adapter

import (
	"context"
	"errors"

	"github.com/you/multichat/internal/core"
)

// Adapter is one platform connection with an on/off lifecycle.
type Adapter interface {
	Platform() core.Platform
	// Start connects, or returns the current connected flag if the adapter is
	// already running. Only configuration problems are returned as errors;
	// connection failures are reported through status.
	Start(ctx context.Context) (bool, error)
	// Stop cancels pending retries and tears down the connection. Safe to
	// call at any time.
	Stop()
	Status() core.Status
	IsRunning() bool
}

// Callbacks receive events from the adapter goroutine. They must not block and
// must not call Start or Stop on the same adapter.
type Callbacks struct {
	OnMessage func(core.AdapterEvent)
	OnStatus  func(core.Status)
}

var (
	// ErrNotFound means the stream, room or channel is not live or does not
	// exist. It is retried on the cooldown policy.
	ErrNotFound = errors.New("not found")
	// ErrStreamEnded marks a normal end of stream.
	ErrStreamEnded = errors.New("stream ended")
)

type terminalError struct {
	state core.State
	err   error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err so the machine moves straight to state without retrying.
func Terminal(state core.State, err error) error {
	if err == nil {
		err = errors.New(string(state))
	}
	return &terminalError{state: state, err: err}
}
