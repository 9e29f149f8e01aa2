package worker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTransportClosed means Send was called after the worker exited.
	ErrTransportClosed = errors.New("worker: transport closed")
)

// Transport carries protocol messages to and from one worker process.
//
// OnMessage and OnExit must be set before Start. OnExit fires exactly once,
// after the worker process has left, with its exit error (nil for a clean
// exit).
type Transport interface {
	// Start launches the worker.
	Start(ctx context.Context) error
	// Send writes one frame to the worker's stdin.
	Send(msg Message) error
	// OnMessage registers the inbound frame handler.
	OnMessage(fn func(Message))
	// OnExit registers the exit handler.
	OnExit(fn func(exitErr error))
	// Kill stops the worker: graceful signal first, hard kill after grace.
	// A zero grace kills immediately.
	Kill(grace time.Duration) error
}

