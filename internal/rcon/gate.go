package rcon

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrDisconnected is returned for any operation attempted against a closed
// rcon connection. Use errors.Is to test for it; the concrete error also
// unwraps to the underlying cause of the disconnect.
var ErrDisconnected = errors.New("rcon: not connected")

type disconnectedError struct {
	cause error
}

func (e *disconnectedError) Error() string {
	if e.cause == nil {
		return ErrDisconnected.Error()
	}
	return fmt.Sprintf("%s: %s", ErrDisconnected.Error(), e.cause)
}

func (e *disconnectedError) Is(target error) bool { return target == ErrDisconnected }
func (e *disconnectedError) Unwrap() error        { return e.cause }

// writeGate guards the single shared write path to the server. Every
// conversation's outgoing packets funnel through Invoke, so pausing the gate
// applies backpressure connection-wide rather than per conversation.
//
// The gate is in one of three states: open, paused, or shut down. Shutdown is
// terminal; it releases all current and future waiters so they observe the
// disconnect instead of hanging.
type writeGate struct {
	send func([]byte) error

	mu     sync.Mutex
	paused bool
	cause  *disconnectedError
	wait   chan struct{}
}

func newWriteGate(send func([]byte) error) *writeGate {
	return &writeGate{send: send}
}

// Pause defers subsequent Invoke calls until Resume. No-op once shut down.
func (g *writeGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cause != nil || g.paused {
		return
	}
	g.paused = true
	g.wait = make(chan struct{})
}

// Resume releases callers blocked by Pause. No-op once shut down.
func (g *writeGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cause != nil || !g.paused {
		return
	}
	g.paused = false
	close(g.wait)
}

// Shutdown moves the gate to its terminal state. All pending and future
// Invoke calls fail with an error wrapping cause.
func (g *writeGate) Shutdown(cause error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cause != nil {
		return
	}
	g.cause = &disconnectedError{cause: cause}
	if g.paused {
		g.paused = false
		close(g.wait)
	}
}

// Invoke performs the underlying send once the gate is not paused. It returns
// a disconnected error if the gate has been shut down, or the context error
// if ctx expires while paused.
func (g *writeGate) Invoke(ctx context.Context, data []byte) error {
	for {
		g.mu.Lock()
		if g.cause != nil {
			err := g.cause
			g.mu.Unlock()
			return err
		}
		if !g.paused {
			send := g.send
			g.mu.Unlock()
			return send(data)
		}
		wait := g.wait
		g.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
