package gateway

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// Participant pairs a lifecycle handler with the name used in logs and
// failure aggregation.
type Participant struct {
	Name    string
	Handler Handler
}

// exitedSentinel is the race outcome for "the participant task finished".
type exitedSentinel struct{}

// sessionWrapper adapts one running participant to a half-duplex
// request/reply rendezvous over a pair of single-slot conduits.
//
// The precondition is one outstanding request at a time: the outer side must
// not push a second request before collecting the first reply, or the pair
// deadlocks. roundTrip therefore always races each conduit operation against
// the participant task's own termination, so a participant that exits without
// replying yields "absent" instead of blocking the caller forever.
type sessionWrapper struct {
	name   string
	req    chan Event
	rep    chan Event
	done   chan struct{}
	cancel context.CancelFunc
}

func startParticipant(ctx context.Context, p Participant, ex Exchange, logger *logrus.Logger) *sessionWrapper {
	pctx, cancel := context.WithCancel(ctx)
	w := &sessionWrapper{
		name:   p.Name,
		req:    make(chan Event, 1),
		rep:    make(chan Event, 1),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(w.done)
		if err := p.Handler.Serve(pctx, &ex, w.receive, w.send); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warnf("lifespan participant %s exited: %v", p.Name, err)
		}
	}()
	return w
}

// receive and send are the participant-facing halves of the conduits.
func (w *sessionWrapper) receive(ctx context.Context) (Event, error) {
	select {
	case ev := <-w.req:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (w *sessionWrapper) send(ctx context.Context, ev Event) error {
	select {
	case w.rep <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// roundTrip pushes msg to the participant and waits for its reply. ok is
// false if the participant exited without replying.
func (w *sessionWrapper) roundTrip(ctx context.Context, msg Event) (Event, bool, error) {
	winner, err := race(ctx, 0,
		func(ctx context.Context) (interface{}, error) {
			select {
			case w.req <- msg:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		w.awaitExit,
	)
	if err != nil {
		return Event{}, false, err
	}
	if _, exited := winner.(exitedSentinel); exited {
		return Event{}, false, nil
	}

	winner, err = race(ctx, 0,
		func(ctx context.Context) (interface{}, error) {
			select {
			case ev := <-w.rep:
				return ev, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		w.awaitExit,
	)
	if err != nil {
		return Event{}, false, err
	}
	if _, exited := winner.(exitedSentinel); exited {
		return Event{}, false, nil
	}
	return winner.(Event), true, nil
}

func (w *sessionWrapper) awaitExit(ctx context.Context) (interface{}, error) {
	select {
	case <-w.done:
		return exitedSentinel{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops the participant task, best effort. Cancellation errors from
// the task are swallowed by the wrapper goroutine.
func (w *sessionWrapper) Cancel() {
	w.cancel()
}
