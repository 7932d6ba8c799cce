package gateway

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRaceTimeout is the distinguishable outcome of a race whose overall
// timeout fired before any operation settled.
var ErrRaceTimeout = errors.New("gateway: race timed out")

// raceOp is one competitor: it should return promptly once ctx is cancelled.
type raceOp func(ctx context.Context) (interface{}, error)

type raceOutcome struct {
	value interface{}
	err   error
}

// race starts every op, waits for the first to settle, then cancels and
// awaits the rest before returning the winner's outcome. Exactly one winner
// is chosen; simultaneous completions are broken by the scheduler. A timeout
// of zero means no overall deadline. No op is ever left running unobserved.
func race(ctx context.Context, timeout time.Duration, ops ...raceOp) (interface{}, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make(chan raceOutcome, len(ops))
	var wg sync.WaitGroup
	for _, op := range ops {
		wg.Add(1)
		go func(op raceOp) {
			defer wg.Done()
			value, err := op(raceCtx)
			outcomes <- raceOutcome{value: value, err: err}
		}(op)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	var winner raceOutcome
	select {
	case winner = <-outcomes:
	case <-timer:
		winner = raceOutcome{err: ErrRaceTimeout}
	}

	// The losers must have finished cleaning up before we return.
	cancel()
	wg.Wait()

	return winner.value, winner.err
}
