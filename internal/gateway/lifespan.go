package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrNoParticipants is returned when a lifespan session starts with nothing
// registered to receive lifecycle events. This is a wiring mistake, so it
// fails fast rather than silently completing every event.
var ErrNoParticipants = errors.New("gateway: no lifespan participants registered")

// Lifespan fans each lifecycle event out to every registered participant and
// aggregates their replies into one composite answer.
type Lifespan struct {
	Participants []Participant
	Logger       *logrus.Logger
}

// Serve runs one lifecycle session: it loops receiving events, delivers each
// to all participants concurrently, and answers with <type>.complete, or
// <type>.failed carrying the newline-joined messages of every failing
// participant. The session ends once the shutdown event has been answered.
// Every participant task is cancelled on the way out, on all exit paths.
func (l *Lifespan) Serve(ctx context.Context, ex *Exchange, recv ReceiveFunc, send SendFunc) error {
	if len(l.Participants) == 0 {
		return ErrNoParticipants
	}

	wrappers := make([]*sessionWrapper, len(l.Participants))
	for i, p := range l.Participants {
		wrappers[i] = startParticipant(ctx, p, *ex, l.Logger)
	}
	defer func() {
		for _, w := range wrappers {
			w.Cancel()
		}
	}()

	for {
		msg, err := recv(ctx)
		if err != nil {
			return err
		}

		replies := l.fanOut(ctx, wrappers, msg)

		var failures []string
		for _, reply := range replies {
			if strings.HasSuffix(reply.Type, FailedSuffix) {
				failures = append(failures, reply.Message)
			}
		}

		if len(failures) > 0 {
			err = send(ctx, Event{
				Type:    msg.Type + FailedSuffix,
				Message: strings.Join(failures, "\n"),
			})
		} else {
			err = send(ctx, Event{Type: msg.Type + CompleteSuffix})
		}
		if err != nil {
			return err
		}

		if msg.Type == EventShutdown {
			return nil
		}
	}
}

// fanOut sends msg to every wrapper concurrently and collects the replies,
// discarding absent ones (participants that exited without answering).
func (l *Lifespan) fanOut(ctx context.Context, wrappers []*sessionWrapper, msg Event) []Event {
	type indexed struct {
		reply Event
		ok    bool
	}
	results := make([]indexed, len(wrappers))

	var wg sync.WaitGroup
	for i, w := range wrappers {
		wg.Add(1)
		go func(i int, w *sessionWrapper) {
			defer wg.Done()
			reply, ok, err := w.roundTrip(ctx, msg)
			if err != nil {
				l.Logger.Warnf("lifespan: %s did not answer %s: %v", w.name, msg.Type, err)
				return
			}
			results[i] = indexed{reply: reply, ok: ok}
		}(i, w)
	}
	wg.Wait()

	var replies []Event
	for _, r := range results {
		if r.ok {
			replies = append(replies, r.reply)
		}
	}
	return replies
}
