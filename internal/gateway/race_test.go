package gateway

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRaceFirstSettledWins(t *testing.T) {
	var losersCancelled int32

	got, err := race(context.Background(), 0,
		func(ctx context.Context) (interface{}, error) {
			return "fast", nil
		},
		func(ctx context.Context) (interface{}, error) {
			<-ctx.Done()
			atomic.AddInt32(&losersCancelled, 1)
			return nil, ctx.Err()
		},
		func(ctx context.Context) (interface{}, error) {
			<-ctx.Done()
			atomic.AddInt32(&losersCancelled, 1)
			return nil, ctx.Err()
		},
	)
	if err != nil {
		t.Fatalf("race() returned an error: %v", err)
	}
	if got != "fast" {
		t.Errorf("race() winner = %v, want %q", got, "fast")
	}

	// race must not return before the losers observed cancellation.
	if n := atomic.LoadInt32(&losersCancelled); n != 2 {
		t.Errorf("%d losers were cancelled and awaited, want 2", n)
	}
}

func TestRacePropagatesWinnerError(t *testing.T) {
	wantErr := errors.New("boom")

	_, err := race(context.Background(), 0,
		func(ctx context.Context) (interface{}, error) {
			return nil, wantErr
		},
		func(ctx context.Context) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	)
	if !errors.Is(err, wantErr) {
		t.Errorf("race() = %v, want %v", err, wantErr)
	}
}

func TestRaceTimeout(t *testing.T) {
	start := time.Now()
	_, err := race(context.Background(), 20*time.Millisecond,
		func(ctx context.Context) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	)
	if !errors.Is(err, ErrRaceTimeout) {
		t.Fatalf("race() = %v, want ErrRaceTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("race() took %v to time out", elapsed)
	}
}
