package fetch

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRaceReturnsFastResult(t *testing.T) {
	value, err := Race(context.Background(), time.Second, func(context.Context) (string, error) {
		return "ok", nil
	}, nil)
	if err != nil || value != "ok" {
		t.Fatalf("unexpected result: %q %v", value, err)
	}
}

func TestRacePropagatesOperationError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Race(context.Background(), time.Second, func(context.Context) (int, error) {
		return 0, boom
	}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestRaceTimesOutAndDiscardsLateValue(t *testing.T) {
	release := make(chan struct{})
	discarded := make(chan string, 1)

	_, err := Race(context.Background(), 20*time.Millisecond, func(context.Context) (string, error) {
		<-release
		return "late", nil
	}, func(v string) { discarded <- v })
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	close(release)
	select {
	case v := <-discarded:
		if v != "late" {
			t.Fatalf("unexpected discarded value: %s", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("late value was not handed to discard")
	}
}

func TestRaceHonoursContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Race(ctx, time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRaceWithoutTimeoutRunsInline(t *testing.T) {
	value, err := Race(context.Background(), 0, func(context.Context) (int, error) {
		return 7, nil
	}, nil)
	if err != nil || value != 7 {
		t.Fatalf("unexpected result: %d %v", value, err)
	}
}
