package generic

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRepeat(t *testing.T) {
	var m sync.Mutex
	count := 0

	f := func(t time.Time) error {
		m.Lock()
		defer m.Unlock()
		count++
		return nil
	}

	if err := Repeat(context.Background(), f, time.Now(), 20*time.Millisecond, 3); err != nil {
		t.Fatalf("error while repeating: %s", err)
	}

	m.Lock()
	defer m.Unlock()
	if count != 3 {
		t.Fatalf("expected 3 executions, but got %d", count)
	}
}

func TestRepeatPropagatesError(t *testing.T) {
	expected := errors.New("execution failed")

	f := func(t time.Time) error {
		return expected
	}

	err := Repeat(context.Background(), f, time.Now(), time.Hour, -1)
	if err != expected {
		t.Fatalf("expected the execution error, but got: %s", err)
	}
}

func TestRepeatCancelDuringFailingCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	f := func(t time.Time) error {
		close(started)
		time.Sleep(200 * time.Millisecond)
		return errors.New("cycle failed late")
	}

	done := make(chan error)
	go func() {
		done <- Repeat(ctx, f, time.Now(), time.Hour, -1)
	}()

	// cancel while the cycle is still running; its late error must not
	// crash the loop
	<-started
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, but got: %s", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected cancellation to stop the loop")
	}

	// give the straggling cycle time to finish and send its error
	time.Sleep(300 * time.Millisecond)
}

func TestRepeatCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	f := func(t time.Time) error {
		return nil
	}

	done := make(chan error)
	go func() {
		done <- Repeat(ctx, f, time.Now(), time.Hour, -1)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, but got: %s", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected cancellation to stop the loop")
	}
}
