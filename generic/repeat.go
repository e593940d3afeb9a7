package generic

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

type RepeatFunc func(t time.Time) error

// repeats the execution of a function n times at a given interval
// if n is negative, repeat infinitely; cancelling the context stops the
// loop between executions
func Repeat(ctx context.Context, f RepeatFunc, startTime time.Time, interval time.Duration, n int) error {
	untilStart := startTime.Sub(time.Now())

	if untilStart > 0 {
		msg := fmt.Sprintf("Next scheduled at %s", time.Now().Add(untilStart))
		if n >= 0 {
			msg += fmt.Sprintf(" (%d remaining)", n)
		}
		log.Debug().Msgf(msg)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(untilStart):
		}
	}

	// buffered so a cycle finishing after cancellation can still hand off
	// its error without blocking or panicking
	errc := make(chan error, 1)

	t := startTime

	for n != 0 {
		go func(t time.Time) {
			if err := f(t); err != nil {
				// errors of cycles that outlive the loop are dropped
				select {
				case errc <- err:
				default:
				}
			}
		}(t)

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
			// do
		}
		t = t.Add(interval)

		if n > 0 {
			n--
		}
		msg := fmt.Sprintf("Next scheduled at %s", t)
		if n >= 0 {
			msg += fmt.Sprintf(" (%d remaining)", n)
		}
		log.Debug().Msgf(msg)
	}

	return nil
}
