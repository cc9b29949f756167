// Package poll runs a condition at a fixed interval for a bounded number of
// attempts. The clock is injectable so tests can exhaust the bound without
// waiting in real time.
package poll

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/rs/zerolog"
)

// Condition reports whether the awaited state has been reached.
type Condition func(ctx context.Context) (bool, error)

// Poller checks a condition every Interval, at most Attempts times.
type Poller struct {
	Clock    clock.Clock
	Interval time.Duration
	Attempts int
	Logger   zerolog.Logger
}

// New returns a Poller on the wall clock.
func New(interval time.Duration, attempts int, logger zerolog.Logger) Poller {
	return Poller{
		Clock:    clock.WallClock,
		Interval: interval,
		Attempts: attempts,
		Logger:   logger,
	}
}

var errNotReady = errors.New("condition not met")

// Until blocks until cond returns true. An error from cond aborts immediately.
// Exhausting the attempts returns an error satisfying errors.Is(err, errors.Timeout).
func (p Poller) Until(ctx context.Context, what string, cond Condition) error {
	clk := p.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	err := retry.Call(retry.CallArgs{
		Clock:    clk,
		Delay:    p.Interval,
		Attempts: p.Attempts,
		Stop:     ctx.Done(),
		IsFatalError: func(err error) bool {
			return err != errNotReady
		},
		NotifyFunc: func(err error, attempt int) {
			p.Logger.Debug().Int("attempt", attempt).Int("max", p.Attempts).Msgf("waiting for %s", what)
		},
		Func: func() error {
			ok, err := cond(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return errNotReady
			}
			return nil
		},
	})

	switch {
	case err == nil:
		return nil
	case retry.IsAttemptsExceeded(err):
		return errors.Timeoutf("%s: gave up after %d attempts at %s intervals", what, p.Attempts, p.Interval)
	case retry.IsRetryStopped(err):
		return fmt.Errorf("%s: %w", what, ctx.Err())
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}
