package xferdisk

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// Timeouts bound the remote state machine. Each wait computes its deadline
// once, when it starts.
type Timeouts struct {
	DiskUnlock    time.Duration
	DiskPoll      time.Duration
	TransferReady time.Duration
	TransferPoll  time.Duration
	Finalize      time.Duration
	FinalizePoll  time.Duration
}

var DefaultTimeouts = Timeouts{
	DiskUnlock:    5 * time.Minute,
	DiskPoll:      5 * time.Second,
	TransferReady: 5 * time.Minute,
	TransferPoll:  5 * time.Second,
	Finalize:      5 * time.Minute,
	FinalizePoll:  1 * time.Second,
}

// withDefaults fills durations that are zero or negative from
// DefaultTimeouts. A zero deadline would never expire and a zero interval
// would spin.
func (t Timeouts) withDefaults() Timeouts {
	pick := func(d, def time.Duration) time.Duration {
		if d <= 0 {
			return def
		}

		return d
	}

	return Timeouts{
		DiskUnlock:    pick(t.DiskUnlock, DefaultTimeouts.DiskUnlock),
		DiskPoll:      pick(t.DiskPoll, DefaultTimeouts.DiskPoll),
		TransferReady: pick(t.TransferReady, DefaultTimeouts.TransferReady),
		TransferPoll:  pick(t.TransferPoll, DefaultTimeouts.TransferPoll),
		Finalize:      pick(t.Finalize, DefaultTimeouts.Finalize),
		FinalizePoll:  pick(t.FinalizePoll, DefaultTimeouts.FinalizePoll),
	}
}

var errNotYet = errors.New("condition not met yet")

// pollBackOff polls at a constant interval until timeout has elapsed since
// the first attempt.
func pollBackOff(interval, timeout time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = interval
	b.Multiplier = 1
	b.RandomizationFactor = 0
	b.MaxElapsedTime = timeout
	b.Reset()

	return b
}

// waitFor calls check until it reports done, returns an error, or the
// deadline passes. check errors are terminal.
func waitFor(ctx context.Context, op string, interval, timeout time.Duration, check func() (bool, error)) error {
	b := backoff.WithContext(pollBackOff(interval, timeout), ctx)

	err := backoff.Retry(func() error {
		done, err := check()
		if err != nil {
			return backoff.Permanent(err)
		}

		if !done {
			return errNotYet
		}

		return nil
	}, b)

	if errors.Is(err, errNotYet) {
		return &TimeoutError{Op: op, Timeout: timeout}
	}

	return err
}
