package pyrus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default retry policy for Pyrus calls.
const (
	DefaultTries = 3
	DefaultDelay = 30 * time.Second
)

// DefaultRetryKinds are the failure kinds worth another attempt: transient
// network trouble, undecodable replies, and semantic API failures. Access
// denial is deliberately absent; a revoked task never comes back.
var DefaultRetryKinds = []Kind{KindTransport, KindProtocol, KindAPI}

// Unlocker releases a task lock after every attempt has failed. The store
// satisfies it.
type Unlocker interface {
	Unlock(ctx context.Context, taskID uint64) error
}

// Retrier reruns an operation up to a fixed number of attempts with a
// constant delay in between, for a configured set of failure kinds. Other
// kinds propagate immediately. When built with an Unlocker, DoTask releases
// the task's row after the attempts are exhausted so the next scan can pick
// it up again.
type Retrier struct {
	tries    int
	delay    time.Duration
	retryOn  map[Kind]bool
	unlocker Unlocker
	log      *slog.Logger
}

// NewRetrier builds a Retrier. tries must be at least 1. A nil unlocker
// disables unlock-on-fail.
func NewRetrier(tries int, delay time.Duration, kinds []Kind, unlocker Unlocker, logger *slog.Logger) (*Retrier, error) {
	if tries < 1 {
		return nil, fmt.Errorf("retrier needs at least 1 try, got %d", tries)
	}
	if logger == nil {
		logger = slog.Default()
	}
	retryOn := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		retryOn[k] = true
	}
	return &Retrier{
		tries:    tries,
		delay:    delay,
		retryOn:  retryOn,
		unlocker: unlocker,
		log:      logger,
	}, nil
}

// Do runs op with the retry policy. No unlock is attempted on failure.
func (r *Retrier) Do(ctx context.Context, name string, op func(context.Context) error) error {
	err, _ := r.run(ctx, name, op)
	return err
}

// DoTask runs op with the retry policy for work tied to a task row. If every
// attempt fails with a retryable kind and an Unlocker is configured, the
// task's lock is released before the last failure is returned, so the row
// rejoins the candidate pool instead of waiting out stale-lock recovery.
func (r *Retrier) DoTask(ctx context.Context, taskID uint64, name string, op func(context.Context) error) error {
	err, exhausted := r.run(ctx, name, op)
	if err == nil || !exhausted || r.unlocker == nil {
		return err
	}
	// The surrounding call may have been canceled; unlock with a fresh
	// context so cleanup still lands.
	if uerr := r.unlocker.Unlock(context.Background(), taskID); uerr != nil {
		r.log.Error("failed to unlock task after retries", "task_id", taskID, "error", uerr)
	} else {
		r.log.Info("task unlocked after all retries failed", "task_id", taskID)
	}
	return err
}

// run reports the terminal error and whether it exhausted the attempts
// (as opposed to failing fast on a non-retryable kind).
func (r *Retrier) run(ctx context.Context, name string, op func(context.Context) error) (error, bool) {
	permanent := false
	attempt := 0

	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(r.delay), uint64(r.tries-1))
	err := backoff.Retry(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if kind := Classify(err); !r.retryOn[kind] {
			permanent = true
			return backoff.Permanent(err)
		}
		r.log.Warn("attempt failed",
			"op", name, "attempt", attempt, "tries", r.tries, "error", err)
		return err
	}, backoff.WithContext(bo, ctx))

	return err, err != nil && !permanent
}
