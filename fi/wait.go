package fi

import (
	"context"
	"errors"
	"runtime"
	"time"
)

// IdleStrategy runs between polls that found nothing. idle counts the
// consecutive empty polls so far.
type IdleStrategy func(idle int)

// IdleSpin returns immediately.
func IdleSpin(int) {}

// IdleYield yields the processor.
func IdleYield(int) { runtime.Gosched() }

// IdleSleep sleeps for d on every empty poll.
func IdleSleep(d time.Duration) IdleStrategy {
	return func(int) { time.Sleep(d) }
}

// IdleBackoff spins for a few polls, then sleeps with exponential backoff
// between lo and hi.
func IdleBackoff(lo, hi time.Duration) IdleStrategy {
	return func(idle int) {
		if idle < 16 {
			runtime.Gosched()
			return
		}
		d := lo << min(idle-16, 16)
		if d <= 0 || d > hi {
			d = hi
		}
		time.Sleep(d)
	}
}

// DefaultIdle is used by helpers that take no explicit strategy.
var DefaultIdle = IdleBackoff(50*time.Microsecond, time.Millisecond)

// Completion is one entry read from a completion queue: either a successful
// event or a failure.
type Completion struct {
	Queue *CompletionQueue
	Event *CompletionEvent
	Err   *CompletionError
}

// Context returns the operation context of the entry.
func (c Completion) Context() any {
	if c.Event != nil {
		return c.Event.Context
	}
	if c.Err != nil {
		return c.Err.Context
	}
	return nil
}

// PollOnce reads one entry from cq. ok is false when the queue is empty.
func PollOnce(cq *CompletionQueue) (Completion, bool, error) {
	evt, err := cq.Read()
	switch {
	case err == nil:
		return Completion{Queue: cq, Event: evt}, true, nil
	case errors.Is(err, ErrErrorAvailable):
		cerr, err := cq.ReadError()
		if err != nil {
			return Completion{}, false, err
		}
		return Completion{Queue: cq, Err: cerr}, true, nil
	case errors.Is(err, ErrNoCompletion):
		return Completion{}, false, nil
	default:
		return Completion{}, false, err
	}
}

// PollUntil polls every queue in turn, handing each entry to fn, until fn
// returns true or ctx ends. Polling all queues from one loop drives both
// sides of a transfer whose peers share a goroutine.
func PollUntil(ctx context.Context, idle IdleStrategy, fn func(Completion) bool, cqs ...*CompletionQueue) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if idle == nil {
		idle = DefaultIdle
	}
	empty := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		found := false
		for _, cq := range cqs {
			c, ok, err := PollOnce(cq)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			found = true
			if fn(c) {
				return nil
			}
		}
		if found {
			empty = 0
			continue
		}
		idle(empty)
		empty++
	}
}

// PollN collects n entries across cqs.
func PollN(ctx context.Context, idle IdleStrategy, n int, cqs ...*CompletionQueue) ([]Completion, error) {
	out := make([]Completion, 0, n)
	if n <= 0 {
		return out, nil
	}
	err := PollUntil(ctx, idle, func(c Completion) bool {
		out = append(out, c)
		return len(out) == n
	}, cqs...)
	return out, err
}

type syncToken struct{ _ byte }

// waitForContext polls cq until the entry carrying target arrives. A zero
// timeout polls once, a negative timeout waits until ctx ends.
func waitForContext(ctx context.Context, cq *CompletionQueue, target any, timeout time.Duration) (*CompletionEvent, error) {
	if cq == nil {
		return nil, ErrInvalidHandle{"completion queue"}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout == 0 {
		c, ok, err := PollOnce(cq)
		if err != nil {
			return nil, err
		}
		if ok && c.Context() == target {
			return completionResult(c)
		}
		return nil, ErrTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var result Completion
	err := PollUntil(ctx, DefaultIdle, func(c Completion) bool {
		if c.Context() != target {
			return false
		}
		result = c
		return true
	}, cq)
	if err != nil {
		if timeout > 0 && errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return completionResult(result)
}

func completionResult(c Completion) (*CompletionEvent, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	return c.Event, nil
}
