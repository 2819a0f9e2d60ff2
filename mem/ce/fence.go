package ce

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/retry.v1"
)

var (
	// ErrTimeout is returned when a fence does not signal in time.
	ErrTimeout = errors.New("fence wait timed out")

	// ErrRestart is returned when a fence wait is interrupted before the
	// fence signals. The wait can be restarted.
	ErrRestart = errors.New("fence wait interrupted")
)

// A Fence signals the completion of work submitted to a copy engine.
type Fence interface {
	// Wait blocks until the fence signals, the timeout expires or the
	// context is canceled. It returns the error of the fenced work.
	Wait(ctx context.Context, timeout time.Duration) error

	// Done returns true if the fence has signaled.
	Done() bool
}

type fence struct {
	done       chan struct{}
	once       sync.Once
	err        error
	interrupts *int32
}

func newFence(interrupts *int32) *fence {
	return &fence{
		done:       make(chan struct{}),
		interrupts: interrupts,
	}
}

func (f *fence) signal(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *fence) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *fence) Wait(ctx context.Context, timeout time.Duration) error {
	if f.interrupts != nil && takeInterrupt(f.interrupts) {
		return ErrRestart
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.err
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func takeInterrupt(n *int32) bool {
	for {
		left := atomic.LoadInt32(n)
		if left <= 0 {
			return false
		}

		if atomic.CompareAndSwapInt32(n, left, left-1) {
			return true
		}
	}
}

// multiFence signals when all of its fences have signaled.
type multiFence []Fence

func (m multiFence) Done() bool {
	for _, f := range m {
		if !f.Done() {
			return false
		}
	}

	return true
}

func (m multiFence) Wait(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for _, f := range m {
		left := time.Until(deadline)
		if left < 0 {
			left = 0
		}

		if err := f.Wait(ctx, left); err != nil {
			return err
		}
	}

	return nil
}

var waitStrategy = retry.Exponential{
	Initial:  time.Millisecond,
	Factor:   2,
	MaxDelay: 100 * time.Millisecond,
}

// WaitFence waits for a fence, restarting interrupted waits until
// pollTimeout has passed. It returns the last error of the fence wait.
func WaitFence(ctx context.Context, f Fence, pollTimeout time.Duration) error {
	var err error

	strategy := retry.LimitTime(pollTimeout, waitStrategy)
	for attempt := retry.Start(strategy, nil); attempt.Next(); {
		err = f.Wait(ctx, pollTimeout)
		if !errors.Is(err, ErrRestart) {
			return err
		}
	}

	return err
}
