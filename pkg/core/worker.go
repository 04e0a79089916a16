package core

import (
	"context"
	"time"
)

// Worker calls f in own goroutine, first time after d. The duration returned
// by f is the delay before the next call, zero or less finishes the worker.
type Worker struct {
	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewWorker(d time.Duration, f func() time.Duration) *Worker {
	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		trigger: make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go w.run(ctx, d, f)

	return w
}

func (w *Worker) run(ctx context.Context, d time.Duration, f func() time.Duration) {
	defer close(w.done)

	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
		case <-w.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-ctx.Done():
			return
		}

		if d = f(); d <= 0 {
			return
		}
		timer.Reset(d)
	}
}

// Do - call f now, the schedule continues from this call
func (w *Worker) Do() {
	if w == nil {
		return
	}
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Stop waits for the running call of f
func (w *Worker) Stop() {
	if w == nil {
		return
	}
	w.cancel()
	<-w.done
}
