package tradovate

import (
	"context"
	"sync"
)

// task is a background loop owned through a single cancel/done handle.
type task struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// start launches run unless a loop is already active. onExit receives run's error after the
// handle has been released, so it may safely call stop or start again.
func (t *task) start(run func(ctx context.Context) error, onExit func(error)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done

	go func() {
		err := run(ctx)
		cancel()

		t.mu.Lock()
		if t.done == done {
			t.cancel = nil
			t.done = nil
		}
		t.mu.Unlock()
		close(done)

		if onExit != nil {
			onExit(err)
		}
	}()
	return true
}

// stop cancels the loop and waits for it to return.
func (t *task) stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	if done == nil {
		return
	}
	cancel()
	<-done
}

func (t *task) running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done != nil
}
