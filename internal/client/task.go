package client

import "context"

// Task is the future of one asynchronous lifecycle step
type Task struct {
	done chan struct{}
	err  error
}

func runTask(fn func() error) *Task {
	t := &Task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		t.err = fn()
	}()
	return t
}

// Done is closed once the step has finished
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the step finishes or ctx is done
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
