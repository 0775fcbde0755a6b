package cache

import (
	"context"
	"nightguard/guard/defs"
)

// Handler receives the outcome of a backend request. A nil result means no
// request was necessary.
type Handler[T any] func(result *defs.RequestResult[T])

type task[T any] struct {
	done     chan struct{}
	cancel   context.CancelFunc
	handlers []Handler[T]
}

func newTask[T any](cancel context.CancelFunc, handler Handler[T]) *task[T] {
	t := &task[T]{done: make(chan struct{}), cancel: cancel}
	t.attach(handler)
	return t
}

func (t *task[T]) attach(handler Handler[T]) {
	if handler != nil {
		t.handlers = append(t.handlers, handler)
	}
}

func (t *task[T]) running() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// finish marks the task as done and hands back its handlers. Must be called
// with the cache lock held.
func (t *task[T]) finish() []Handler[T] {
	close(t.done)
	t.cancel()
	hs := t.handlers
	t.handlers = nil
	return hs
}

// taskList tracks the requests issued for one endpoint.
type taskList[T any] struct {
	tasks []*task[T]
}

// prune drops every task that is no longer running.
func (tl *taskList[T]) prune() {
	running := tl.tasks[:0]
	for _, t := range tl.tasks {
		if t.running() {
			running = append(running, t)
		}
	}
	for i := len(running); i < len(tl.tasks); i++ {
		tl.tasks[i] = nil
	}
	tl.tasks = running
}

func (tl *taskList[T]) current() *task[T] {
	for _, t := range tl.tasks {
		if t.running() {
			return t
		}
	}
	return nil
}

func (tl *taskList[T]) hasPending() bool {
	return tl.current() != nil
}

// cancelAll cancels every task and forgets them, so that the next request
// starts afresh instead of joining a cancelled one.
func (tl *taskList[T]) cancelAll() {
	for _, t := range tl.tasks {
		t.cancel()
	}
	tl.tasks = nil
}

func deliver[T any](handlers []Handler[T], result *defs.RequestResult[T]) {
	for _, h := range handlers {
		h(result)
	}
}
