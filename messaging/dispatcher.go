package messaging

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// callbackDispatcher runs callbacks one at a time, in submission order, on
// its own goroutine. Submit never blocks.
type callbackDispatcher struct {
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	stopped bool
	done    chan struct{}
}

func newCallbackDispatcher(logger *slog.Logger) *callbackDispatcher {
	d := &callbackDispatcher{
		logger: logger,
		done:   make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// submit queues fn. It reports false once the dispatcher is stopped.
func (d *callbackDispatcher) submit(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return false
	}
	d.tasks = append(d.tasks, fn)
	d.cond.Signal()
	return true
}

// stop lets queued tasks finish and returns a channel closed once they have
func (d *callbackDispatcher) stop() <-chan struct{} {
	d.mu.Lock()
	d.stopped = true
	d.cond.Signal()
	d.mu.Unlock()
	return d.done
}

func (d *callbackDispatcher) run() {
	defer close(d.done)

	for {
		d.mu.Lock()
		for len(d.tasks) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if len(d.tasks) == 0 {
			d.mu.Unlock()
			return
		}
		task := d.tasks[0]
		d.tasks[0] = nil
		d.tasks = d.tasks[1:]
		d.mu.Unlock()

		d.invoke(task)
	}
}

func (d *callbackDispatcher) invoke(task func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("confirm callback panicked",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	task()
}
