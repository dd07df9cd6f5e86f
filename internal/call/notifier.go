package call

import "sync"

// notifier runs callbacks one at a time, in the order they were queued, on
// its own goroutine. After finish, nothing else is run and done is closed.
// The goroutine starts with the first callback, so a notifier that is never
// used holds nothing.
type notifier struct {
	start sync.Once

	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	final   func()
	done    chan struct{}
}

func newNotifier() *notifier {
	return &notifier{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (n *notifier) post(fn func()) {
	n.mu.Lock()
	if n.final != nil {
		n.mu.Unlock()
		return
	}
	n.pending = append(n.pending, fn)
	n.mu.Unlock()
	n.kick()
}

// finish queues fn as the last callback.
func (n *notifier) finish(fn func()) {
	n.mu.Lock()
	if n.final != nil {
		n.mu.Unlock()
		return
	}
	n.final = fn
	n.mu.Unlock()
	n.kick()
}

func (n *notifier) kick() {
	n.start.Do(func() { go n.run() })
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	for range n.wake {
		for {
			n.mu.Lock()
			if len(n.pending) == 0 {
				final := n.final
				n.mu.Unlock()
				if final != nil {
					final()
					close(n.done)
					return
				}
				break
			}
			fn := n.pending[0]
			n.pending[0] = nil
			n.pending = n.pending[1:]
			n.mu.Unlock()

			fn()
		}
	}
}
