package bus

import "sync"

// Queue hands payloads to one deliver func, one at a time, in push order.
// push never blocks, so publishers holding locks cannot stall on a slow
// subscriber.
type Queue struct {
	mu     sync.Mutex
	items  [][]byte
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewQueue(deliver func([]byte)) *Queue {
	q := &Queue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run(deliver)
	return q
}

func (q *Queue) Push(p []byte) {
	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) run(deliver func([]byte)) {
	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				q.mu.Unlock()
				break
			}
			p := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()

			select {
			case <-q.done:
				return
			default:
			}
			deliver(p)
		}
	}
}

// Close stops delivery. It does not wait for an in-flight deliver call, so it
// is safe to call from inside one.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
}
