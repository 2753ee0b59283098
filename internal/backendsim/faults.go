package backendsim

import (
	"sync"

	"go.uber.org/atomic"
)

type fault struct {
	status    int
	message   string
	remaining *atomic.Int32
}

type faultQueue struct {
	mu     sync.Mutex
	byPath map[string][]*fault
}

func newFaultQueue() *faultQueue {
	return &faultQueue{byPath: make(map[string][]*fault)}
}

func (q *faultQueue) push(path string, status int, message string, times int) {
	if times <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.byPath[path] = append(q.byPath[path], &fault{
		status:    status,
		message:   message,
		remaining: atomic.NewInt32(int32(times)),
	})
}

// take consumes one use of the oldest fault queued for path.
func (q *faultQueue) take(path string) (*fault, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue := q.byPath[path]
	for len(queue) > 0 {
		f := queue[0]
		if f.remaining.Dec() >= 0 {
			if f.remaining.Load() == 0 {
				queue = queue[1:]
			}
			q.byPath[path] = queue
			return f, true
		}
		queue = queue[1:]
	}
	delete(q.byPath, path)
	return nil, false
}
