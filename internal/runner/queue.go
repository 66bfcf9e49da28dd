package runner

import "sync"

// lineQueue buffers lines produced by the reader goroutine until the runner
// drains them. It never blocks the producer, so the reader always reaches EOF
// once the process group is gone.
type lineQueue struct {
	mx     sync.Mutex
	lines  []string
	closed bool
	ready  chan struct{}
}

func newLineQueue() *lineQueue {
	return &lineQueue{ready: make(chan struct{}, 1)}
}

func (q *lineQueue) push(line string) {
	q.mx.Lock()
	q.lines = append(q.lines, line)
	q.mx.Unlock()
	q.signal()
}

func (q *lineQueue) close() {
	q.mx.Lock()
	q.closed = true
	q.mx.Unlock()
	q.signal()
}

func (q *lineQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// take removes up to limit lines (all of them when limit <= 0). done reports
// that the stream is closed and nothing is left.
func (q *lineQueue) take(limit int) (lines []string, done bool) {
	q.mx.Lock()
	defer q.mx.Unlock()
	n := len(q.lines)
	if limit > 0 && n > limit {
		n = limit
	}
	if n > 0 {
		lines = make([]string, n)
		copy(lines, q.lines[:n])
		rest := copy(q.lines, q.lines[n:])
		clear(q.lines[rest:])
		q.lines = q.lines[:rest]
	}
	return lines, q.closed && len(q.lines) == 0
}
