package revert

import "sync"

// LogRing is a bounded FIFO of log lines. Each appended line gets a
// monotonically increasing absolute index; when the ring is full the
// oldest line is dropped. Readers can resume from an absolute index,
// which is what backs incremental log streaming.
type LogRing struct {
	mu       sync.Mutex
	lines    []string
	capacity int
	start    uint64
}

func NewLogRing(capacity int) *LogRing {
	if capacity <= 0 {
		capacity = 1000
	}
	return &LogRing{capacity: capacity}
}

func (r *LogRing) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.lines) == r.capacity {
		r.lines = r.lines[1:]
		r.start++
	}
	r.lines = append(r.lines, line)
}

// Lines returns a copy of the retained window, oldest first.
func (r *LogRing) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// ReadFrom returns the lines at absolute index since and later, plus the
// index to pass on the next call. Indices that were already evicted
// resume from the oldest retained line.
func (r *LogRing) ReadFrom(since uint64) ([]string, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.start + uint64(len(r.lines))
	if since < r.start {
		since = r.start
	}
	if since >= next {
		return nil, next
	}
	window := r.lines[since-r.start:]
	out := make([]string, len(window))
	copy(out, window)
	return out, next
}
