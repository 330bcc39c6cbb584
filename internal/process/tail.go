package process

import "sync"

// Tail keeps the most recent lines written to it.
type Tail struct {
	mu    sync.Mutex
	buf   []string
	start int
	size  int
}

// NewTail returns a buffer holding at most max lines.
func NewTail(max int) *Tail {
	if max <= 0 {
		max = DefaultTailLines
	}
	return &Tail{buf: make([]string, max)}
}

// Add appends a line, evicting the oldest when full.
func (t *Tail) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.size < len(t.buf) {
		t.buf[(t.start+t.size)%len(t.buf)] = line
		t.size++
		return
	}
	t.buf[t.start] = line
	t.start = (t.start + 1) % len(t.buf)
}

// Lines returns the retained lines, oldest first.
func (t *Tail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, t.size)
	for i := 0; i < t.size; i++ {
		out[i] = t.buf[(t.start+i)%len(t.buf)]
	}
	return out
}
