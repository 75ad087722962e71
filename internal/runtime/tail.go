package runtime

import "sync"

// stderrTailLines is how many trailing stderr lines a stream retains for
// error reports.
const stderrTailLines = 50

// lineTail is a fixed-size ring of the most recent lines written to it.
type lineTail struct {
	mu    sync.Mutex
	lines []string
	size  int
	head  int
	count int
}

func newLineTail(size int) *lineTail {
	return &lineTail{lines: make([]string, size), size: size}
}

func (t *lineTail) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := (t.head + t.count) % t.size
	if t.count < t.size {
		t.count++
	} else {
		t.head = (t.head + 1) % t.size
	}
	t.lines[idx] = line
}

// Last returns the retained lines, oldest first.
func (t *lineTail) Last() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, t.count)
	for i := 0; i < t.count; i++ {
		out[i] = t.lines[(t.head+i)%t.size]
	}
	return out
}
