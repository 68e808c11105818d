package chat

import "sync"

// lineBuffer is a bounded FIFO of pending lines. When full, appending drops
// the oldest line and counts it as missed.
type lineBuffer struct {
	mu     sync.Mutex
	lines  []string
	head   int
	size   int
	missed uint64
}

func newLineBuffer(capacity int) *lineBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &lineBuffer{
		lines: make([]string, capacity),
	}
}

// Append queues line and reports whether an older line was dropped for it.
func (b *lineBuffer) Append(line string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := false
	if b.size == len(b.lines) {
		b.lines[b.head] = ""
		b.head = (b.head + 1) % len(b.lines)
		b.size--
		b.missed++
		dropped = true
	}
	b.lines[(b.head+b.size)%len(b.lines)] = line
	b.size++
	return dropped
}

// Next pops the oldest line. A non-zero missed count is reported, and reset,
// before any further line is returned.
func (b *lineBuffer) Next() (line string, missed uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.missed > 0 {
		missed = b.missed
		b.missed = 0
		return "", missed, true
	}
	if b.size == 0 {
		return "", 0, false
	}
	line = b.lines[b.head]
	b.lines[b.head] = ""
	b.head = (b.head + 1) % len(b.lines)
	b.size--
	return line, 0, true
}

// Reset discards pending lines and the missed count.
func (b *lineBuffer) Reset() {
	b.mu.Lock()
	clear(b.lines)
	b.head = 0
	b.size = 0
	b.missed = 0
	b.mu.Unlock()
}

// Len returns the number of pending lines.
func (b *lineBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}
