package process

import (
	"bytes"
	"sync"
)

// maxPartialLine caps an unterminated line; only its end is kept
const maxPartialLine = 64 << 10

// LineTail is an io.Writer that keeps the last max lines written to it
type LineTail struct {
	max     int
	lines   []string
	partial []byte
	mu      sync.Mutex
}

// NewLineTail creates a tail holding at most max lines
func NewLineTail(max int) *LineTail {
	if max <= 0 {
		max = 1
	}
	return &LineTail{max: max}
}

// Write implements io.Writer
func (t *LineTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	data := append(t.partial, p...)
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		t.push(string(data[:idx]))
		data = data[idx+1:]
	}
	if len(data) > maxPartialLine {
		data = data[len(data)-maxPartialLine:]
	}
	t.partial = append([]byte(nil), data...)
	return len(p), nil
}

func (t *LineTail) push(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

// Lines returns a copy of the retained lines, including an unterminated
// last line
func (t *LineTail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.lines)+1)
	out = append(out, t.lines...)
	if len(t.partial) > 0 {
		out = append(out, string(t.partial))
		if len(out) > t.max {
			out = out[len(out)-t.max:]
		}
	}
	return out
}
