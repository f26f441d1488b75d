package process

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync"
)

// lineBuffer keeps the last max lines of a stream.
type lineBuffer struct {
	mu      sync.Mutex
	lines   []string
	max     int
	dropped int
}

func newLineBuffer(max int) *lineBuffer { return &lineBuffer{max: max} }

func (b *lineBuffer) append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) >= b.max {
		n := len(b.lines) - b.max + 1
		b.lines = append(b.lines[:0], b.lines[n:]...)
		b.dropped += n
	}
	b.lines = append(b.lines, line)
}

func (b *lineBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}

// capture reads src line by line until EOF, recording each line in buf and
// forwarding it to tee and the spec's OnLine callback.
func (r *Process) capture(src io.ReadCloser, s Stream, buf *lineBuffer, tee io.Writer, wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() { _ = src.Close() }()
	br := bufio.NewReader(src)
	for {
		raw, err := br.ReadString('\n')
		if raw != "" {
			if tee != nil {
				_, _ = io.WriteString(tee, raw)
			}
			line := strings.TrimRight(raw, "\r\n")
			buf.append(line)
			if r.spec.OnLine != nil {
				r.spec.OnLine(s, line)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				buf.append("[output read error: " + err.Error() + "]")
			}
			return
		}
	}
}
