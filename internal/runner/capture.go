package runner

import (
	"bufio"
	"errors"
	"io"
	"sync"
)

// lineQueue is a FIFO of at most max lines; pushing onto a full queue
// evicts the oldest line.
type lineQueue struct {
	max     int
	lines   []string
	dropped int
}

func newLineQueue(max int) *lineQueue {
	if max <= 0 {
		max = 1
	}
	return &lineQueue{max: max, lines: make([]string, 0, max)}
}

func (q *lineQueue) push(line string) {
	if len(q.lines) == q.max {
		copy(q.lines, q.lines[1:])
		q.lines = q.lines[:q.max-1]
		q.dropped++
	}
	q.lines = append(q.lines, line)
}

func (q *lineQueue) reset() {
	q.lines = q.lines[:0]
}

func (q *lineQueue) snapshot() []string {
	out := make([]string, len(q.lines))
	copy(out, q.lines)
	return out
}

// capture collects one output stream. When sentinel is set, lines after the
// last sentinel line are held apart so that the return value cannot be
// evicted by output printed before it.
type capture struct {
	mu       sync.Mutex
	sentinel string
	lineMax  int
	before   *lineQueue
	after    *lineQueue
	seen     bool
	truncs   int
}

func newCapture(max, lineMax int, sentinel string) *capture {
	if lineMax < minLineBytes {
		lineMax = minLineBytes
	}
	return &capture{
		sentinel: sentinel,
		lineMax:  lineMax,
		before:   newLineQueue(max),
		after:    newLineQueue(max),
	}
}

// minLineBytes is the smallest buffer bufio accepts.
const minLineBytes = 16

func (c *capture) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sentinel == "" || line != c.sentinel {
		if c.seen {
			c.after.push(line)
		} else {
			c.before.push(line)
		}
		return
	}
	if c.seen {
		// An earlier sentinel was ordinary output.
		c.before.push(c.sentinel)
		for _, l := range c.after.lines {
			c.before.push(l)
		}
		c.after.reset()
	}
	c.seen = true
}

// drain reads r line by line until EOF. Lines longer than lineMax bytes
// keep their first lineMax bytes; the rest is read and discarded.
func (c *capture) drain(r io.Reader) error {
	br := bufio.NewReaderSize(r, c.lineMax)
	for {
		line, more, err := br.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		text := string(line)
		if more {
			c.mu.Lock()
			c.truncs++
			c.mu.Unlock()
		}
		for more {
			if _, more, err = br.ReadLine(); err != nil {
				c.add(text)
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		}
		c.add(text)
	}
}

// result returns the printed lines, whether the sentinel was seen and the
// lines that followed it.
func (c *capture) result() (printed []string, seen bool, tail []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.before.snapshot(), c.seen, c.after.snapshot()
}

func (c *capture) truncated() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncs
}

func (c *capture) dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.before.dropped + c.after.dropped
}
