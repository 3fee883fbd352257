package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"video-overlay/internal/pipeline"
)

const (
	minBarWidth = 10
	maxBarWidth = 40
)

// board shows one progress line per input. On a terminal the lines are
// redrawn in place; elsewhere a line is printed per tenth of progress.
type board struct {
	mu       sync.Mutex
	out      io.Writer
	terminal bool
	width    int
	names    []string
	lines    []string
	logged   []int
	drawn    bool
}

func newBoard(out io.Writer, names []string, terminal bool, width int) *board {
	b := &board{
		out:      out,
		terminal: terminal,
		width:    width,
		names:    names,
		lines:    make([]string, len(names)),
		logged:   make([]int, len(names)),
	}
	for i := range b.logged {
		b.logged[i] = -1
		b.lines[i] = b.format(i, pipeline.Progress{})
	}
	return b
}

func (b *board) update(i int, p pipeline.Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.terminal {
		step := p.Percent / 10
		if step <= b.logged[i] {
			return
		}
		b.logged[i] = step
		fmt.Fprintf(b.out, "%s: %d%% %s (%d frames)\n", b.names[i], p.Percent, p.State, p.FramesEncoded)
		return
	}

	b.lines[i] = b.format(i, p)
	b.redraw()
}

// finish records the outcome of input i.
func (b *board) finish(i int, output string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var line string
	if err != nil {
		line = fmt.Sprintf("%s: failed: %v", b.names[i], err)
	} else {
		line = fmt.Sprintf("%s: done -> %s", b.names[i], output)
	}

	if !b.terminal {
		fmt.Fprintln(b.out, line)
		return
	}
	b.lines[i] = truncate(line, b.width)
	b.redraw()
}

func (b *board) redraw() {
	if b.drawn {
		fmt.Fprintf(b.out, "\x1b[%dA", len(b.lines))
	}
	for _, line := range b.lines {
		fmt.Fprintf(b.out, "\r\x1b[2K%s\n", line)
	}
	b.drawn = true
}

func (b *board) format(i int, p pipeline.Progress) string {
	prefix := fmt.Sprintf("%s ", b.names[i])
	suffix := fmt.Sprintf(" %3d%% %s", p.Percent, p.State)

	barWidth := b.width - len(prefix) - len(suffix) - 2
	if barWidth > maxBarWidth {
		barWidth = maxBarWidth
	}
	if barWidth < minBarWidth {
		barWidth = minBarWidth
	}
	return truncate(prefix+"["+bar(p.Percent, barWidth)+"]"+suffix, b.width)
}

func bar(percent, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * width / 100
	return strings.Repeat("#", filled) + strings.Repeat(".", width-filled)
}

func truncate(s string, width int) string {
	if width <= 0 || len(s) <= width {
		return s
	}
	return s[:width]
}
