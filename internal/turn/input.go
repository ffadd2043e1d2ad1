package turn

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// Line is one line of user input. Err is io.EOF at end of input.
type Line struct {
	Text string
	Err  error
}

// LineReader reads lines only when asked to. A read that was requested but
// not yet received stays outstanding, so no line is ever read and dropped.
type LineReader struct {
	requests chan struct{}
	lines    chan Line
	pending  bool
	eof      bool
}

func NewLineReader(r io.Reader) *LineReader {
	lr := &LineReader{
		requests: make(chan struct{}, 1),
		lines:    make(chan Line, 1),
	}
	go lr.loop(bufio.NewReader(r))
	return lr
}

func (lr *LineReader) loop(br *bufio.Reader) {
	for range lr.requests {
		text, err := br.ReadString('\n')
		if err != nil && text != "" && errors.Is(err, io.EOF) {
			// Deliver the unterminated last line; the next read reports EOF.
			err = nil
		}
		lr.lines <- Line{Text: strings.TrimRight(text, "\r\n"), Err: err}
		if err != nil {
			return
		}
	}
}

// Next returns a channel that delivers the next line, starting a read if
// none is outstanding. Once input has ended it returns nil, which blocks
// forever in a select. Every line received from the channel must be passed
// to Done.
func (lr *LineReader) Next() <-chan Line {
	if lr.eof {
		return nil
	}
	if !lr.pending {
		lr.pending = true
		lr.requests <- struct{}{}
	}
	return lr.lines
}

// Done records that l was received from the channel returned by Next.
func (lr *LineReader) Done(l Line) {
	lr.pending = false
	if l.Err != nil {
		lr.eof = true
	}
}

// Exhausted reports whether input has ended.
func (lr *LineReader) Exhausted() bool {
	return lr.eof
}
