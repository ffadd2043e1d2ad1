package turn

import (
	"bytes"
	"context"
	"io"
	"sync"

	"helixrun/internal/protocol"
)

type fakeHandle struct {
	events chan protocol.Event

	mu        sync.Mutex
	submitted []protocol.Op
	failOn    func(protocol.Op) error
	onSubmit  func(protocol.Op)
	closeOnce sync.Once
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{events: make(chan protocol.Event, 64)}
}

func (h *fakeHandle) Submit(_ context.Context, op protocol.Op) error {
	h.mu.Lock()
	failOn := h.failOn
	onSubmit := h.onSubmit
	h.mu.Unlock()
	if failOn != nil {
		if err := failOn(op); err != nil {
			return err
		}
	}
	h.mu.Lock()
	h.submitted = append(h.submitted, op)
	h.mu.Unlock()
	if onSubmit != nil {
		onSubmit(op)
	}
	return nil
}

func (h *fakeHandle) NextEvent(ctx context.Context) (protocol.Event, error) {
	select {
	case ev, ok := <-h.events:
		if !ok {
			return protocol.Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return protocol.Event{}, ctx.Err()
	}
}

func (h *fakeHandle) emit(msgs ...protocol.EventMsg) {
	for _, msg := range msgs {
		h.events <- protocol.Event{Msg: msg}
	}
}

func (h *fakeHandle) emitWithID(id string, msg protocol.EventMsg) {
	h.events <- protocol.Event{ID: id, Msg: msg}
}

func (h *fakeHandle) close() {
	h.closeOnce.Do(func() { close(h.events) })
}

func (h *fakeHandle) ops() []protocol.Op {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.Op(nil), h.submitted...)
}

// syncBuffer is a bytes.Buffer safe for the concurrent writes tests make.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// notifyWriter signals on lines after every write.
type notifyWriter struct {
	syncBuffer
	lines chan struct{}
}

func newNotifyWriter() *notifyWriter {
	return &notifyWriter{lines: make(chan struct{}, 64)}
}

func (w *notifyWriter) Write(p []byte) (int, error) {
	n, err := w.syncBuffer.Write(p)
	w.lines <- struct{}{}
	return n, err
}

// countingReader records whether anything ever read from it.
type countingReader struct {
	r     io.Reader
	mu    sync.Mutex
	reads int
}

func (c *countingReader) Read(p []byte) (int, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.r.Read(p)
}

func (c *countingReader) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}
