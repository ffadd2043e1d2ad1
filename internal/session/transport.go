package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// transport moves whole JSON-RPC messages to and from an app-server.
// recv returns io.EOF once the peer has gone away cleanly.
type transport interface {
	send(payload []byte) error
	recv() ([]byte, error)
	close() error
}

type stdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc
	lines  *bufio.Scanner
	stderr sync.WaitGroup

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
}

func startStdio(bin string, args []string, workdir string, logger *slog.Logger) (*stdioTransport, error) {
	childCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(childCtx, bin, args...)
	cmd.Dir = workdir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}

	lines := bufio.NewScanner(stdout)
	lines.Buffer(make([]byte, 0, 128*1024), 8*1024*1024)
	t := &stdioTransport{
		cmd:    cmd,
		stdin:  stdin,
		cancel: cancel,
		lines:  lines,
	}
	t.stderr.Add(1)
	go t.readStderr(stderr, logger)
	return t, nil
}

func (t *stdioTransport) send(payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(payload); err != nil {
		return err
	}
	if _, err := t.stdin.Write([]byte("\n")); err != nil {
		return err
	}
	return nil
}

func (t *stdioTransport) recv() ([]byte, error) {
	for t.lines.Scan() {
		line := strings.TrimSpace(t.lines.Text())
		if line == "" {
			continue
		}
		return []byte(line), nil
	}
	scanErr := t.lines.Err()
	t.stderr.Wait()
	waitErr := t.cmd.Wait()

	t.mu.Lock()
	closedLocally := t.closed
	t.mu.Unlock()
	switch {
	case closedLocally:
		return nil, io.EOF
	case scanErr != nil:
		return nil, fmt.Errorf("read app-server output: %w", scanErr)
	case waitErr != nil:
		return nil, fmt.Errorf("app-server exited: %w", waitErr)
	default:
		return nil, io.EOF
	}
}

func (t *stdioTransport) close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	_ = t.stdin.Close()
	t.cancel()
	return nil
}

func (t *stdioTransport) readStderr(stderr io.Reader, logger *slog.Logger) {
	defer t.stderr.Done()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 128*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.Debug("app-server stderr", "line", line)
	}
}

type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
}

func dialWebsocket(ctx context.Context, url string) (*wsTransport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial app-server %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial app-server %s: %w", url, err)
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) send(payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *wsTransport) recv() ([]byte, error) {
	for {
		typ, data, err := t.conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closedLocally := t.closed
			t.mu.Unlock()
			if closedLocally || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("app-server connection lost: %w", err)
			}
			return nil, err
		}
		if typ != websocket.TextMessage {
			continue
		}
		if line := strings.TrimSpace(string(data)); line != "" {
			return []byte(line), nil
		}
	}
}

func (t *wsTransport) close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.writeMu.Lock()
	_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	return t.conn.Close()
}
