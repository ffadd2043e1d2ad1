package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type rpcEnvelope struct {
	Method string          `json:"method,omitempty"`
	ID     any             `json:"id,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResult struct {
	result json.RawMessage
	err    *rpcError
}

// clientHandler receives everything the app-server sends that is not a
// response to one of our calls. All methods run on the read loop.
type clientHandler interface {
	handleNotification(method string, params map[string]any)
	handleRequest(idKey string, wireID any, method string, params map[string]any)
	handleClosed(err error)
}

type client struct {
	t       transport
	handler clientHandler
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]chan rpcResult
	closed  bool
}

func newClient(t transport, handler clientHandler, logger *slog.Logger) *client {
	c := &client{
		t:       t,
		handler: handler,
		logger:  logger,
		pending: map[string]chan rpcResult{},
	}
	go c.readLoop()
	return c
}

func (c *client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := uuid.NewString()
	idKey := normalizeIDKey(id)
	ch := make(chan rpcResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[idKey] = ch
	c.mu.Unlock()

	if err := c.write(rpcEnvelope{Method: method, ID: id, Params: mustMarshalRaw(params)}); err != nil {
		c.mu.Lock()
		delete(c.pending, idKey)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, idKey)
		c.mu.Unlock()
		return nil, fmt.Errorf("rpc %s: %w", method, ctx.Err())
	case out := <-ch:
		if out.err != nil {
			if out.err.Code == codeClientClosed {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("rpc %s failed (%d): %s", method, out.err.Code, out.err.Message)
		}
		return out.result, nil
	}
}

func (c *client) Notify(method string, params any) error {
	return c.write(rpcEnvelope{Method: method, Params: mustMarshalRaw(params)})
}

func (c *client) ReplyResult(wireID any, result any) error {
	return c.write(rpcEnvelope{ID: wireID, Result: mustMarshalRaw(result)})
}

func (c *client) ReplyError(wireID any, code int, message string) error {
	return c.write(rpcEnvelope{
		ID:    wireID,
		Error: &rpcError{Code: code, Message: message},
	})
}

func (c *client) Close() error {
	if !c.markClosed() {
		return nil
	}
	return c.t.close()
}

// markClosed fails every in-flight call. It reports whether this was the
// first close.
func (c *client) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	for key, ch := range c.pending {
		delete(c.pending, key)
		ch <- rpcResult{err: &rpcError{Code: codeClientClosed, Message: "client closed"}}
		close(ch)
	}
	return true
}

func (c *client) write(env rpcEnvelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.t.send(payload)
}

func (c *client) readLoop() {
	var exitErr error
	for {
		line, err := c.t.recv()
		if err != nil {
			exitErr = err
			break
		}
		c.dispatch(line)
	}
	c.markClosed()
	_ = c.t.close()
	c.handler.handleClosed(exitErr)
}

func (c *client) dispatch(line []byte) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		c.logger.Warn("invalid json-rpc line", "line", string(line))
		return
	}

	methodRaw, hasMethod := raw["method"]
	idRaw, hasID := raw["id"]
	if hasMethod {
		var method string
		_ = json.Unmarshal(methodRaw, &method)
		params := map[string]any{}
		if paramsRaw, ok := raw["params"]; ok && len(paramsRaw) > 0 {
			_ = json.Unmarshal(paramsRaw, &params)
		}
		if hasID {
			wireID := unmarshalWireID(idRaw)
			c.handler.handleRequest(normalizeIDKey(wireID), wireID, method, params)
		} else {
			c.handler.handleNotification(method, params)
		}
		return
	}
	if !hasID {
		return
	}

	idKey := normalizeIDKey(unmarshalWireID(idRaw))
	var out rpcResult
	if resultRaw, ok := raw["result"]; ok {
		out.result = resultRaw
	}
	if errRaw, ok := raw["error"]; ok {
		var rpcErr rpcError
		if err := json.Unmarshal(errRaw, &rpcErr); err == nil {
			out.err = &rpcErr
		} else {
			out.err = &rpcError{Code: -1, Message: string(errRaw)}
		}
	}
	c.mu.Lock()
	ch, ok := c.pending[idKey]
	if ok {
		delete(c.pending, idKey)
	}
	c.mu.Unlock()
	if ok {
		ch <- out
		close(ch)
	}
}

func mustMarshalRaw(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, _ := json.Marshal(v)
	return b
}

func unmarshalWireID(raw json.RawMessage) any {
	var id any
	_ = json.Unmarshal(raw, &id)
	return id
}

func normalizeIDKey(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return fmt.Sprintf("%g", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func decodeResultField(raw json.RawMessage, path ...string) string {
	if len(raw) == 0 {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	s, _ := lookup(obj, path...).(string)
	return s
}

func lookup(obj map[string]any, path ...string) any {
	var cur any = obj
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

func requestTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
