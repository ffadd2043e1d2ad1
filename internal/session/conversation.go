// Package session drives a single conversation with a Codex app-server.
// The app-server is either spawned as a child process speaking JSON-RPC
// over stdio or reached over a websocket. Its notifications and approval
// requests surface as protocol events, and protocol operations are
// translated back into JSON-RPC calls and replies.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"helixrun/internal/protocol"
)

type Config struct {
	CodexBin       string
	CodexArgs      []string
	AppServerURL   string
	StartTimeout   time.Duration
	RequestTimeout time.Duration
	ClientVersion  string
	Logger         *slog.Logger
}

// OpenRequest selects between starting a new thread and resuming a saved
// one. Defaults are applied to a new thread and to every turn.
type OpenRequest struct {
	Defaults       protocol.SessionDefaults
	ResumeThreadID string
}

type Conversation struct {
	cfg        Config
	logger     *slog.Logger
	client     *client
	configured protocol.Event

	events   chan protocol.Event
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	mu               sync.Mutex
	threadID         string
	activeTurnID     string
	lastTurnID       string
	turnErrored      bool
	lastAgentMessage string
	pending          map[string]pendingApproval
	fileChanges      map[string]map[string]protocol.FileChange
	closeErr         error
	closedLocally    bool
}

type pendingApproval struct {
	wireID any
	method string
	kind   protocol.ApprovalKind
}

func (cfg Config) withDefaults() Config {
	cfg.CodexBin = strings.TrimSpace(cfg.CodexBin)
	if cfg.CodexBin == "" {
		cfg.CodexBin = "codex"
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 20 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "0.1.0"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Open connects to an app-server, performs the initialize handshake and
// starts or resumes a thread. The returned conversation is ready for turns.
func Open(ctx context.Context, cfg Config, req OpenRequest) (*Conversation, error) {
	cfg = cfg.withDefaults()
	c := &Conversation{
		cfg:         cfg,
		logger:      cfg.Logger,
		events:      make(chan protocol.Event, 256),
		done:        make(chan struct{}),
		stop:        make(chan struct{}),
		pending:     map[string]pendingApproval{},
		fileChanges: map[string]map[string]protocol.FileChange{},
	}

	startCtx, cancel := requestTimeout(ctx, cfg.StartTimeout)
	defer cancel()

	var t transport
	if cfg.AppServerURL != "" {
		ws, err := dialWebsocket(startCtx, cfg.AppServerURL)
		if err != nil {
			return nil, err
		}
		t = ws
	} else {
		st, err := startStdio(cfg.CodexBin, buildCodexArgs(cfg.CodexArgs), req.Defaults.Cwd, cfg.Logger)
		if err != nil {
			return nil, err
		}
		t = st
	}
	c.client = newClient(t, c, cfg.Logger)

	if err := c.start(startCtx, req); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conversation) start(ctx context.Context, req OpenRequest) error {
	if _, err := c.client.Call(ctx, methodInitialize, map[string]any{
		"clientInfo": map[string]any{
			"name":    "helixrun",
			"title":   "Helixrun",
			"version": c.cfg.ClientVersion,
		},
		"capabilities": map[string]any{
			"experimentalApi": true,
		},
	}); err != nil {
		return fmt.Errorf("initialize app-server: %w", err)
	}
	if err := c.client.Notify(methodInitialized, nil); err != nil {
		return fmt.Errorf("initialize app-server: %w", err)
	}

	d := req.Defaults
	threadMethod := methodThreadStart
	threadParams := map[string]any{}
	if d.Cwd != "" {
		threadParams["cwd"] = d.Cwd
	}
	if d.Model != "" {
		threadParams["model"] = d.Model
	}
	if d.ApprovalPolicy != "" {
		threadParams["approvalPolicy"] = d.ApprovalPolicy
	}
	if d.SandboxPolicy != "" {
		threadParams["sandbox"] = toCodexSandbox(d.SandboxPolicy)
	}
	if id := strings.TrimSpace(req.ResumeThreadID); id != "" {
		threadMethod = methodThreadResume
		threadParams = map[string]any{"threadId": id}
	}

	result, err := c.client.Call(ctx, threadMethod, threadParams)
	if err != nil {
		return err
	}
	threadID := decodeResultField(result, "thread", "id")
	if threadID == "" {
		return fmt.Errorf("app-server %s returned empty thread id", threadMethod)
	}
	model := decodeResultField(result, "model")
	if model == "" {
		model = d.Model
	}
	cwd := decodeResultField(result, "cwd")
	if cwd == "" {
		cwd = d.Cwd
	}

	c.mu.Lock()
	c.threadID = threadID
	c.mu.Unlock()
	c.configured = protocol.Event{
		ID: threadID,
		Msg: protocol.SessionConfigured{
			SessionID:   threadID,
			Model:       model,
			Cwd:         cwd,
			RolloutPath: decodeResultField(result, "thread", "path"),
		},
	}
	c.logger.Debug("thread ready", "method", threadMethod, "thread_id", threadID)
	return nil
}

// Configured returns the session-configured event produced by Open.
func (c *Conversation) Configured() protocol.Event {
	return c.configured
}

func (c *Conversation) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// NextEvent blocks for the next event. It returns io.EOF once the
// app-server has gone away cleanly and every buffered event was delivered.
func (c *Conversation) NextEvent(ctx context.Context) (protocol.Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-ctx.Done():
		return protocol.Event{}, ctx.Err()
	case <-c.done:
		select {
		case ev := <-c.events:
			return ev, nil
		default:
		}
		c.mu.Lock()
		err := c.closeErr
		c.mu.Unlock()
		if err != nil {
			return protocol.Event{}, err
		}
		return protocol.Event{}, io.EOF
	}
}

// Submit sends op to the app-server. Shutdown closes the conversation and
// never fails.
func (c *Conversation) Submit(ctx context.Context, op protocol.Op) error {
	if _, ok := op.(protocol.Shutdown); ok {
		return c.Close()
	}
	if c.isDone() {
		return ErrClosed
	}
	switch op := op.(type) {
	case protocol.UserTurn:
		return c.startTurn(ctx, op)
	case protocol.ExecApproval:
		return c.resolve(op.ID, protocol.ApprovalExec, op.Decision)
	case protocol.PatchApproval:
		return c.resolve(op.ID, protocol.ApprovalPatch, op.Decision)
	case protocol.Interrupt:
		return c.interrupt(ctx)
	default:
		return fmt.Errorf("unsupported operation %T", op)
	}
}

func (c *Conversation) Close() error {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.closedLocally = true
		c.mu.Unlock()
		close(c.stop)
	})
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *Conversation) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conversation) startTurn(ctx context.Context, op protocol.UserTurn) error {
	if len(op.Items) == 0 {
		return fmt.Errorf("turn input is required")
	}
	c.mu.Lock()
	threadID := c.threadID
	c.mu.Unlock()

	params := map[string]any{
		"threadId": threadID,
		"input":    op.Items,
	}
	d := op.Defaults
	if d.Cwd != "" {
		params["cwd"] = d.Cwd
	}
	if d.ApprovalPolicy != "" {
		params["approvalPolicy"] = d.ApprovalPolicy
	}
	if d.SandboxPolicy != "" {
		params["sandboxPolicy"] = map[string]any{"type": toSandboxPolicyType(d.SandboxPolicy)}
	}
	if d.Model != "" {
		params["model"] = d.Model
	}
	if d.ReasoningEffort != "" {
		params["effort"] = d.ReasoningEffort
	}
	if d.ReasoningSummary != "" {
		params["summary"] = d.ReasoningSummary
	}

	callCtx, cancel := requestTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	result, err := c.client.Call(callCtx, methodTurnStart, params)
	if err != nil {
		return err
	}
	if turnID := decodeResultField(result, "turn", "id"); turnID != "" {
		c.mu.Lock()
		if turnID != c.lastTurnID {
			c.activeTurnID = turnID
		}
		c.mu.Unlock()
	}
	return nil
}

func (c *Conversation) interrupt(ctx context.Context) error {
	c.mu.Lock()
	threadID := c.threadID
	turnID := c.activeTurnID
	c.mu.Unlock()
	if turnID == "" {
		return nil
	}
	callCtx, cancel := requestTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	_, err := c.client.Call(callCtx, methodTurnInterrupt, map[string]any{
		"threadId": threadID,
		"turnId":   turnID,
	})
	return err
}

func (c *Conversation) resolve(id string, kind protocol.ApprovalKind, decision protocol.Decision) error {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	if p.kind != kind {
		c.mu.Unlock()
		return fmt.Errorf("approval %s is a %s request, not %s", id, p.kind, kind)
	}
	delete(c.pending, id)
	c.mu.Unlock()

	wire, err := decisionValue(p.method, decision)
	if err != nil {
		return err
	}
	return c.client.ReplyResult(p.wireID, map[string]any{"decision": wire})
}

func (c *Conversation) push(ev protocol.Event) {
	select {
	case c.events <- ev:
	case <-c.stop:
	}
}

func (c *Conversation) handleNotification(method string, params map[string]any) {
	for _, msg := range c.mapNotification(method, params) {
		c.push(protocol.Event{ID: str(params["turnId"]), Msg: msg})
	}
}

func (c *Conversation) handleRequest(idKey string, wireID any, method string, params map[string]any) {
	msg, kind, ok := c.mapRequest(method, params)
	if !ok {
		c.logger.Warn("rejecting unsupported server request", "method", method)
		_ = c.client.ReplyError(wireID, -32601, "unsupported server request method")
		return
	}
	c.mu.Lock()
	c.pending[idKey] = pendingApproval{wireID: wireID, method: method, kind: kind}
	c.mu.Unlock()
	c.push(protocol.Event{ID: idKey, Msg: msg})
}

func (c *Conversation) handleClosed(err error) {
	c.mu.Lock()
	if !c.closedLocally && err != nil && err != io.EOF {
		c.closeErr = err
	}
	c.mu.Unlock()
	if err != nil && err != io.EOF {
		c.logger.Debug("app-server connection ended", "err", err)
	}
	close(c.done)
}

func buildCodexArgs(extra []string) []string {
	args := []string{"app-server", "--listen", "stdio://"}
	if len(extra) > 0 {
		args = append(args, extra...)
	}
	return args
}

// toCodexSandbox maps a sandbox mode to the kebab-case form thread/start
// expects.
func toCodexSandbox(v string) string {
	switch strings.TrimSpace(v) {
	case "read-only", "readOnly":
		return "read-only"
	case "workspace-write", "workspaceWrite":
		return "workspace-write"
	case "danger-full-access", "dangerFullAccess":
		return "danger-full-access"
	default:
		return v
	}
}

// toSandboxPolicyType maps a sandbox mode to the camelCase policy type
// turn/start expects.
func toSandboxPolicyType(v string) string {
	switch strings.TrimSpace(v) {
	case "read-only", "readOnly":
		return "readOnly"
	case "workspace-write", "workspaceWrite":
		return "workspaceWrite"
	case "danger-full-access", "dangerFullAccess":
		return "dangerFullAccess"
	default:
		return v
	}
}

// decisionValue renders a decision in the vocabulary of the request method
// that asked for it.
func decisionValue(method string, d protocol.Decision) (string, error) {
	legacy := method == requestExecApprovalV1 || method == requestPatchApprovalV1
	switch d {
	case protocol.Approved:
		if legacy {
			return "approved", nil
		}
		return "accept", nil
	case protocol.ApprovedForSession:
		if legacy {
			return "approved_for_session", nil
		}
		return "acceptForSession", nil
	case protocol.Denied:
		if legacy {
			return "denied", nil
		}
		return "decline", nil
	case protocol.Abort:
		if legacy {
			return "abort", nil
		}
		return "cancel", nil
	default:
		return "", fmt.Errorf("unknown decision %v", d)
	}
}
