package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"helixrun/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePeer is the server side of one websocket connection.
type fakePeer struct {
	conn *websocket.Conn
}

// send ignores write errors: the client may already be gone.
func (p *fakePeer) send(_ *testing.T, v any) {
	_ = p.conn.WriteJSON(v)
}

func (p *fakePeer) reply(t *testing.T, msg map[string]any, result any) {
	p.send(t, map[string]any{"id": msg["id"], "result": result})
}

func (p *fakePeer) notify(t *testing.T, method string, params any) {
	p.send(t, map[string]any{"method": method, "params": params})
}

// startFakeAppServer serves a websocket app-server that answers the
// handshake itself and hands every other message to script. Every message
// the client sends is also published on the returned channel.
func startFakeAppServer(t *testing.T, script func(p *fakePeer, msg map[string]any)) (string, <-chan map[string]any) {
	t.Helper()
	received := make(chan map[string]any, 64)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		peer := &fakePeer{conn: conn}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				return
			}
			select {
			case received <- msg:
			default:
			}
			switch msg["method"] {
			case methodInitialize:
				peer.reply(t, msg, map[string]any{"userAgent": "fake"})
			case methodInitialized:
			case methodThreadStart:
				peer.reply(t, msg, map[string]any{
					"thread": map[string]any{"id": "thr_test", "path": "/codex/sessions/rollout-2025-thr_test.jsonl"},
					"model":  "gpt-5-codex",
				})
			case methodThreadResume:
				params, _ := msg["params"].(map[string]any)
				peer.reply(t, msg, map[string]any{"thread": map[string]any{"id": params["threadId"]}})
			default:
				script(peer, msg)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), received
}

func openFake(t *testing.T, url string, req OpenRequest) *Conversation {
	t.Helper()
	conv, err := Open(context.Background(), Config{
		AppServerURL:   url,
		StartTimeout:   3 * time.Second,
		RequestTimeout: 3 * time.Second,
	}, req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conv.Close() })
	return conv
}

func nextEvent(t *testing.T, conv *Conversation) protocol.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ev, err := conv.NextEvent(ctx)
	require.NoError(t, err)
	return ev
}

// waitForMsg returns the first event message of type T, skipping others.
func waitForMsg[T protocol.EventMsg](t *testing.T, conv *Conversation) (protocol.Event, T) {
	t.Helper()
	for {
		ev := nextEvent(t, conv)
		if msg, ok := ev.Msg.(T); ok {
			return ev, msg
		}
	}
}

func waitForReceived(t *testing.T, received <-chan map[string]any, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-received:
			if match(msg) {
				return msg
			}
		case <-deadline:
			t.Fatalf("fake app-server never received the expected message")
			return nil
		}
	}
}

func isMethod(method string) func(map[string]any) bool {
	return func(msg map[string]any) bool { return msg["method"] == method }
}

func TestConversationTurnWithApproval(t *testing.T) {
	url, received := startFakeAppServer(t, func(p *fakePeer, msg map[string]any) {
		switch {
		case msg["method"] == methodTurnStart:
			p.reply(t, msg, map[string]any{"turn": map[string]any{"id": "turn_1", "status": "inProgress"}})
			p.notify(t, notifyTurnStarted, map[string]any{"threadId": "thr_test", "turn": map[string]any{"id": "turn_1"}})
			p.send(t, map[string]any{
				"id":     7,
				"method": requestCommandApproval,
				"params": map[string]any{
					"threadId": "thr_test", "turnId": "turn_1", "itemId": "cmd_1",
					"command": "make clean", "cwd": "/w", "reason": "needs network",
				},
			})
		case msg["id"] == float64(7):
			p.notify(t, notifyItemCompleted, map[string]any{"item": map[string]any{
				"type": "commandExecution", "id": "cmd_1", "command": "make clean",
				"aggregatedOutput": "cleaned", "exitCode": 0, "status": "completed",
			}})
			p.notify(t, notifyItemCompleted, map[string]any{"item": map[string]any{"type": "agentMessage", "id": "msg_1", "text": "done"}})
			p.notify(t, notifyTurnCompleted, map[string]any{"turn": map[string]any{"id": "turn_1", "status": "completed"}})
		}
	})

	defaults := protocol.SessionDefaults{
		Cwd:              t.TempDir(),
		ApprovalPolicy:   "on-request",
		SandboxPolicy:    "workspace-write",
		Model:            "gpt-5-codex",
		ReasoningEffort:  "high",
		ReasoningSummary: "auto",
	}
	conv := openFake(t, url, OpenRequest{Defaults: defaults})

	configured, ok := conv.Configured().Msg.(protocol.SessionConfigured)
	require.True(t, ok)
	assert.Equal(t, "thr_test", configured.SessionID)
	assert.Equal(t, "/codex/sessions/rollout-2025-thr_test.jsonl", configured.RolloutPath)
	assert.Equal(t, "gpt-5-codex", configured.Model)
	assert.Equal(t, "thr_test", conv.ThreadID())

	threadStart := waitForReceived(t, received, isMethod(methodThreadStart))
	assert.Equal(t, "workspace-write", threadStart["params"].(map[string]any)["sandbox"])

	require.NoError(t, conv.Submit(context.Background(), protocol.UserTurn{
		Items:    protocol.TextInput("clean the build"),
		Defaults: defaults,
	}))
	turnStart := waitForReceived(t, received, isMethod(methodTurnStart))
	params := turnStart["params"].(map[string]any)
	assert.Equal(t, "thr_test", params["threadId"])
	assert.Equal(t, map[string]any{"type": "workspaceWrite"}, params["sandboxPolicy"])
	assert.Equal(t, "on-request", params["approvalPolicy"])
	assert.Equal(t, "high", params["effort"])
	assert.Equal(t, "auto", params["summary"])
	assert.Equal(t, []any{map[string]any{"type": "text", "text": "clean the build"}}, params["input"])

	ev, approval := waitForMsg[protocol.ExecApprovalRequest](t, conv)
	assert.Equal(t, "7", ev.ID)
	assert.Equal(t, []string{"make clean"}, approval.Command)
	assert.Equal(t, "needs network", approval.Reason)

	err := conv.Submit(context.Background(), protocol.PatchApproval{ID: "7", Decision: protocol.Approved})
	require.Error(t, err, "exec request answered with a patch decision")

	require.NoError(t, conv.Submit(context.Background(), protocol.ExecApproval{ID: "7", Decision: protocol.ApprovedForSession}))
	reply := waitForReceived(t, received, func(msg map[string]any) bool { return msg["id"] == float64(7) })
	assert.Equal(t, map[string]any{"decision": "acceptForSession"}, reply["result"])

	err = conv.Submit(context.Background(), protocol.ExecApproval{ID: "7", Decision: protocol.Approved})
	assert.ErrorIs(t, err, ErrUnknownRequest)

	_, end := waitForMsg[protocol.ExecCommandEnd](t, conv)
	assert.Equal(t, "cleaned", end.AggregatedOutput)
	_, done := waitForMsg[protocol.TaskComplete](t, conv)
	assert.Equal(t, "done", done.LastAgentMessage)
}

func TestConversationLegacyPatchApproval(t *testing.T) {
	url, received := startFakeAppServer(t, func(p *fakePeer, msg map[string]any) {
		if msg["method"] != methodTurnStart {
			return
		}
		p.reply(t, msg, map[string]any{"turn": map[string]any{"id": "turn_1"}})
		p.send(t, map[string]any{
			"id":     "patch-1",
			"method": requestPatchApprovalV1,
			"params": map[string]any{
				"callId":      "call_9",
				"fileChanges": map[string]any{"notes.txt": map[string]any{"add": map[string]any{"content": "hi"}}},
				"reason":      "write notes",
			},
		})
	})
	conv := openFake(t, url, OpenRequest{})

	require.NoError(t, conv.Submit(context.Background(), protocol.UserTurn{Items: protocol.TextInput("write notes")}))
	ev, req := waitForMsg[protocol.ApplyPatchApprovalRequest](t, conv)
	assert.Equal(t, "patch-1", ev.ID)
	assert.Equal(t, "add", req.Changes["notes.txt"].Kind)

	require.NoError(t, conv.Submit(context.Background(), protocol.PatchApproval{ID: "patch-1", Decision: protocol.Denied}))
	reply := waitForReceived(t, received, func(msg map[string]any) bool { return msg["id"] == "patch-1" })
	assert.Equal(t, map[string]any{"decision": "denied"}, reply["result"])
}

func TestConversationRejectsUnsupportedServerRequest(t *testing.T) {
	url, received := startFakeAppServer(t, func(p *fakePeer, msg map[string]any) {
		if msg["method"] == methodTurnStart {
			p.reply(t, msg, map[string]any{"turn": map[string]any{"id": "turn_1"}})
			p.send(t, map[string]any{"id": "tool-1", "method": "item/tool/call", "params": map[string]any{}})
		}
	})
	conv := openFake(t, url, OpenRequest{})
	require.NoError(t, conv.Submit(context.Background(), protocol.UserTurn{Items: protocol.TextInput("hi")}))

	reply := waitForReceived(t, received, func(msg map[string]any) bool { return msg["id"] == "tool-1" })
	rpcErr := reply["error"].(map[string]any)
	assert.Equal(t, float64(-32601), rpcErr["code"])
}

func TestConversationInterruptTargetsActiveTurn(t *testing.T) {
	url, received := startFakeAppServer(t, func(p *fakePeer, msg map[string]any) {
		switch msg["method"] {
		case methodTurnStart:
			p.reply(t, msg, map[string]any{"turn": map[string]any{"id": "turn_42"}})
			p.notify(t, notifyTurnStarted, map[string]any{"turn": map[string]any{"id": "turn_42"}})
		case methodTurnInterrupt:
			p.reply(t, msg, map[string]any{})
			p.notify(t, notifyTurnCompleted, map[string]any{"turn": map[string]any{"id": "turn_42", "status": "interrupted"}})
		}
	})
	conv := openFake(t, url, OpenRequest{})

	// Nothing is running yet, so there is nothing to interrupt.
	require.NoError(t, conv.Submit(context.Background(), protocol.Interrupt{}))

	require.NoError(t, conv.Submit(context.Background(), protocol.UserTurn{Items: protocol.TextInput("long task")}))
	waitForMsg[protocol.TaskStarted](t, conv)
	require.NoError(t, conv.Submit(context.Background(), protocol.Interrupt{}))

	msg := waitForReceived(t, received, isMethod(methodTurnInterrupt))
	assert.Equal(t, map[string]any{"threadId": "thr_test", "turnId": "turn_42"}, msg["params"])
	_, aborted := waitForMsg[protocol.TurnAborted](t, conv)
	assert.Equal(t, "turn_42", aborted.TurnID)
}

func TestConversationResumeUsesThreadResume(t *testing.T) {
	url, received := startFakeAppServer(t, func(p *fakePeer, msg map[string]any) {})
	conv := openFake(t, url, OpenRequest{ResumeThreadID: "thr_saved"})

	msg := waitForReceived(t, received, isMethod(methodThreadResume))
	assert.Equal(t, map[string]any{"threadId": "thr_saved"}, msg["params"])
	assert.Equal(t, "thr_saved", conv.ThreadID())
}

func TestConversationEndsWhenServerCloses(t *testing.T) {
	url, _ := startFakeAppServer(t, func(p *fakePeer, msg map[string]any) {
		if msg["method"] == methodTurnStart {
			p.reply(t, msg, map[string]any{"turn": map[string]any{"id": "turn_1"}})
			p.notify(t, notifyTurnStarted, map[string]any{"turn": map[string]any{"id": "turn_1"}})
			_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		}
	})
	conv := openFake(t, url, OpenRequest{})
	require.NoError(t, conv.Submit(context.Background(), protocol.UserTurn{Items: protocol.TextInput("hi")}))

	// Buffered events are still delivered before the end of the stream.
	waitForMsg[protocol.TaskStarted](t, conv)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := conv.NextEvent(ctx)
	assert.ErrorIs(t, err, io.EOF)

	err = conv.Submit(context.Background(), protocol.UserTurn{Items: protocol.TextInput("again")})
	assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
	assert.NoError(t, conv.Submit(context.Background(), protocol.Shutdown{}))
}

func TestConversationOpenFailsOnEmptyThreadID(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if _, ok := msg["id"]; ok {
				_ = conn.WriteJSON(map[string]any{"id": msg["id"], "result": map[string]any{}})
			}
		}
	}))
	defer srv.Close()

	_, err := Open(context.Background(), Config{
		AppServerURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		StartTimeout: 3 * time.Second,
	}, OpenRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty thread id")
}

func TestConversationOverStdio(t *testing.T) {
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not on PATH")
	}
	root := t.TempDir()
	fakeCodex := writeFakeCodex(t, root)

	conv, err := Open(context.Background(), Config{
		CodexBin:       fakeCodex,
		StartTimeout:   5 * time.Second,
		RequestTimeout: 5 * time.Second,
	}, OpenRequest{Defaults: protocol.SessionDefaults{Cwd: root}})
	if err != nil {
		t.Fatalf("open conversation: %v", err)
	}
	defer conv.Close()
	if conv.ThreadID() != "thr_test" {
		t.Fatalf("unexpected thread id %q", conv.ThreadID())
	}

	if err := conv.Submit(context.Background(), protocol.UserTurn{Items: protocol.TextInput("hello")}); err != nil {
		t.Fatalf("start turn: %v", err)
	}
	ev, approval := waitForMsg[protocol.ExecApprovalRequest](t, conv)
	if approval.Command[0] != "echo hi" {
		t.Fatalf("unexpected approval payload: %#v", approval)
	}
	if err := conv.Submit(context.Background(), protocol.ExecApproval{ID: ev.ID, Decision: protocol.Approved}); err != nil {
		t.Fatalf("resolve approval: %v", err)
	}
	waitForMsg[protocol.TaskComplete](t, conv)

	if err := conv.Submit(context.Background(), protocol.Shutdown{}); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		if _, err := conv.NextEvent(ctx); err != nil {
			if !errors.Is(err, io.EOF) {
				t.Fatalf("expected clean end of stream, got %v", err)
			}
			break
		}
	}
}

func writeFakeCodex(t *testing.T, dir string) string {
	t.Helper()
	srcPath := filepath.Join(dir, "fake-codex.go")
	source := `package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

func main() {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id := extractID(line)
		switch {
		case strings.Contains(line, "\"method\":\"initialize\""):
			writef("{\"id\":\"%s\",\"result\":{\"userAgent\":\"fake\"}}", id)
		case strings.Contains(line, "\"method\":\"thread/start\""):
			writef("{\"id\":\"%s\",\"result\":{\"thread\":{\"id\":\"thr_test\"}}}", id)
		case strings.Contains(line, "\"method\":\"turn/start\""):
			writef("{\"id\":\"%s\",\"result\":{\"turn\":{\"id\":\"turn_1\",\"status\":\"inProgress\"}}}", id)
			writef("{\"method\":\"turn/started\",\"params\":{\"turn\":{\"id\":\"turn_1\"}}}")
			writef("{\"method\":\"item/commandExecution/requestApproval\",\"id\":\"apr_1\",\"params\":{\"turnId\":\"turn_1\",\"itemId\":\"cmd_1\",\"command\":\"echo hi\",\"cwd\":\"/tmp\"}}")
		case strings.Contains(line, "\"id\":\"apr_1\""):
			writef("{\"method\":\"item/completed\",\"params\":{\"item\":{\"type\":\"agentMessage\",\"id\":\"msg_1\",\"text\":\"hi\"}}}")
			writef("{\"method\":\"turn/completed\",\"params\":{\"turn\":{\"id\":\"turn_1\",\"status\":\"completed\"}}}")
		}
	}
}

func extractID(line string) string {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return ""
	}
	idRaw, ok := raw["id"]
	if !ok {
		return ""
	}
	var id any
	if err := json.Unmarshal(idRaw, &id); err != nil {
		return ""
	}
	return fmt.Sprintf("%v", id)
}

func writef(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}
`
	if err := os.WriteFile(srcPath, []byte(source), 0o644); err != nil {
		t.Fatalf("write fake codex source: %v", err)
	}
	binPath := filepath.Join(dir, "fake-codex")
	if runtime.GOOS == "windows" {
		binPath += ".exe"
	}
	cmd := exec.Command("go", "build", "-o", binPath, srcPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build fake codex: %v, output=%s", err, strings.TrimSpace(string(out)))
	}
	return binPath
}
