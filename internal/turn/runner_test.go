package turn

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"helixrun/internal/events"
	"helixrun/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRunner struct {
	*Runner
	stdout *notifyWriter
	stderr *syncBuffer
}

func newTestRunner(t *testing.T, h *fakeHandle, input io.Reader) *testRunner {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	stdout, stderr := newNotifyWriter(), &syncBuffer{}
	r := &Runner{
		Handle:    h,
		Events:    Listen(ctx, h, nil),
		Processor: events.NewProcessor(),
		Out:       &Output{Stdout: stdout, Stderr: stderr},
	}
	if input != nil {
		r.Input = NewLineReader(input)
	}
	return &testRunner{Runner: r, stdout: stdout, stderr: stderr}
}

type runOutcome struct {
	result *Result
	err    error
}

func startRun(ctx context.Context, r *Runner, bootstrap []events.ThreadEvent) <-chan runOutcome {
	done := make(chan runOutcome, 1)
	go func() {
		res, err := r.Run(ctx, bootstrap)
		done <- runOutcome{res, err}
	}()
	return done
}

func waitRun(t *testing.T, done <-chan runOutcome) (*Result, error) {
	t.Helper()
	select {
	case out := <-done:
		return out.result, out.err
	case <-time.After(3 * time.Second):
		t.Fatalf("turn did not finish")
		return nil, nil
	}
}

func runTurn(t *testing.T, r *Runner) (*Result, error) {
	t.Helper()
	return waitRun(t, startRun(context.Background(), r, nil))
}

func waitLines(t *testing.T, w *notifyWriter, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-w.lines:
		case <-time.After(3 * time.Second):
			t.Fatalf("expected %d output lines, saw %d", n, i)
		}
	}
}

func execRequest(cmd ...string) protocol.ExecApprovalRequest {
	return protocol.ExecApprovalRequest{CallID: "call", Command: cmd, Cwd: "/w"}
}

func patchRequest(files ...string) protocol.ApplyPatchApprovalRequest {
	changes := map[string]protocol.FileChange{}
	for _, f := range files {
		changes[f] = protocol.FileChange{Kind: "update"}
	}
	return protocol.ApplyPatchApprovalRequest{CallID: "call", Changes: changes, GrantRoot: "/w"}
}

// completeAfter finishes the turn once n approval decisions were submitted.
func completeAfter(h *fakeHandle, n int) {
	seen := 0
	h.onSubmit = func(op protocol.Op) {
		switch op.(type) {
		case protocol.ExecApproval, protocol.PatchApproval:
			seen++
			if seen == n {
				h.emit(protocol.TaskComplete{})
			}
		}
	}
}

func TestRunCompletesRightAfterMarker(t *testing.T) {
	h := newFakeHandle()
	h.emit(
		protocol.TaskStarted{},
		protocol.AgentMessage{Text: "answer"},
		protocol.TaskComplete{},
		protocol.AgentMessage{Text: "belongs to the next turn"},
	)
	r := newTestRunner(t, h, nil)

	result, err := runTurn(t, r.Runner)
	require.NoError(t, err)
	assert.True(t, result.Completed())
	assert.Len(t, result.Events, 3)
	require.NotNil(t, result.FinalMessage)
	assert.Equal(t, "answer", *result.FinalMessage)
	assert.Empty(t, result.Errors)
}

func TestRunFailedTurnCompletesWithError(t *testing.T) {
	h := newFakeHandle()
	h.emit(protocol.TaskStarted{}, protocol.Error{Message: "usage limit"}, protocol.TaskComplete{})
	r := newTestRunner(t, h, nil)

	result, err := runTurn(t, r.Runner)
	require.NoError(t, err)
	assert.True(t, result.Completed())
	assert.Equal(t, []string{"usage limit", "usage limit"}, result.Errors)
	assert.Nil(t, result.Usage)
}

func TestRunResolvesApprovalsInArrivalOrder(t *testing.T) {
	h := newFakeHandle()
	h.emitWithID("1", execRequest("rm", "build"))
	h.emitWithID("2", patchRequest("main.go"))
	completeAfter(h, 2)
	r := newTestRunner(t, h, strings.NewReader("deny\napprove\n"))

	result, err := runTurn(t, r.Runner)
	require.NoError(t, err)
	assert.True(t, result.Completed())
	assert.Equal(t, []protocol.Op{
		protocol.ExecApproval{ID: "1", Decision: protocol.Denied},
		protocol.PatchApproval{ID: "2", Decision: protocol.Approved},
	}, h.ops())
}

func TestRunInvalidResponseKeepsFrontApproval(t *testing.T) {
	h := newFakeHandle()
	h.emitWithID("1", execRequest("make"))
	h.emitWithID("2", patchRequest("a.go"))
	completeAfter(h, 2)

	pr, pw := io.Pipe()
	defer pw.Close()
	r := newTestRunner(t, h, pr)
	done := startRun(context.Background(), r.Runner, nil)

	waitLines(t, r.stdout, 2)
	_, err := io.WriteString(pw, "maybe\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(r.stderr.String(), invalidResponseHint)
	}, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.ops(), "an unparseable line submits nothing")

	go func() {
		_, _ = io.WriteString(pw, "no\n")
		_, _ = io.WriteString(pw, "YES\n")
	}()
	result, err := waitRun(t, done)
	require.NoError(t, err)
	assert.True(t, result.Completed())
	assert.Equal(t, []protocol.Op{
		protocol.ExecApproval{ID: "1", Decision: protocol.Denied},
		protocol.PatchApproval{ID: "2", Decision: protocol.Approved},
	}, h.ops())
	assert.Equal(t, 1, strings.Count(r.stderr.String(), invalidResponseHint))
}

func TestRunDoesNotReadInputWithoutApprovals(t *testing.T) {
	h := newFakeHandle()
	h.emit(protocol.TaskStarted{}, protocol.AgentMessage{Text: "hi"}, protocol.TaskComplete{})
	input := &countingReader{r: strings.NewReader("stray\n")}
	r := newTestRunner(t, h, input)

	result, err := runTurn(t, r.Runner)
	require.NoError(t, err)
	assert.True(t, result.Completed())
	assert.Zero(t, input.count())
	assert.Empty(t, h.ops())

	// The stray line is still there for whoever asks next.
	line := <-r.Input.Next()
	r.Input.Done(line)
	assert.Equal(t, Line{Text: "stray"}, line)
}

func TestRunInterruptAbandonsPendingApprovals(t *testing.T) {
	h := newFakeHandle()
	h.emitWithID("1", execRequest("make"))
	h.emitWithID("2", patchRequest("a.go"))

	pr, pw := io.Pipe()
	defer pw.Close()
	r := newTestRunner(t, h, pr)
	interrupts := make(chan os.Signal, 1)
	r.Interrupts = interrupts
	done := startRun(context.Background(), r.Runner, nil)

	waitLines(t, r.stdout, 2)
	interrupts <- os.Interrupt

	result, err := waitRun(t, done)
	require.NoError(t, err)
	assert.True(t, result.Completed())
	assert.Equal(t, []string{"Interrupted by user"}, result.Errors)
	assert.Equal(t, []protocol.Op{protocol.Interrupt{}}, h.ops())
}

func TestRunContextCancellationInterrupts(t *testing.T) {
	h := newFakeHandle()
	h.emit(protocol.TaskStarted{})
	h.failOn = func(op protocol.Op) error {
		if _, ok := op.(protocol.Interrupt); ok {
			return errors.New("turn already finished")
		}
		return nil
	}
	r := newTestRunner(t, h, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := startRun(ctx, r.Runner, nil)
	cancel()

	result, err := waitRun(t, done)
	require.NoError(t, err, "interrupt failures are ignored")
	assert.True(t, result.Completed())
	assert.Equal(t, []string{"Interrupted by user"}, result.Errors)
}

func TestRunEndsWhenStreamCloses(t *testing.T) {
	h := newFakeHandle()
	h.emit(protocol.TaskStarted{}, protocol.AgentMessage{Text: "partial"})
	h.close()
	r := newTestRunner(t, h, nil)

	result, err := runTurn(t, r.Runner)
	require.NoError(t, err)
	assert.False(t, result.Completed())
	assert.Len(t, result.Events, 2)
	assert.Nil(t, result.Usage)
}

func TestRunCancelledAfterStreamClosedIsInterrupted(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newFakeHandle()
		h.close()
		r := newTestRunner(t, h, nil)
		require.Eventually(t, r.Events.Closed, time.Second, time.Millisecond)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		result, err := waitRun(t, startRun(ctx, r.Runner, nil))
		require.NoError(t, err)
		assert.True(t, result.Completed(), "iteration %d", i)
		assert.Equal(t, []string{"Interrupted by user"}, result.Errors, "iteration %d", i)
	}
}

func TestRunPropagatesSubmitFailure(t *testing.T) {
	h := newFakeHandle()
	h.emitWithID("1", execRequest("make"))
	h.failOn = func(op protocol.Op) error {
		if _, ok := op.(protocol.ExecApproval); ok {
			return errors.New("connection reset")
		}
		return nil
	}
	r := newTestRunner(t, h, strings.NewReader("yes\n"))

	_, err := runTurn(t, r.Runner)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Contains(t, err.Error(), "exec decision for 1")
}

func TestRunInputEOFIsInert(t *testing.T) {
	h := newFakeHandle()
	h.emitWithID("1", execRequest("make"))
	r := newTestRunner(t, h, strings.NewReader(""))
	done := startRun(context.Background(), r.Runner, nil)

	waitLines(t, r.stdout, 1)
	time.AfterFunc(50*time.Millisecond, func() { h.emit(protocol.TaskComplete{}) })

	result, err := waitRun(t, done)
	require.NoError(t, err)
	assert.True(t, result.Completed())
	assert.Empty(t, h.ops())
	assert.NotContains(t, r.stderr.String(), invalidResponseHint)
}

func TestRunAnnouncesApprovals(t *testing.T) {
	h := newFakeHandle()
	exec := execRequest("rm", "-rf", "build")
	exec.Reason = "cleanup"
	exec.Risk = &protocol.RiskAssessment{Description: "deletes files", RiskLevel: "high"}
	h.emitWithID("1", exec)
	h.emitWithID("2", patchRequest("b.go", "a.go"))
	completeAfter(h, 2)
	r := newTestRunner(t, h, strings.NewReader("abort\nalways\n"))

	_, err := runTurn(t, r.Runner)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(r.stdout.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"type":"approval.request","id":"1","kind":"exec","command":["rm","-rf","build"],"cwd":"/w","reason":"cleanup","risk":{"description":"deletes files","risk_level":"high"}}`, lines[0])
	assert.JSONEq(t, `{"type":"approval.request","id":"2","kind":"patch","reason":null,"grant_root":"/w","files":["a.go","b.go"]}`, lines[1])

	stderr := r.stderr.String()
	assert.Contains(t, stderr, "APPROVAL REQUEST 1")
	assert.Contains(t, stderr, "PATCH APPROVAL 2: files=2")
	assert.Equal(t, 2, strings.Count(stderr, "Respond with: approve | approve_session | deny | abort"))
	assert.Equal(t, []protocol.Op{
		protocol.ExecApproval{ID: "1", Decision: protocol.Abort},
		protocol.PatchApproval{ID: "2", Decision: protocol.ApprovedForSession},
	}, h.ops())
}

func TestRunEchoesBootstrapAndEvents(t *testing.T) {
	h := newFakeHandle()
	h.emit(
		protocol.SessionConfigured{SessionID: "thr_2", RolloutPath: "/rollouts/thr_2.jsonl"},
		protocol.TaskStarted{},
		protocol.TaskComplete{},
	)
	r := newTestRunner(t, h, nil)
	r.EmitEvents = true

	result, err := waitRun(t, startRun(context.Background(), r.Runner, []events.ThreadEvent{events.ThreadStarted{ThreadID: "thr_1"}}))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(r.stdout.String()), "\n")
	assert.Equal(t, []string{
		`{"type":"thread.started","thread_id":"thr_1"}`,
		`{"type":"thread.started","thread_id":"thr_2"}`,
		`{"type":"turn.started"}`,
		`{"type":"turn.completed","usage":{"input_tokens":0,"cached_input_tokens":0,"output_tokens":0}}`,
	}, lines)
	assert.Len(t, result.Events, 4)
	assert.Equal(t, "thr_2", r.SessionID)
	assert.Equal(t, "/rollouts/thr_2.jsonl", r.RolloutPath)
}
