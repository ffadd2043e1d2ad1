package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"helixrun/internal/events"
	"helixrun/internal/protocol"
)

const defaultInterruptTimeout = 5 * time.Second

// Runner drives turns for one session. It is the only consumer of its
// event queue and input reader, and it never submits two operations at
// once.
type Runner struct {
	Handle     Handle
	Events     *EventQueue
	Processor  *events.Processor
	Input      *LineReader
	Interrupts <-chan os.Signal
	Out        *Output
	EmitEvents bool
	Logger     *slog.Logger

	// InterruptTimeout bounds the best-effort interrupt sent on cancellation.
	InterruptTimeout time.Duration

	// Updated from session-configured events.
	SessionID   string
	RolloutPath string
}

// Run collects one turn. bootstrap events are folded in (and echoed when
// EmitEvents is set) before anything else. Run returns when the turn
// completes or fails, on cancellation, or when the event stream ends. Only
// a rejected submission or an output failure is returned as an error.
func (r *Runner) Run(ctx context.Context, bootstrap []events.ThreadEvent) (*Result, error) {
	result := NewResult()
	if len(bootstrap) > 0 {
		if err := r.emit(bootstrap); err != nil {
			return result, err
		}
		result.Append(bootstrap...)
	}

	var approvals ApprovalQueue
	for {
		var lines <-chan Line
		if approvals.Len() > 0 && r.Input != nil {
			lines = r.Input.Next()
		}

		select {
		case <-r.Interrupts:
			r.cancel(ctx, result, approvals.Len())
			return result, nil
		case <-ctx.Done():
			r.cancel(ctx, result, approvals.Len())
			return result, nil
		case <-r.Events.Ready():
			ev, ok, closed := r.Events.Pop()
			if closed {
				if ctx.Err() != nil {
					r.cancel(ctx, result, approvals.Len())
					return result, nil
				}
				r.logger().Warn("event stream ended before the turn completed")
				return result, nil
			}
			if !ok {
				continue
			}
			if err := r.handleEvent(ev, &approvals, result); err != nil {
				return result, err
			}
			if result.Completed() {
				return result, nil
			}
		case line := <-lines:
			r.Input.Done(line)
			if line.Err != nil {
				if errors.Is(line.Err, io.EOF) {
					continue
				}
				return result, fmt.Errorf("read approval response: %w", line.Err)
			}
			if err := r.resolve(ctx, &approvals, line.Text); err != nil {
				return result, err
			}
		}
	}
}

func (r *Runner) handleEvent(ev protocol.Event, approvals *ApprovalQueue, result *Result) error {
	switch msg := ev.Msg.(type) {
	case protocol.SessionConfigured:
		r.SessionID = msg.SessionID
		if msg.RolloutPath != "" {
			r.RolloutPath = msg.RolloutPath
		}
	case protocol.ExecApprovalRequest, protocol.ApplyPatchApprovalRequest:
		kind, _ := protocol.ApprovalKindOf(msg)
		approvals.PushBack(PendingApproval{ID: ev.ID, Kind: kind, Request: msg})
		if err := r.Out.AnnounceApproval(ev.ID, msg); err != nil {
			return err
		}
	}

	thread := r.Processor.Collect(ev)
	if err := r.emit(thread); err != nil {
		return err
	}
	result.Append(thread...)
	return nil
}

// resolve answers the front approval with text. A response that does not
// parse puts the approval back at the front.
func (r *Runner) resolve(ctx context.Context, approvals *ApprovalQueue, text string) error {
	pending, ok := approvals.PopFront()
	if !ok {
		return nil
	}
	decision, err := ParseDecision(text)
	if err != nil {
		approvals.PushFront(pending)
		r.Out.InvalidResponse()
		return nil
	}

	var op protocol.Op
	switch pending.Kind {
	case protocol.ApprovalExec:
		op = protocol.ExecApproval{ID: pending.ID, Decision: decision}
	case protocol.ApprovalPatch:
		op = protocol.PatchApproval{ID: pending.ID, Decision: decision}
	default:
		return nil
	}
	if err := r.Handle.Submit(ctx, op); err != nil {
		return fmt.Errorf("submit %s decision for %s: %w", pending.Kind, pending.ID, err)
	}
	r.logger().Debug("approval resolved", "id", pending.ID, "kind", pending.Kind.String(), "decision", decision.String())
	return nil
}

// cancel sends a best-effort interrupt and marks the turn interrupted.
// Pending approvals are abandoned.
func (r *Runner) cancel(ctx context.Context, result *Result, abandoned int) {
	timeout := r.InterruptTimeout
	if timeout <= 0 {
		timeout = defaultInterruptTimeout
	}
	ictx, done := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer done()
	if err := r.Handle.Submit(ictx, protocol.Interrupt{}); err != nil {
		r.logger().Debug("interrupt not delivered", "err", err)
	}
	if abandoned > 0 {
		r.logger().Info("turn interrupted with approvals pending", "pending", abandoned)
	}
	result.interrupted()
}

func (r *Runner) emit(evs []events.ThreadEvent) error {
	if !r.EmitEvents {
		return nil
	}
	for _, ev := range evs {
		if err := r.Out.JSON(ev); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
