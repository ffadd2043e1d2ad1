package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"helixrun/internal/events"
	"helixrun/internal/protocol"
)

// ErrSessionEnded is returned when a turn is requested after the event
// stream has closed.
var ErrSessionEnded = errors.New("session ended")

type SessionConfig struct {
	Handle     Handle
	Configured protocol.Event
	Defaults   protocol.SessionDefaults
	Input      *LineReader
	Interrupts <-chan os.Signal
	Out        *Output
	EmitEvents bool
	Logger     *slog.Logger

	// ResumeCommand prefixes the session id in the resume hint.
	ResumeCommand string
}

// Session runs consecutive turns over one conversation with fixed defaults.
type Session struct {
	handle        Handle
	runner        *Runner
	defaults      protocol.SessionDefaults
	bootstrap     []events.ThreadEvent
	resumeCommand string
}

// ResumeInfo is printed at shutdown so the session can be continued later.
type ResumeInfo struct {
	Type          string  `json:"type"`
	SessionID     string  `json:"session_id"`
	RolloutPath   *string `json:"rollout_path"`
	ResumeCommand string  `json:"resume_command"`
}

// NewSession starts the event listener. It runs until ctx is cancelled or
// the conversation's event stream ends.
func NewSession(ctx context.Context, cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	proc := events.NewProcessor()
	runner := &Runner{
		Handle:     cfg.Handle,
		Events:     Listen(ctx, cfg.Handle, logger),
		Processor:  proc,
		Input:      cfg.Input,
		Interrupts: cfg.Interrupts,
		Out:        cfg.Out,
		EmitEvents: cfg.EmitEvents,
		Logger:     logger,
	}
	s := &Session{
		handle:        cfg.Handle,
		runner:        runner,
		defaults:      cfg.Defaults,
		resumeCommand: cfg.ResumeCommand,
	}
	if s.resumeCommand == "" {
		s.resumeCommand = "helixrun --resume"
	}
	if msg, ok := cfg.Configured.Msg.(protocol.SessionConfigured); ok {
		runner.SessionID = msg.SessionID
		runner.RolloutPath = msg.RolloutPath
		s.bootstrap = proc.Collect(cfg.Configured)
	}
	return s
}

func (s *Session) SessionID() string {
	return s.runner.SessionID
}

func (s *Session) RolloutPath() string {
	return s.runner.RolloutPath
}

func (s *Session) Defaults() protocol.SessionDefaults {
	return s.defaults
}

// Ended reports whether the event stream has closed and been drained.
func (s *Session) Ended() bool {
	return s.runner.Events.Closed()
}

// SendTurn submits text as a new turn and collects it. Bootstrap events
// are folded into the first turn only.
func (s *Session) SendTurn(ctx context.Context, text string) (*Result, error) {
	if s.Ended() {
		return nil, ErrSessionEnded
	}
	s.drainInterrupts()
	if err := s.handle.Submit(ctx, protocol.UserTurn{
		Items:    protocol.TextInput(text),
		Defaults: s.defaults,
	}); err != nil {
		return nil, fmt.Errorf("start turn: %w", err)
	}
	bootstrap := s.bootstrap
	s.bootstrap = nil
	return s.runner.Run(ctx, bootstrap)
}

// Shutdown asks the conversation to shut down, ignoring failures, and
// returns the resume hint when a session id is known.
func (s *Session) Shutdown(ctx context.Context) *ResumeInfo {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultInterruptTimeout)
	defer cancel()
	if err := s.handle.Submit(sctx, protocol.Shutdown{}); err != nil {
		s.runner.logger().Debug("shutdown not delivered", "err", err)
	}
	if s.runner.SessionID == "" {
		return nil
	}
	info := &ResumeInfo{
		Type:          "session.resume",
		SessionID:     s.runner.SessionID,
		ResumeCommand: fmt.Sprintf("%s %s", s.resumeCommand, s.runner.SessionID),
	}
	if s.runner.RolloutPath != "" {
		path := s.runner.RolloutPath
		info.RolloutPath = &path
	}
	return info
}

// drainInterrupts discards interrupts delivered while no turn was running.
func (s *Session) drainInterrupts() {
	for {
		select {
		case <-s.runner.Interrupts:
		default:
			return
		}
	}
}
