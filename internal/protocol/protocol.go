// Package protocol defines the values exchanged with a conversation handle:
// the events it produces, the operations it accepts, and the session
// defaults threaded through every turn.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Event is one message received from the conversation. ID is the
// identifier the conversation attached to it; for approval requests it is
// the id a decision must be submitted against.
type Event struct {
	ID  string
	Msg EventMsg
}

// EventMsg is the closed set of event payloads. Only types in this package
// implement it; consumers switch on the concrete type.
type EventMsg interface {
	eventMsg()
}

type SessionConfigured struct {
	SessionID   string
	Model       string
	Cwd         string
	RolloutPath string
}

type TaskStarted struct {
	TurnID string
}

type TaskComplete struct {
	TurnID           string
	LastAgentMessage string
}

// TurnAborted reports a turn that ended because it was interrupted.
type TurnAborted struct {
	TurnID string
	Reason string
}

type AgentMessage struct {
	ItemID string
	Text   string
}

type AgentMessageDelta struct {
	ItemID string
	Delta  string
}

type AgentReasoning struct {
	ItemID string
	Text   string
}

type ExecCommandBegin struct {
	CallID  string
	Command []string
	Cwd     string
}

type ExecCommandEnd struct {
	CallID           string
	Command          []string
	AggregatedOutput string
	ExitCode         *int
	Status           string
}

type PatchApplyEnd struct {
	CallID  string
	Changes map[string]FileChange
	Success bool
}

type TokenCount struct {
	Usage Usage
}

// Error is a fatal error for the running turn.
type Error struct {
	Message string
}

// StreamError is a transient error the server is retrying.
type StreamError struct {
	Message string
}

type ExecApprovalRequest struct {
	CallID  string
	TurnID  string
	Command []string
	Cwd     string
	Reason  string
	Risk    *RiskAssessment
}

type ApplyPatchApprovalRequest struct {
	CallID    string
	TurnID    string
	Changes   map[string]FileChange
	Reason    string
	GrantRoot string
}

// Other carries any notification the handle does not model.
type Other struct {
	Method string
	Params map[string]any
}

func (SessionConfigured) eventMsg()         {}
func (TaskStarted) eventMsg()               {}
func (TaskComplete) eventMsg()              {}
func (TurnAborted) eventMsg()               {}
func (AgentMessage) eventMsg()              {}
func (AgentMessageDelta) eventMsg()         {}
func (AgentReasoning) eventMsg()            {}
func (ExecCommandBegin) eventMsg()          {}
func (ExecCommandEnd) eventMsg()            {}
func (PatchApplyEnd) eventMsg()             {}
func (TokenCount) eventMsg()                {}
func (Error) eventMsg()                     {}
func (StreamError) eventMsg()               {}
func (ExecApprovalRequest) eventMsg()       {}
func (ApplyPatchApprovalRequest) eventMsg() {}
func (Other) eventMsg()                     {}

type RiskAssessment struct {
	Description string `json:"description"`
	RiskLevel   string `json:"risk_level"`
}

type FileChange struct {
	Kind string `json:"kind"`
	Diff string `json:"diff,omitempty"`
}

// Usage is the token accounting reported for a turn.
type Usage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
}

// ApprovalKind tells which decision operation answers a request.
type ApprovalKind int

const (
	ApprovalExec ApprovalKind = iota + 1
	ApprovalPatch
)

func (k ApprovalKind) String() string {
	switch k {
	case ApprovalExec:
		return "exec"
	case ApprovalPatch:
		return "patch"
	default:
		return "unknown"
	}
}

// ApprovalKindOf reports whether msg is an approval request and of which kind.
func ApprovalKindOf(msg EventMsg) (ApprovalKind, bool) {
	switch msg.(type) {
	case ExecApprovalRequest:
		return ApprovalExec, true
	case ApplyPatchApprovalRequest:
		return ApprovalPatch, true
	default:
		return 0, false
	}
}

// Decision is the user's answer to an approval request.
type Decision int

const (
	Approved Decision = iota + 1
	ApprovedForSession
	Denied
	Abort
)

func (d Decision) String() string {
	switch d {
	case Approved:
		return "approved"
	case ApprovedForSession:
		return "approved_for_session"
	case Denied:
		return "denied"
	case Abort:
		return "abort"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

func (d Decision) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// SessionDefaults is captured once when a session starts and sent with
// every turn. It is passed by value; nothing mutates it after capture.
type SessionDefaults struct {
	Cwd              string `json:"cwd"`
	ApprovalPolicy   string `json:"approval_policy"`
	SandboxPolicy    string `json:"sandbox_policy"`
	Model            string `json:"model"`
	ReasoningEffort  string `json:"reasoning_effort,omitempty"`
	ReasoningSummary string `json:"reasoning_summary,omitempty"`
}

// Op is the closed set of operations a conversation accepts.
type Op interface {
	op()
}

type UserInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextInput wraps plain user text as a single input item.
func TextInput(text string) []UserInput {
	return []UserInput{{Type: "text", Text: text}}
}

type UserTurn struct {
	Items    []UserInput
	Defaults SessionDefaults
}

type ExecApproval struct {
	ID       string
	Decision Decision
}

type PatchApproval struct {
	ID       string
	Decision Decision
}

type Interrupt struct{}

type Shutdown struct{}

func (UserTurn) op()      {}
func (ExecApproval) op()  {}
func (PatchApproval) op() {}
func (Interrupt) op()     {}
func (Shutdown) op()      {}
