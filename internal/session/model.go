package session

import "errors"

var (
	// ErrClosed is returned by operations on a conversation whose
	// app-server connection has ended.
	ErrClosed = errors.New("conversation closed")
	// ErrUnknownRequest is returned when a decision names no pending
	// approval request.
	ErrUnknownRequest = errors.New("unknown approval request")
)

const codeClientClosed = -1

// Methods the app-server exposes to clients.
const (
	methodInitialize    = "initialize"
	methodInitialized   = "initialized"
	methodThreadStart   = "thread/start"
	methodThreadResume  = "thread/resume"
	methodTurnStart     = "turn/start"
	methodTurnInterrupt = "turn/interrupt"
)

// Notifications and server requests the app-server sends.
const (
	notifySessionConfigured = "sessionConfigured"
	notifyTurnStarted       = "turn/started"
	notifyTurnCompleted     = "turn/completed"
	notifyItemStarted       = "item/started"
	notifyItemCompleted     = "item/completed"
	notifyAgentMessageDelta = "item/agentMessage/delta"
	notifyTokenUsage        = "thread/tokenUsage/updated"
	notifyError             = "error"

	requestCommandApproval    = "item/commandExecution/requestApproval"
	requestFileChangeApproval = "item/fileChange/requestApproval"
	requestExecApprovalV1     = "execCommandApproval"
	requestPatchApprovalV1    = "applyPatchApproval"
)

// Item types carried by item notifications.
const (
	itemAgentMessage     = "agentMessage"
	itemReasoning        = "reasoning"
	itemCommandExecution = "commandExecution"
	itemFileChange       = "fileChange"
)

// Turn statuses reported by turn/completed.
const (
	turnCompleted   = "completed"
	turnFailed      = "failed"
	turnInterrupted = "interrupted"
)
