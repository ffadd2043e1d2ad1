// Package events holds the consumer-facing thread event model and the
// processor that projects raw conversation events onto it.
package events

import (
	"encoding/json"

	"helixrun/internal/protocol"
)

const (
	TypeThreadStarted = "thread.started"
	TypeTurnStarted   = "turn.started"
	TypeTurnCompleted = "turn.completed"
	TypeTurnFailed    = "turn.failed"
	TypeItemStarted   = "item.started"
	TypeItemUpdated   = "item.updated"
	TypeItemCompleted = "item.completed"
	TypeError         = "error"
)

const (
	ItemAgentMessage     = "agent_message"
	ItemReasoning        = "reasoning"
	ItemCommandExecution = "command_execution"
	ItemFileChange       = "file_change"
)

const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ThreadEvent is the closed set of normalized events. Each one serializes
// as a flat JSON object tagged with "type".
type ThreadEvent interface {
	Type() string
	threadEvent()
}

type ThreadStarted struct {
	ThreadID string `json:"thread_id"`
}

type TurnStarted struct{}

type TurnCompleted struct {
	Usage protocol.Usage `json:"usage"`
}

type TurnFailed struct {
	Error ThreadError `json:"error"`
}

type ThreadError struct {
	Message string `json:"message"`
}

type ItemStarted struct {
	Item ThreadItem `json:"item"`
}

type ItemUpdated struct {
	Item ThreadItem `json:"item"`
}

type ItemCompleted struct {
	Item ThreadItem `json:"item"`
}

// Error is a non-fatal error notice; it does not end the turn.
type Error struct {
	Message string `json:"message"`
}

func (ThreadStarted) Type() string { return TypeThreadStarted }
func (TurnStarted) Type() string   { return TypeTurnStarted }
func (TurnCompleted) Type() string { return TypeTurnCompleted }
func (TurnFailed) Type() string    { return TypeTurnFailed }
func (ItemStarted) Type() string   { return TypeItemStarted }
func (ItemUpdated) Type() string   { return TypeItemUpdated }
func (ItemCompleted) Type() string { return TypeItemCompleted }
func (Error) Type() string         { return TypeError }

func (ThreadStarted) threadEvent() {}
func (TurnStarted) threadEvent()   {}
func (TurnCompleted) threadEvent() {}
func (TurnFailed) threadEvent()    {}
func (ItemStarted) threadEvent()   {}
func (ItemUpdated) threadEvent()   {}
func (ItemCompleted) threadEvent() {}
func (Error) threadEvent()         {}

func (e ThreadStarted) MarshalJSON() ([]byte, error) {
	type wire ThreadStarted
	return json.Marshal(struct {
		Type string `json:"type"`
		wire
	}{e.Type(), wire(e)})
}

func (e TurnStarted) MarshalJSON() ([]byte, error) {
	type wire TurnStarted
	return json.Marshal(struct {
		Type string `json:"type"`
		wire
	}{e.Type(), wire(e)})
}

func (e TurnCompleted) MarshalJSON() ([]byte, error) {
	type wire TurnCompleted
	return json.Marshal(struct {
		Type string `json:"type"`
		wire
	}{e.Type(), wire(e)})
}

func (e TurnFailed) MarshalJSON() ([]byte, error) {
	type wire TurnFailed
	return json.Marshal(struct {
		Type string `json:"type"`
		wire
	}{e.Type(), wire(e)})
}

func (e ItemStarted) MarshalJSON() ([]byte, error) {
	type wire ItemStarted
	return json.Marshal(struct {
		Type string `json:"type"`
		wire
	}{e.Type(), wire(e)})
}

func (e ItemUpdated) MarshalJSON() ([]byte, error) {
	type wire ItemUpdated
	return json.Marshal(struct {
		Type string `json:"type"`
		wire
	}{e.Type(), wire(e)})
}

func (e ItemCompleted) MarshalJSON() ([]byte, error) {
	type wire ItemCompleted
	return json.Marshal(struct {
		Type string `json:"type"`
		wire
	}{e.Type(), wire(e)})
}

func (e Error) MarshalJSON() ([]byte, error) {
	type wire Error
	return json.Marshal(struct {
		Type string `json:"type"`
		wire
	}{e.Type(), wire(e)})
}

// ThreadItem is a unit of work inside a turn. Its details are flattened
// next to the id when serialized.
type ThreadItem struct {
	ID      string
	Details ItemDetails
}

func (it ThreadItem) MarshalJSON() ([]byte, error) {
	id, err := json.Marshal(it.ID)
	if err != nil {
		return nil, err
	}
	if it.Details == nil {
		return append(append([]byte(`{"id":`), id...), '}'), nil
	}
	body, err := json.Marshal(it.Details)
	if err != nil {
		return nil, err
	}
	out := append([]byte(`{"id":`), id...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	return append(out, body[1:]...), nil
}

// ItemDetails is the closed set of item payloads.
type ItemDetails interface {
	Kind() string
	itemDetails()
}

type AgentMessageItem struct {
	Text string `json:"text"`
}

type ReasoningItem struct {
	Text string `json:"text"`
}

type CommandExecutionItem struct {
	Command          string `json:"command"`
	AggregatedOutput string `json:"aggregated_output"`
	ExitCode         *int   `json:"exit_code,omitempty"`
	Status           string `json:"status"`
}

type FileChangeItem struct {
	Changes []FileUpdate `json:"changes"`
	Status  string       `json:"status"`
}

type FileUpdate struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

func (AgentMessageItem) Kind() string     { return ItemAgentMessage }
func (ReasoningItem) Kind() string        { return ItemReasoning }
func (CommandExecutionItem) Kind() string { return ItemCommandExecution }
func (FileChangeItem) Kind() string       { return ItemFileChange }

func (AgentMessageItem) itemDetails()     {}
func (ReasoningItem) itemDetails()        {}
func (CommandExecutionItem) itemDetails() {}
func (FileChangeItem) itemDetails()       {}

func (d AgentMessageItem) MarshalJSON() ([]byte, error) {
	type wire AgentMessageItem
	return json.Marshal(struct {
		Type string `json:"type"`
		wire
	}{d.Kind(), wire(d)})
}

func (d ReasoningItem) MarshalJSON() ([]byte, error) {
	type wire ReasoningItem
	return json.Marshal(struct {
		Type string `json:"type"`
		wire
	}{d.Kind(), wire(d)})
}

func (d CommandExecutionItem) MarshalJSON() ([]byte, error) {
	type wire CommandExecutionItem
	return json.Marshal(struct {
		Type string `json:"type"`
		wire
	}{d.Kind(), wire(d)})
}

func (d FileChangeItem) MarshalJSON() ([]byte, error) {
	type wire FileChangeItem
	return json.Marshal(struct {
		Type string `json:"type"`
		wire
	}{d.Kind(), wire(d)})
}
