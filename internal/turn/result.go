package turn

import (
	"helixrun/internal/events"
	"helixrun/internal/protocol"
)

const interruptedMessage = "Interrupted by user"

// Result accumulates everything observed during one turn.
type Result struct {
	Events       []events.ThreadEvent `json:"events"`
	FinalMessage *string              `json:"final_message"`
	Reasoning    []string             `json:"reasoning"`
	Usage        *protocol.Usage      `json:"usage"`
	Errors       []string             `json:"errors"`

	completed bool
}

func NewResult() *Result {
	return &Result{
		Events:    []events.ThreadEvent{},
		Reasoning: []string{},
		Errors:    []string{},
	}
}

// Completed reports whether a turn completion or failure has been folded in,
// or the turn was interrupted.
func (r *Result) Completed() bool {
	return r.completed
}

// Append records evs in order and folds each into the result.
func (r *Result) Append(evs ...events.ThreadEvent) {
	for _, ev := range evs {
		r.Events = append(r.Events, ev)
		r.Apply(ev)
	}
}

// Apply folds a single event into the result without recording it.
func (r *Result) Apply(ev events.ThreadEvent) {
	switch e := ev.(type) {
	case events.TurnCompleted:
		usage := e.Usage
		r.Usage = &usage
		r.completed = true
	case events.TurnFailed:
		r.Errors = append(r.Errors, e.Error.Message)
		r.completed = true
	case events.Error:
		r.Errors = append(r.Errors, e.Message)
	case events.ItemCompleted:
		r.captureItem(e.Item)
	case events.ItemUpdated:
		r.captureItem(e.Item)
	}
}

func (r *Result) captureItem(item events.ThreadItem) {
	switch d := item.Details.(type) {
	case events.AgentMessageItem:
		text := d.Text
		r.FinalMessage = &text
	case events.ReasoningItem:
		r.Reasoning = append(r.Reasoning, d.Text)
	}
}

func (r *Result) interrupted() {
	r.Errors = append(r.Errors, interruptedMessage)
	r.completed = true
}
