package events

import (
	"fmt"
	"sort"
	"strings"

	"helixrun/internal/protocol"
)

// Processor turns raw conversation events into thread events. It keeps the
// little state needed across events of a session: item numbering, commands
// still running, the most recent token usage and whether the current turn
// has seen a fatal error.
type Processor struct {
	nextItem      int
	running       map[string]runningCommand
	lastUsage     protocol.Usage
	criticalError string
}

type runningCommand struct {
	itemID  string
	command string
}

func NewProcessor() *Processor {
	return &Processor{running: map[string]runningCommand{}}
}

// Collect returns the thread events for ev, possibly none.
func (p *Processor) Collect(ev protocol.Event) []ThreadEvent {
	switch msg := ev.Msg.(type) {
	case protocol.SessionConfigured:
		return []ThreadEvent{ThreadStarted{ThreadID: msg.SessionID}}
	case protocol.TaskStarted:
		p.criticalError = ""
		return []ThreadEvent{TurnStarted{}}
	case protocol.TaskComplete:
		return []ThreadEvent{p.finishTurn()}
	case protocol.AgentMessage:
		return []ThreadEvent{ItemCompleted{Item: p.newItem(AgentMessageItem{Text: msg.Text})}}
	case protocol.AgentReasoning:
		return []ThreadEvent{ItemCompleted{Item: p.newItem(ReasoningItem{Text: msg.Text})}}
	case protocol.ExecCommandBegin:
		cmd := joinCommand(msg.Command)
		item := p.newItem(CommandExecutionItem{Command: cmd, Status: StatusInProgress})
		p.running[msg.CallID] = runningCommand{itemID: item.ID, command: cmd}
		return []ThreadEvent{ItemStarted{Item: item}}
	case protocol.ExecCommandEnd:
		return []ThreadEvent{ItemCompleted{Item: p.endCommand(msg)}}
	case protocol.PatchApplyEnd:
		status := StatusCompleted
		if !msg.Success {
			status = StatusFailed
		}
		return []ThreadEvent{ItemCompleted{Item: p.newItem(FileChangeItem{
			Changes: fileUpdates(msg.Changes),
			Status:  status,
		})}}
	case protocol.TokenCount:
		p.lastUsage = msg.Usage
		return nil
	case protocol.Error:
		p.criticalError = msg.Message
		return []ThreadEvent{Error{Message: msg.Message}}
	case protocol.StreamError:
		return []ThreadEvent{Error{Message: msg.Message}}
	case protocol.TurnAborted,
		protocol.AgentMessageDelta,
		protocol.ExecApprovalRequest,
		protocol.ApplyPatchApprovalRequest,
		protocol.Other:
		return nil
	default:
		return nil
	}
}

func (p *Processor) finishTurn() ThreadEvent {
	if p.criticalError != "" {
		msg := p.criticalError
		p.criticalError = ""
		return TurnFailed{Error: ThreadError{Message: msg}}
	}
	usage := p.lastUsage
	p.lastUsage = protocol.Usage{}
	return TurnCompleted{Usage: usage}
}

func (p *Processor) endCommand(msg protocol.ExecCommandEnd) ThreadItem {
	status := StatusCompleted
	if msg.Status == StatusFailed || (msg.ExitCode != nil && *msg.ExitCode != 0) {
		status = StatusFailed
	}
	details := CommandExecutionItem{
		Command:          joinCommand(msg.Command),
		AggregatedOutput: msg.AggregatedOutput,
		ExitCode:         msg.ExitCode,
		Status:           status,
	}
	run, ok := p.running[msg.CallID]
	if !ok {
		return p.newItem(details)
	}
	delete(p.running, msg.CallID)
	if details.Command == "" {
		details.Command = run.command
	}
	return ThreadItem{ID: run.itemID, Details: details}
}

func (p *Processor) newItem(details ItemDetails) ThreadItem {
	id := fmt.Sprintf("item_%d", p.nextItem)
	p.nextItem++
	return ThreadItem{ID: id, Details: details}
}

func joinCommand(argv []string) string {
	return strings.Join(argv, " ")
}

func fileUpdates(changes map[string]protocol.FileChange) []FileUpdate {
	out := make([]FileUpdate, 0, len(changes))
	for path, ch := range changes {
		out = append(out, FileUpdate{Path: path, Kind: ch.Kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
