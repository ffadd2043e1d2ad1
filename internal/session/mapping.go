package session

import (
	"sort"
	"strings"

	"helixrun/internal/protocol"
)

func (c *Conversation) mapNotification(method string, params map[string]any) []protocol.EventMsg {
	switch method {
	case notifySessionConfigured:
		return []protocol.EventMsg{protocol.SessionConfigured{
			SessionID:   firstString(params, "sessionId", "session_id"),
			Model:       str(params["model"]),
			Cwd:         str(params["cwd"]),
			RolloutPath: firstString(params, "rolloutPath", "rollout_path"),
		}}
	case notifyTurnStarted:
		turnID := str(lookup(params, "turn", "id"))
		c.mu.Lock()
		c.activeTurnID = turnID
		c.turnErrored = false
		c.lastAgentMessage = ""
		c.mu.Unlock()
		return []protocol.EventMsg{protocol.TaskStarted{TurnID: turnID}}
	case notifyTurnCompleted:
		return c.completeTurn(params)
	case notifyItemStarted:
		return c.itemStarted(params)
	case notifyItemCompleted:
		return c.itemCompleted(params)
	case notifyAgentMessageDelta:
		return []protocol.EventMsg{protocol.AgentMessageDelta{
			ItemID: str(params["itemId"]),
			Delta:  str(params["delta"]),
		}}
	case notifyTokenUsage:
		usage, ok := tokenUsage(params)
		if !ok {
			return nil
		}
		return []protocol.EventMsg{protocol.TokenCount{Usage: usage}}
	case notifyError:
		msg := str(lookup(params, "error", "message"))
		if msg == "" {
			msg = str(params["message"])
		}
		if retrying, _ := params["willRetry"].(bool); retrying {
			return []protocol.EventMsg{protocol.StreamError{Message: msg}}
		}
		c.mu.Lock()
		c.turnErrored = true
		c.mu.Unlock()
		return []protocol.EventMsg{protocol.Error{Message: msg}}
	default:
		return []protocol.EventMsg{protocol.Other{Method: method, Params: params}}
	}
}

func (c *Conversation) completeTurn(params map[string]any) []protocol.EventMsg {
	turn, _ := params["turn"].(map[string]any)
	turnID := str(turn["id"])
	status := str(turn["status"])

	c.mu.Lock()
	if c.activeTurnID == turnID || turnID == "" {
		c.activeTurnID = ""
	}
	c.lastTurnID = turnID
	errored := c.turnErrored
	c.turnErrored = false
	last := c.lastAgentMessage
	c.mu.Unlock()

	switch status {
	case turnInterrupted:
		return []protocol.EventMsg{protocol.TurnAborted{TurnID: turnID, Reason: turnInterrupted}}
	case turnFailed:
		var out []protocol.EventMsg
		if !errored {
			msg := str(lookup(turn, "error", "message"))
			if msg == "" {
				msg = "turn failed"
			}
			out = append(out, protocol.Error{Message: msg})
		}
		return append(out, protocol.TaskComplete{TurnID: turnID})
	default:
		return []protocol.EventMsg{protocol.TaskComplete{TurnID: turnID, LastAgentMessage: last}}
	}
}

func (c *Conversation) itemStarted(params map[string]any) []protocol.EventMsg {
	item, _ := params["item"].(map[string]any)
	id := str(item["id"])
	switch str(item["type"]) {
	case itemCommandExecution:
		return []protocol.EventMsg{protocol.ExecCommandBegin{
			CallID:  id,
			Command: commandArgv(item["command"]),
			Cwd:     str(item["cwd"]),
		}}
	case itemFileChange:
		c.mu.Lock()
		c.fileChanges[id] = parseChanges(item["changes"])
		c.mu.Unlock()
	}
	return []protocol.EventMsg{protocol.Other{Method: notifyItemStarted, Params: params}}
}

func (c *Conversation) itemCompleted(params map[string]any) []protocol.EventMsg {
	item, _ := params["item"].(map[string]any)
	id := str(item["id"])
	switch str(item["type"]) {
	case itemAgentMessage:
		text := str(item["text"])
		c.mu.Lock()
		c.lastAgentMessage = text
		c.mu.Unlock()
		return []protocol.EventMsg{protocol.AgentMessage{ItemID: id, Text: text}}
	case itemReasoning:
		text := joinStrings(item["summary"])
		if text == "" {
			text = joinStrings(item["content"])
		}
		if text == "" {
			return nil
		}
		return []protocol.EventMsg{protocol.AgentReasoning{ItemID: id, Text: text}}
	case itemCommandExecution:
		return []protocol.EventMsg{protocol.ExecCommandEnd{
			CallID:           id,
			Command:          commandArgv(item["command"]),
			AggregatedOutput: str(item["aggregatedOutput"]),
			ExitCode:         intPtr(item["exitCode"]),
			Status:           str(item["status"]),
		}}
	case itemFileChange:
		c.mu.Lock()
		delete(c.fileChanges, id)
		c.mu.Unlock()
		return []protocol.EventMsg{protocol.PatchApplyEnd{
			CallID:  id,
			Changes: parseChanges(item["changes"]),
			Success: str(item["status"]) == turnCompleted,
		}}
	default:
		return []protocol.EventMsg{protocol.Other{Method: notifyItemCompleted, Params: params}}
	}
}

func (c *Conversation) mapRequest(method string, params map[string]any) (protocol.EventMsg, protocol.ApprovalKind, bool) {
	switch method {
	case requestCommandApproval:
		return protocol.ExecApprovalRequest{
			CallID:  str(params["itemId"]),
			TurnID:  str(params["turnId"]),
			Command: commandArgv(params["command"]),
			Cwd:     str(params["cwd"]),
			Reason:  str(params["reason"]),
			Risk:    parseRisk(params["risk"]),
		}, protocol.ApprovalExec, true
	case requestFileChangeApproval:
		itemID := str(params["itemId"])
		c.mu.Lock()
		changes := c.fileChanges[itemID]
		c.mu.Unlock()
		return protocol.ApplyPatchApprovalRequest{
			CallID:    itemID,
			TurnID:    str(params["turnId"]),
			Changes:   changes,
			Reason:    str(params["reason"]),
			GrantRoot: str(params["grantRoot"]),
		}, protocol.ApprovalPatch, true
	case requestExecApprovalV1:
		return protocol.ExecApprovalRequest{
			CallID:  str(params["callId"]),
			Command: commandArgv(params["command"]),
			Cwd:     str(params["cwd"]),
			Reason:  str(params["reason"]),
			Risk:    parseRisk(params["risk"]),
		}, protocol.ApprovalExec, true
	case requestPatchApprovalV1:
		return protocol.ApplyPatchApprovalRequest{
			CallID:    str(params["callId"]),
			Changes:   parseChanges(params["fileChanges"]),
			Reason:    str(params["reason"]),
			GrantRoot: str(params["grantRoot"]),
		}, protocol.ApprovalPatch, true
	default:
		return nil, 0, false
	}
}

func tokenUsage(params map[string]any) (protocol.Usage, bool) {
	info, _ := params["tokenUsage"].(map[string]any)
	breakdown, ok := info["total"].(map[string]any)
	if !ok {
		breakdown, ok = info["last"].(map[string]any)
	}
	if !ok {
		return protocol.Usage{}, false
	}
	return protocol.Usage{
		InputTokens:       int64Of(breakdown["inputTokens"]),
		CachedInputTokens: int64Of(breakdown["cachedInputTokens"]),
		OutputTokens:      int64Of(breakdown["outputTokens"]),
	}, true
}

// parseChanges accepts both the list form ({path, kind, diff}) and the
// legacy map form keyed by path with a single add/delete/update entry.
func parseChanges(v any) map[string]protocol.FileChange {
	out := map[string]protocol.FileChange{}
	switch changes := v.(type) {
	case []any:
		for _, raw := range changes {
			ch, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			path := str(ch["path"])
			if path == "" {
				continue
			}
			kind := str(ch["kind"])
			if kind == "" {
				kind = str(lookup(ch, "kind", "type"))
			}
			out[path] = protocol.FileChange{Kind: kind, Diff: str(ch["diff"])}
		}
	case map[string]any:
		for path, raw := range changes {
			ch, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			kinds := make([]string, 0, len(ch))
			for k := range ch {
				kinds = append(kinds, k)
			}
			sort.Strings(kinds)
			fc := protocol.FileChange{}
			if len(kinds) > 0 {
				fc.Kind = kinds[0]
				body, _ := ch[fc.Kind].(map[string]any)
				fc.Diff = firstString(body, "unified_diff", "content")
			}
			out[path] = fc
		}
	}
	return out
}

func parseRisk(v any) *protocol.RiskAssessment {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return &protocol.RiskAssessment{
		Description: str(m["description"]),
		RiskLevel:   firstString(m, "riskLevel", "risk_level"),
	}
}

func commandArgv(v any) []string {
	switch cmd := v.(type) {
	case string:
		if cmd == "" {
			return nil
		}
		return []string{cmd}
	case []any:
		out := make([]string, 0, len(cmd))
		for _, part := range cmd {
			if s, ok := part.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func joinStrings(v any) string {
	parts, ok := v.([]any)
	if !ok {
		return str(v)
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := str(p)
		if s == "" {
			s = str(lookup(asMap(p), "text"))
		}
		if s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "\n")
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := str(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func int64Of(v any) int64 {
	f, _ := v.(float64)
	return int64(f)
}

func intPtr(v any) *int {
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	n := int(f)
	return &n
}
