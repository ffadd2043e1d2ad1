package turn

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"helixrun/internal/protocol"

	"github.com/fatih/color"
)

const invalidResponseHint = "invalid approval response, expected one of: approve, approve_session, deny, abort"

var (
	approvalColor = color.New(color.FgYellow, color.Bold)
	hintColor     = color.New(color.FgRed)
)

// Output writes machine-readable lines to Stdout and human diagnostics to
// Stderr.
type Output struct {
	Stdout io.Writer
	Stderr io.Writer
}

// JSON writes v as one line.
func (o *Output) JSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = o.Stdout.Write(b)
	return err
}

type execApprovalNotice struct {
	Type    string                   `json:"type"`
	ID      string                   `json:"id"`
	Kind    string                   `json:"kind"`
	Command []string                 `json:"command"`
	Cwd     string                   `json:"cwd"`
	Reason  *string                  `json:"reason"`
	Risk    *protocol.RiskAssessment `json:"risk"`
}

type patchApprovalNotice struct {
	Type      string   `json:"type"`
	ID        string   `json:"id"`
	Kind      string   `json:"kind"`
	Reason    *string  `json:"reason"`
	GrantRoot *string  `json:"grant_root"`
	Files     []string `json:"files"`
}

// AnnounceApproval emits the approval.request line and the human prompt.
func (o *Output) AnnounceApproval(id string, msg protocol.EventMsg) error {
	switch req := msg.(type) {
	case protocol.ExecApprovalRequest:
		command := req.Command
		if command == nil {
			command = []string{}
		}
		if err := o.JSON(execApprovalNotice{
			Type:    "approval.request",
			ID:      id,
			Kind:    protocol.ApprovalExec.String(),
			Command: command,
			Cwd:     req.Cwd,
			Reason:  optional(req.Reason),
			Risk:    req.Risk,
		}); err != nil {
			return err
		}
		risk := "none"
		if req.Risk != nil {
			risk = req.Risk.RiskLevel
		}
		approvalColor.Fprintf(o.Stderr, "APPROVAL REQUEST %s: command=%q cwd=%s reason=%q risk=%s\n",
			id, strings.Join(req.Command, " "), req.Cwd, req.Reason, risk)
	case protocol.ApplyPatchApprovalRequest:
		files := make([]string, 0, len(req.Changes))
		for path := range req.Changes {
			files = append(files, path)
		}
		sort.Strings(files)
		if err := o.JSON(patchApprovalNotice{
			Type:      "approval.request",
			ID:        id,
			Kind:      protocol.ApprovalPatch.String(),
			Reason:    optional(req.Reason),
			GrantRoot: optional(req.GrantRoot),
			Files:     files,
		}); err != nil {
			return err
		}
		approvalColor.Fprintf(o.Stderr, "PATCH APPROVAL %s: files=%d reason=%q grant_root=%q\n",
			id, len(files), req.Reason, req.GrantRoot)
	default:
		return nil
	}
	fmt.Fprintf(o.Stderr, "Respond with: %s\n", DecisionKeywords)
	return nil
}

// InvalidResponse tells the user the last line named no decision.
func (o *Output) InvalidResponse() {
	hintColor.Fprintln(o.Stderr, invalidResponseHint)
}

// Prompt writes an input prompt without a trailing newline.
func (o *Output) Prompt(text string) {
	fmt.Fprint(o.Stderr, text)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
