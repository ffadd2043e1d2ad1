package turn

import (
	"errors"
	"fmt"
	"strings"

	"helixrun/internal/protocol"
)

// ErrInvalidDecision is returned for a response that names no decision.
var ErrInvalidDecision = errors.New("invalid approval response")

// DecisionKeywords lists the canonical response for each decision.
const DecisionKeywords = "approve | approve_session | deny | abort"

// ParseDecision maps a free-text approval response to a decision. Matching
// ignores case and surrounding whitespace.
func ParseDecision(input string) (protocol.Decision, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "approve", "y", "yes":
		return protocol.Approved, nil
	case "approve_session", "session", "always":
		return protocol.ApprovedForSession, nil
	case "deny", "n", "no":
		return protocol.Denied, nil
	case "abort", "stop":
		return protocol.Abort, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidDecision, input)
	}
}
