package turn

import "helixrun/internal/protocol"

// PendingApproval is an approval request waiting for a decision.
type PendingApproval struct {
	ID      string
	Kind    protocol.ApprovalKind
	Request protocol.EventMsg
}

// ApprovalQueue holds outstanding approvals in arrival order. Decisions are
// always taken against the front. It is not safe for concurrent use.
type ApprovalQueue struct {
	items []PendingApproval
}

func (q *ApprovalQueue) Len() int {
	return len(q.items)
}

func (q *ApprovalQueue) PushBack(p PendingApproval) {
	q.items = append(q.items, p)
}

// PushFront puts p back at the head so it is answered next. Only a response
// that failed to parse is returned this way.
func (q *ApprovalQueue) PushFront(p PendingApproval) {
	q.items = append(q.items, PendingApproval{})
	copy(q.items[1:], q.items)
	q.items[0] = p
}

func (q *ApprovalQueue) PopFront() (PendingApproval, bool) {
	if len(q.items) == 0 {
		return PendingApproval{}, false
	}
	p := q.items[0]
	q.items[0] = PendingApproval{}
	q.items = q.items[1:]
	return p, true
}

// IDs returns the ids of the queued approvals, front first.
func (q *ApprovalQueue) IDs() []string {
	out := make([]string, len(q.items))
	for i, p := range q.items {
		out[i] = p.ID
	}
	return out
}
