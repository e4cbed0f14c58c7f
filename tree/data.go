// Package tree implements the conversation-tree queue manager (spec §3,
// §4.7-§4.10): a per-root serial processor that accepts reply-threaded
// messages, serializes work within a tree, supports cancellation at
// node/branch/tree granularity, and reports lifecycle events.
//
// A Tree owns its nodes and is the only serializer of its own work; the
// repository (repository.go) is a thin id index; the processor
// (processor.go) is the only component that starts upstream work; the
// Manager (manager.go) is the facade callers drive. Parent/child links are
// by id, never by pointer, so every traversal goes through the owning tree.
package tree

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is a MessageNode's position in its state machine. Transitions are
// monotone along PENDING -> IN_PROGRESS -> {COMPLETED, ERROR}; ERROR and
// COMPLETED are both terminal.
type State int

const (
	Pending State = iota
	InProgress
	Completed
	Error
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case InProgress:
		return "IN_PROGRESS"
	case Completed:
		return "COMPLETED"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is a state a node never leaves.
func (s State) Terminal() bool { return s == Completed || s == Error }

// MarshalJSON renders a State as its wire name so persisted trees read as
// spec §6 describes them.
func (s State) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "PENDING":
		*s = Pending
	case "IN_PROGRESS":
		*s = InProgress
	case "COMPLETED":
		*s = Completed
	case "ERROR":
		*s = Error
	default:
		return fmt.Errorf("tree: unknown node state %q", name)
	}
	return nil
}

// validTransition reports whether the state machine permits moving from
// `from` to `to`.
func validTransition(from, to State) bool {
	if from == to {
		return true
	}
	switch from {
	case Pending:
		return to == InProgress || to == Error
	case InProgress:
		return to == Completed || to == Error
	default:
		return false
	}
}

// Node is one message in a conversation tree (spec §3's MessageNode).
// Incoming is left as a raw JSON payload rather than a concrete struct so
// this package carries no dependency on the wire shape a particular
// messaging front-end uses.
type Node struct {
	ID              string          `json:"node_id"`
	Incoming        json.RawMessage `json:"incoming,omitempty"`
	StatusMessageID string          `json:"status_message_id,omitempty"`
	State           State           `json:"state"`
	ParentID        string          `json:"parent_id,omitempty"`
	ChildrenIDs     []string        `json:"children_ids"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
}

func newNode(id string, incoming json.RawMessage, statusMessageID, parentID string) *Node {
	return &Node{
		ID:              id,
		Incoming:        incoming,
		StatusMessageID: statusMessageID,
		State:           Pending,
		ParentID:        parentID,
		ChildrenIDs:     nil,
		CreatedAt:       time.Now(),
	}
}

func (n *Node) clone() *Node {
	cp := *n
	cp.ChildrenIDs = append([]string(nil), n.ChildrenIDs...)
	return &cp
}
