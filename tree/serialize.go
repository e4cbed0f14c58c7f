package tree

import "encoding/json"

// Snapshot is the serialized form of a Tree (spec §6 "Persisted state"):
// the node map, the pending queue, and the current node pointer.
// current_task_handle is never serialized.
type Snapshot struct {
	Nodes         map[string]*Node `json:"nodes"`
	Queue         []string         `json:"queue"`
	CurrentNodeID string           `json:"current_node_id,omitempty"`
}

// ToDict serializes t. The returned Nodes are defensive copies.
func (t *Tree) ToDict() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	nodes := make(map[string]*Node, len(t.nodes))
	for id, n := range t.nodes {
		nodes[id] = n.clone()
	}
	return Snapshot{
		Nodes:         nodes,
		Queue:         append([]string(nil), t.queue...),
		CurrentNodeID: t.currentNodeID,
	}
}

// FromDict reconstructs a Tree from a Snapshot. current_task_handle is
// never restored: any node left IN_PROGRESS or PENDING is stale and must
// be cleaned up by the caller (manager.CleanupStaleNodes), per spec §4.9.
func FromDict(rootID string, snap Snapshot) *Tree {
	t := &Tree{
		RootID:        rootID,
		nodes:         make(map[string]*Node, len(snap.Nodes)),
		queue:         append([]string(nil), snap.Queue...),
		currentNodeID: snap.CurrentNodeID,
	}
	for id, n := range snap.Nodes {
		t.nodes[id] = n.clone()
	}
	return t
}

// MarshalJSON lets a Tree be embedded directly in a larger persisted
// document as its Snapshot form.
func (t *Tree) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.ToDict())
}
