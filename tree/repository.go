package tree

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Repository is the Tree Repository (spec §4.8): a thin index over many
// trees. It holds root->Tree and node_to_tree maps; it never mutates a
// tree's own nodes directly, and its mutex is never held across an
// upstream I/O call.
type Repository struct {
	mu         sync.Mutex
	trees      map[string]*Tree
	nodeToTree map[string]string
}

// NewRepository creates an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		trees:      make(map[string]*Tree),
		nodeToTree: make(map[string]string),
	}
}

// CreateTree creates a fresh Tree rooted at rootID and registers it, along
// with its root node, in the repository.
func (r *Repository) CreateTree(rootID string, incoming []byte, statusMessageID string) (*Tree, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.trees[rootID]; exists {
		return nil, fmt.Errorf("tree: root %q already registered", rootID)
	}
	t := New(rootID, incoming, statusMessageID)
	r.trees[rootID] = t
	r.registerNodeLocked(rootID, rootID)
	if statusMessageID != "" {
		r.registerNodeLocked(statusMessageID, rootID)
	}
	return t, nil
}

// RegisterNode records that nodeID (and, if set, its status message id)
// belongs to rootID's tree. Called both on root creation and on every
// subsequent AddNode, so replies to the bot's status message resolve back
// to the owning tree.
func (r *Repository) RegisterNode(nodeID, statusMessageID, rootID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerNodeLocked(nodeID, rootID)
	if statusMessageID != "" {
		r.registerNodeLocked(statusMessageID, rootID)
	}
}

func (r *Repository) registerNodeLocked(id, rootID string) {
	r.nodeToTree[id] = rootID
}

// Tree returns the tree rooted at rootID.
func (r *Repository) Tree(rootID string) (*Tree, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trees[rootID]
	return t, ok
}

// TreeForNode returns the tree owning nodeID, following node_to_tree.
func (r *Repository) TreeForNode(nodeID string) (*Tree, bool) {
	r.mu.Lock()
	rootID, ok := r.nodeToTree[nodeID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return r.Tree(rootID)
}

// ResolveParentNodeID returns a real node id given either a node id or a
// status-message id, searching the owning tree via FindNodeByStatusMessage
// when anyID isn't already a registered node id.
func (r *Repository) ResolveParentNodeID(anyID string) (string, bool) {
	t, ok := r.TreeForNode(anyID)
	if !ok {
		return "", false
	}
	if t.HasNode(anyID) {
		return anyID, true
	}
	if n, ok := t.FindNodeByStatusMessage(anyID); ok {
		return n.ID, true
	}
	return "", false
}

// RemoveTree removes root's tree and every node_to_tree entry belonging to
// it in one pass.
func (r *Repository) RemoveTree(rootID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.trees[rootID]; !ok {
		return
	}
	for id, owner := range r.nodeToTree {
		if owner == rootID {
			delete(r.nodeToTree, id)
		}
	}
	delete(r.trees, rootID)
}

// UnregisterNodes removes the given node ids from node_to_tree, used after
// a branch detach to drop the now-orphaned entries without touching the
// rest of the owning tree.
func (r *Repository) UnregisterNodes(nodeIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range nodeIDs {
		delete(r.nodeToTree, id)
	}
}

// Trees returns every registered root id, in no particular order.
func (r *Repository) Trees() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.trees))
	for id := range r.trees {
		out = append(out, id)
	}
	return out
}

// PersistedState is the root document spec §6 describes for best-effort
// conversation persistence: `{trees:{...}, node_to_tree:{...}}`.
type PersistedState struct {
	Trees      map[string]Snapshot `json:"trees"`
	NodeToTree map[string]string   `json:"node_to_tree"`
}

// ToDict serializes every tree in the repository plus the node_to_tree
// index.
func (r *Repository) ToDict() PersistedState {
	r.mu.Lock()
	roots := make([]string, 0, len(r.trees))
	for id := range r.trees {
		roots = append(roots, id)
	}
	nodeToTree := make(map[string]string, len(r.nodeToTree))
	for k, v := range r.nodeToTree {
		nodeToTree[k] = v
	}
	r.mu.Unlock()

	trees := make(map[string]Snapshot, len(roots))
	for _, id := range roots {
		t, ok := r.Tree(id)
		if !ok {
			continue
		}
		trees[id] = t.ToDict()
	}
	return PersistedState{Trees: trees, NodeToTree: nodeToTree}
}

// FromDict replaces the repository's contents with a deserialized
// PersistedState. Callers must invoke a stale-node cleanup pass afterward
// (manager.CleanupStaleNodes), since current_task_handle is never
// persisted and any PENDING/IN_PROGRESS node survived an unclean shutdown.
func (r *Repository) FromDict(state PersistedState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.trees = make(map[string]*Tree, len(state.Trees))
	for rootID, snap := range state.Trees {
		r.trees[rootID] = FromDict(rootID, snap)
	}
	r.nodeToTree = make(map[string]string, len(state.NodeToTree))
	for k, v := range state.NodeToTree {
		r.nodeToTree[k] = v
	}
}

// MarshalJSON lets a Repository be persisted directly as its PersistedState
// form.
func (r *Repository) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.ToDict())
}
