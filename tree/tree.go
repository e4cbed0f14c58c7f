package tree

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CancelFunc is the opaque cancel token spec §3 calls current_task_handle.
// It is never serialized (spec §6).
type CancelFunc = context.CancelFunc

// Tree is a MessageTree (spec §3): the node map, FIFO pending queue, and
// current-processing pointer for one root, guarded by a single mutex that
// is never held across upstream I/O. At most one node is IN_PROGRESS per
// tree; the tree is the only serializer of its own nodes.
type Tree struct {
	RootID string

	mu            sync.Mutex
	nodes         map[string]*Node
	queue         []string
	currentNodeID string
	currentCancel CancelFunc
	isProcessing  bool
}

// New creates a Tree whose root node is already registered as node rootID.
func New(rootID string, incoming []byte, statusMessageID string) *Tree {
	t := &Tree{RootID: rootID, nodes: make(map[string]*Node)}
	t.nodes[rootID] = newNode(rootID, incoming, statusMessageID, "")
	return t
}

// AddNode registers a new node as a child of parentID, which must already
// exist. The node starts PENDING.
func (t *Tree) AddNode(nodeID string, incoming []byte, statusMessageID, parentID string) (*Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.nodes[nodeID]; exists {
		return nil, fmt.Errorf("tree: node %q already exists", nodeID)
	}
	parent, ok := t.nodes[parentID]
	if !ok {
		return nil, fmt.Errorf("tree: parent node %q not found", parentID)
	}

	node := newNode(nodeID, incoming, statusMessageID, parentID)
	t.nodes[nodeID] = node
	parent.ChildrenIDs = append(parent.ChildrenIDs, nodeID)
	return node.clone(), nil
}

// UpdateState applies a monotone state transition to nodeID. errorMessage
// is recorded only when transitioning into Error.
func (t *Tree) UpdateState(nodeID string, state State, errorMessage string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updateStateLocked(nodeID, state, errorMessage)
}

func (t *Tree) updateStateLocked(nodeID string, state State, errorMessage string) error {
	node, ok := t.nodes[nodeID]
	if !ok {
		return fmt.Errorf("tree: node %q not found", nodeID)
	}
	if node.State.Terminal() && node.State == state {
		// Repeated cancels/errors against an already-terminal node are
		// no-ops: the first transition's message and timestamp stand.
		return nil
	}
	if !validTransition(node.State, state) {
		return fmt.Errorf("tree: invalid transition %s -> %s for node %q", node.State, state, nodeID)
	}
	node.State = state
	if state == Error {
		node.ErrorMessage = errorMessage
	}
	if state.Terminal() {
		now := time.Now()
		node.CompletedAt = &now
	}
	return nil
}

// EnqueuePending pushes nodeID onto the FIFO queue of work awaiting the
// tree's serial processor.
func (t *Tree) EnqueuePending(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = append(t.queue, nodeID)
}

// DequeueNext pops the head of the queue, marks it IN_PROGRESS, and sets it
// as the current node. It reports false if the queue was empty.
func (t *Tree) DequeueNext() (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return nil, false
	}
	nodeID := t.queue[0]
	t.queue = t.queue[1:]

	if err := t.updateStateLocked(nodeID, InProgress, ""); err != nil {
		// A node reaching the queue is always PENDING; this would only
		// fire on a corrupted tree, which the caller cannot recover from
		// mid-drain either way.
		return nil, false
	}
	t.currentNodeID = nodeID
	return t.nodes[nodeID].clone(), true
}

// QueueLen reports how many nodes are waiting behind the current one.
func (t *Tree) QueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// SetCurrentTask records the cancel token for the node currently IN_PROGRESS.
func (t *Tree) SetCurrentTask(cancel CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentCancel = cancel
}

// ClearCurrentTask drops the current cancel token and current node pointer.
func (t *Tree) ClearCurrentTask() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentCancel = nil
	t.currentNodeID = ""
}

// CancelCurrentTask cancels the running task's context, if any, and reports
// whether one existed. Idempotent: calling it again before a new task is
// set is a no-op returning false.
func (t *Tree) CancelCurrentTask() bool {
	t.mu.Lock()
	cancel := t.currentCancel
	t.currentCancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// DrainQueueAndMarkCancelled pops every queued node, marks each ERROR
// "Cancelled by user", and returns their ids.
func (t *Tree) DrainQueueAndMarkCancelled() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	drained := t.queue
	t.queue = nil
	for _, id := range drained {
		_ = t.updateStateLocked(id, Error, "Cancelled by user")
	}
	return drained
}

// SetProcessing records whether the tree's drain loop is running. While
// true, exactly one task handle is expected to be non-nil.
func (t *Tree) SetProcessing(processing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.isProcessing = processing
}

// IsProcessing reports whether the drain loop is currently running.
func (t *Tree) IsProcessing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isProcessing
}

// QueueEmpty reports whether the pending queue has no work.
func (t *Tree) QueueEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue) == 0
}

// IsCurrentNode reports whether id is the tree's IN_PROGRESS node.
func (t *Tree) IsCurrentNode(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentNodeID == id
}

// CurrentNodeID returns the IN_PROGRESS node id, or "" if none.
func (t *Tree) CurrentNodeID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentNodeID
}

// HasNode reports whether id is registered in this tree.
func (t *Tree) HasNode(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.nodes[id]
	return ok
}

// Node returns a defensive copy of the node with the given id.
func (t *Tree) Node(id string) (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil, false
	}
	return n.clone(), true
}

// RemoveFromQueue removes nodeID from the pending queue, if present,
// reporting whether it was found.
func (t *Tree) RemoveFromQueue(nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, id := range t.queue {
		if id == nodeID {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			return true
		}
	}
	return false
}

// GetDescendants returns every node id reachable from id, not including id
// itself, via a breadth-first walk of ChildrenIDs.
func (t *Tree) GetDescendants(id string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.descendantsLocked(id)
}

func (t *Tree) descendantsLocked(id string) []string {
	var out []string
	frontier := []string{id}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		node, ok := t.nodes[cur]
		if !ok {
			continue
		}
		for _, childID := range node.ChildrenIDs {
			out = append(out, childID)
			frontier = append(frontier, childID)
		}
	}
	return out
}

// FindNodeByStatusMessage returns the node whose StatusMessageID matches
// id, used to resolve a reply to the bot's placeholder message back to the
// real node it replaced.
func (t *Tree) FindNodeByStatusMessage(id string) (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range t.nodes {
		if n.StatusMessageID == id {
			return n.clone(), true
		}
	}
	return nil, false
}

// RemoveBranch detaches the subtree rooted at branchRootID from its
// parent's ChildrenIDs and returns every removed node id, branchRootID
// first, followed by its descendants in breadth-first (topological) order.
// branchRootID must not be the tree's own root.
func (t *Tree) RemoveBranch(branchRootID string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[branchRootID]
	if !ok {
		return nil, fmt.Errorf("tree: node %q not found", branchRootID)
	}
	if branchRootID == t.RootID {
		return nil, fmt.Errorf("tree: cannot remove the tree's own root as a branch")
	}

	removed := append([]string{branchRootID}, t.descendantsLocked(branchRootID)...)

	if parent, ok := t.nodes[node.ParentID]; ok {
		parent.ChildrenIDs = removeString(parent.ChildrenIDs, branchRootID)
	}

	for _, id := range removed {
		delete(t.nodes, id)
		t.queue = removeString(t.queue, id)
		if t.currentNodeID == id {
			t.currentNodeID = ""
			t.currentCancel = nil
		}
	}

	return removed, nil
}

// tryStartImmediately promotes nodeID straight to IN_PROGRESS and marks the
// tree processing, but only if the tree was idle (not processing and its
// queue empty). It reports whether the promotion happened.
func (t *Tree) tryStartImmediately(nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isProcessing || len(t.queue) > 0 {
		return false
	}
	if err := t.updateStateLocked(nodeID, InProgress, ""); err != nil {
		return false
	}
	t.currentNodeID = nodeID
	t.isProcessing = true
	return true
}

// PropagatePendingFailure marks every transitively-PENDING descendant of
// nodeID as ERROR "Parent failed: <message>", per spec §7/§4.9's
// mark_node_error. The walk stops descending at any child that is not
// PENDING: a child already IN_PROGRESS or terminal keeps its own outcome,
// and its own children are left alone. It returns the ids marked, in the
// order visited.
func (t *Tree) PropagatePendingFailure(nodeID, message string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var marked []string
	frontier := []string{nodeID}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		node, ok := t.nodes[cur]
		if !ok {
			continue
		}
		for _, childID := range node.ChildrenIDs {
			child, ok := t.nodes[childID]
			if !ok || child.State != Pending {
				continue
			}
			_ = t.updateStateLocked(childID, Error, "Parent failed: "+message)
			t.queue = removeString(t.queue, childID)
			marked = append(marked, childID)
			frontier = append(frontier, childID)
		}
	}
	return marked
}

// AllNodeIDs returns every node id currently registered in the tree, in no
// particular order.
func (t *Tree) AllNodeIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		out = append(out, id)
	}
	return out
}

func removeString(s []string, v string) []string {
	out := s[:0:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
