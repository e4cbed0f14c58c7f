package tree

import "fmt"

// Manager is the Tree Manager facade (spec §4.9/§4.10): it coordinates the
// Repository and Processor and implements the cancellation and
// error-propagation policies that span both.
type Manager struct {
	repo *Repository
	proc *Processor
}

// NewManager builds a Manager over repo and proc.
func NewManager(repo *Repository, proc *Processor) *Manager {
	return &Manager{repo: repo, proc: proc}
}

// StartTree creates a fresh tree rooted at rootID with incoming as its
// root node's payload, then submits the root's own job through the
// processor exactly like any other node.
func (m *Manager) StartTree(rootID string, incoming []byte, statusMessageID string, job Job) (queued bool, err error) {
	t, err := m.repo.CreateTree(rootID, incoming, statusMessageID)
	if err != nil {
		return false, err
	}
	return m.proc.EnqueueAndStart(t, rootID, job), nil
}

// Submit adds nodeID as a reply under parentAnyID (a node id or a status
// message id) and submits its job to the owning tree's processor.
// parentAnyID is resolved via the repository so replies to the bot's
// status message land under the right node.
func (m *Manager) Submit(parentAnyID, nodeID string, incoming []byte, statusMessageID string, job Job) (queued bool, err error) {
	t, ok := m.repo.TreeForNode(parentAnyID)
	if !ok {
		return false, fmt.Errorf("tree: no tree owns parent %q", parentAnyID)
	}
	parentID, ok := m.repo.ResolveParentNodeID(parentAnyID)
	if !ok {
		return false, fmt.Errorf("tree: could not resolve parent node for %q", parentAnyID)
	}

	if _, err := t.AddNode(nodeID, incoming, statusMessageID, parentID); err != nil {
		return false, err
	}
	m.repo.RegisterNode(nodeID, statusMessageID, t.RootID)

	return m.proc.EnqueueAndStart(t, nodeID, job), nil
}

// CancelTree implements spec §4.9's cancel_tree: cancel the running task
// if any and mark its node ERROR, drain the queue marking each node ERROR,
// then sweep every remaining PENDING/IN_PROGRESS node (stale leftovers) as
// ERROR "Stale task cleaned up", and reset the processing flag.
func (m *Manager) CancelTree(rootID string) error {
	t, ok := m.repo.Tree(rootID)
	if !ok {
		return fmt.Errorf("tree: root %q not found", rootID)
	}

	if current := t.CurrentNodeID(); current != "" {
		t.CancelCurrentTask()
		_ = t.UpdateState(current, Error, "Cancelled by user")
	}

	t.DrainQueueAndMarkCancelled()

	for _, id := range t.AllNodeIDs() {
		n, ok := t.Node(id)
		if !ok {
			continue
		}
		if n.State == Pending || n.State == InProgress {
			_ = t.UpdateState(id, Error, "Stale task cleaned up")
		}
	}

	t.SetProcessing(false)
	t.ClearCurrentTask()
	return nil
}

// CancelNode implements spec §4.9's cancel_node: a no-op on a terminal
// node; cancels the running task if nodeID is current; otherwise removes
// it from its tree's queue. Either way it ends ERROR "Cancelled by user".
func (m *Manager) CancelNode(nodeID string) error {
	t, ok := m.repo.TreeForNode(nodeID)
	if !ok {
		return fmt.Errorf("tree: no tree owns node %q", nodeID)
	}
	n, ok := t.Node(nodeID)
	if !ok {
		return fmt.Errorf("tree: node %q not found", nodeID)
	}
	if n.State.Terminal() {
		return nil
	}

	if t.IsCurrentNode(nodeID) {
		t.CancelCurrentTask()
	} else {
		t.RemoveFromQueue(nodeID)
	}
	return t.UpdateState(nodeID, Error, "Cancelled by user")
}

// CancelBranch implements spec §4.9's cancel_branch: for every descendant
// of branchRootID (inclusive) whose state is not terminal, cancel the
// current task if it is current, remove it from the queue otherwise, and
// mark it ERROR "Cancelled by user".
func (m *Manager) CancelBranch(branchRootID string) error {
	t, ok := m.repo.TreeForNode(branchRootID)
	if !ok {
		return fmt.Errorf("tree: no tree owns node %q", branchRootID)
	}

	ids := append([]string{branchRootID}, t.GetDescendants(branchRootID)...)
	for _, id := range ids {
		n, ok := t.Node(id)
		if !ok || n.State.Terminal() {
			continue
		}
		if t.IsCurrentNode(id) {
			t.CancelCurrentTask()
		} else {
			t.RemoveFromQueue(id)
		}
		_ = t.UpdateState(id, Error, "Cancelled by user")
	}
	return nil
}

// RemoveBranch implements spec §4.9's remove_branch. If branchRootID is
// the tree's own root it cancels and removes the whole tree; otherwise it
// detaches the subtree and unregisters the removed nodes from the
// repository. It returns the removed node ids, the owning root id, and
// whether the entire tree was removed.
func (m *Manager) RemoveBranch(branchRootID string) (removed []string, rootID string, removedEntireTree bool, err error) {
	t, ok := m.repo.TreeForNode(branchRootID)
	if !ok {
		return nil, "", false, fmt.Errorf("tree: no tree owns node %q", branchRootID)
	}
	rootID = t.RootID

	if branchRootID == rootID {
		if err := m.CancelTree(rootID); err != nil {
			return nil, rootID, false, err
		}
		removed = t.AllNodeIDs()
		m.repo.RemoveTree(rootID)
		return removed, rootID, true, nil
	}

	removed, err = t.RemoveBranch(branchRootID)
	if err != nil {
		return nil, rootID, false, err
	}
	m.repo.UnregisterNodes(removed)
	return removed, rootID, false, nil
}

// MarkNodeError marks nodeID ERROR with message and, if propagate is true,
// cascades "Parent failed: <message>" to every transitively-PENDING
// descendant (spec §4.9's mark_node_error).
func (m *Manager) MarkNodeError(nodeID, message string, propagate bool) error {
	t, ok := m.repo.TreeForNode(nodeID)
	if !ok {
		return fmt.Errorf("tree: no tree owns node %q", nodeID)
	}
	if err := t.UpdateState(nodeID, Error, message); err != nil {
		return err
	}
	if propagate {
		t.PropagatePendingFailure(nodeID, message)
	}
	return nil
}

// CleanupStaleNodes implements spec §4.9's cleanup_stale_nodes: intended
// to run once at startup after deserializing persisted trees, since
// current_task_handle is never persisted and any node left PENDING or
// IN_PROGRESS did not survive the restart that produced the snapshot.
func (m *Manager) CleanupStaleNodes() {
	for _, rootID := range m.repo.Trees() {
		t, ok := m.repo.Tree(rootID)
		if !ok {
			continue
		}
		for _, id := range t.AllNodeIDs() {
			n, ok := t.Node(id)
			if !ok {
				continue
			}
			if n.State == Pending || n.State == InProgress {
				_ = t.UpdateState(id, Error, "Lost during server restart")
			}
		}
		t.SetProcessing(false)
		t.ClearCurrentTask()
	}
}

// Repository exposes the underlying Repository for callers (e.g. the HTTP
// layer) that need read-only tree lookups the Manager doesn't wrap.
func (m *Manager) Repository() *Repository { return m.repo }
