package tree

import (
	"context"
	"fmt"
	"sync"
)

// Job is the unit of work the Processor awaits for one node — in practice
// a provider call. A non-nil error marks the node ERROR and is propagated
// as "Parent failed: ..." to any PENDING children (spec §7); ctx is
// cancelled when CancelCurrentTask runs against the node's tree while it
// is current.
type Job func(ctx context.Context, node *Node) error

// Callbacks are the seam a messaging front-end (or, here, the conversation
// package) attaches to. QueueUpdate and NodeStarted are spec §4.9's
// queue_update_callback/node_started_callback; OnNodeError and
// OnPropagated are additional hooks used for observability logging of the
// error-propagation path §7 assigns to the Processor.
type Callbacks struct {
	QueueUpdate  func(t *Tree)
	NodeStarted  func(t *Tree, nodeID string)
	OnNodeError  func(t *Tree, nodeID, message string)
	OnPropagated func(t *Tree, parentID, childID string)
}

// Processor is the Tree Processor (spec §4.9): the only component that
// starts upstream work. It drains one tree's FIFO queue strictly in
// arrival order and never runs two nodes of the same tree concurrently.
// A single Processor instance serves every tree in the system; nodes are
// addressed by their globally-unique platform message id.
type Processor struct {
	callbacks Callbacks

	jobsMu sync.Mutex
	jobs   map[string]Job
}

// NewProcessor creates a Processor. callbacks may be the zero value if no
// front-end is attached yet.
func NewProcessor(callbacks Callbacks) *Processor {
	return &Processor{callbacks: callbacks, jobs: make(map[string]Job)}
}

// EnqueueAndStart submits nodeID's job against t. If t is idle (not
// processing and its queue is empty) the node is promoted straight to
// IN_PROGRESS and the drain loop is spawned immediately, returning false
// ("ran immediately"). Otherwise nodeID is pushed onto the queue,
// QueueUpdate fires if installed, and it returns true ("queued").
func (p *Processor) EnqueueAndStart(t *Tree, nodeID string, job Job) bool {
	p.storeJob(nodeID, job)

	if t.tryStartImmediately(nodeID) {
		if p.callbacks.NodeStarted != nil {
			p.callbacks.NodeStarted(t, nodeID)
		}
		go p.drain(t, nodeID)
		return false
	}

	t.EnqueuePending(nodeID)
	if p.callbacks.QueueUpdate != nil {
		p.callbacks.QueueUpdate(t)
	}
	return true
}

// CancelCurrent cancels t's running task, if any, and reports whether one
// existed.
func (p *Processor) CancelCurrent(t *Tree) bool {
	return t.CancelCurrentTask()
}

// drain runs startNodeID's job to completion, then keeps popping the
// queue and running each subsequent job until it empties, at which point
// the tree's processing flag drops back to false. Exactly one goroutine
// per tree ever reaches this loop: tryStartImmediately only grants the
// initial entry to one caller, and every later entry comes from this same
// goroutine re-dequeuing.
func (p *Processor) drain(t *Tree, startNodeID string) {
	nodeID := startNodeID
	for {
		p.runOne(t, nodeID)

		next, ok := t.DequeueNext()
		if !ok {
			t.SetProcessing(false)
			return
		}
		nodeID = next.ID
		if p.callbacks.NodeStarted != nil {
			p.callbacks.NodeStarted(t, nodeID)
		}
	}
}

func (p *Processor) runOne(t *Tree, nodeID string) {
	node, ok := t.Node(nodeID)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.SetCurrentTask(cancel)

	job := p.popJob(nodeID)
	var err error
	if job != nil {
		err = job(ctx, node)
	} else {
		err = fmt.Errorf("no job registered for node")
	}
	// wasCancelled is evaluated before our own deferred cancel() below, so
	// a non-nil ctx.Err() here can only mean CancelCurrentTask already ran
	// against this node. Whoever triggered that cancellation (CancelTree,
	// CancelNode, CancelBranch) has already marked the node ERROR
	// "Cancelled by user" synchronously; this goroutine must not race
	// that message with its own, possibly-different, error text.
	wasCancelled := ctx.Err() != nil
	cancel()
	t.ClearCurrentTask()

	if wasCancelled {
		return
	}

	if err != nil {
		_ = t.UpdateState(nodeID, Error, err.Error())
		if p.callbacks.OnNodeError != nil {
			p.callbacks.OnNodeError(t, nodeID, err.Error())
		}
		for _, childID := range t.PropagatePendingFailure(nodeID, err.Error()) {
			if p.callbacks.OnPropagated != nil {
				p.callbacks.OnPropagated(t, nodeID, childID)
			}
		}
		return
	}
	_ = t.UpdateState(nodeID, Completed, "")
}

func (p *Processor) storeJob(nodeID string, job Job) {
	p.jobsMu.Lock()
	defer p.jobsMu.Unlock()
	p.jobs[nodeID] = job
}

func (p *Processor) popJob(nodeID string) Job {
	p.jobsMu.Lock()
	defer p.jobsMu.Unlock()
	job := p.jobs[nodeID]
	delete(p.jobs, nodeID)
	return job
}
