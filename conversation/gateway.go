// Package conversation wires the Tree Manager (tree/) to the Provider
// Adapter (provider/) as the per-node job, the way a Telegram or Discord
// front-end would: a node's job resolves its own MessagesRequest, calls the
// provider, and records the result for the node id so a caller — here a
// test or a future bot handler, never an HTTP response writer directly —
// can look it up once the tree reports the node COMPLETED or ERROR. It
// pulls in no bot SDK; httpapi/ is the direct, non-tree-routed alternative
// for a plain HTTP client.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"claude-bridge/config"
	"claude-bridge/convert"
	"claude-bridge/logger"
	"claude-bridge/provider"
	"claude-bridge/tree"
	"claude-bridge/types"
)

// Result is the outcome of one node's job, recorded once its provider call
// returns.
type Result struct {
	Response *types.MessagesResponse
	Err      error
}

// Gateway drives tree.Manager, resolving and calling a provider for every
// node it starts and recording the outcome under the node's id.
type Gateway struct {
	manager   *tree.Manager
	providers *provider.Set
	cfg       *config.Config

	mu      sync.Mutex
	results map[string]Result
}

// NewGateway builds a Gateway over an already-constructed tree.Manager and
// provider.Set.
func NewGateway(manager *tree.Manager, providers *provider.Set, cfg *config.Config) *Gateway {
	return &Gateway{
		manager:   manager,
		providers: providers,
		cfg:       cfg,
		results:   make(map[string]Result),
	}
}

// StartConversation creates a new tree rooted at rootID and submits req as
// the root node's job.
func (g *Gateway) StartConversation(rootID string, req types.MessagesRequest, statusMessageID string) (queued bool, err error) {
	incoming, err := json.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("conversation: encoding root request: %w", err)
	}
	return g.manager.StartTree(rootID, incoming, statusMessageID, g.job)
}

// Reply submits req as a new node replying under parentAnyID (a node id or
// a status message id, per tree.Manager.Submit).
func (g *Gateway) Reply(parentAnyID, nodeID string, req types.MessagesRequest, statusMessageID string) (queued bool, err error) {
	incoming, err := json.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("conversation: encoding reply request: %w", err)
	}
	return g.manager.Submit(parentAnyID, nodeID, incoming, statusMessageID, g.job)
}

// Result returns the recorded outcome for nodeID, if its job has run.
func (g *Gateway) Result(nodeID string) (Result, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.results[nodeID]
	return r, ok
}

func (g *Gateway) storeResult(nodeID string, r Result) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.results[nodeID] = r
}

// job is the tree.Job every node in this gateway runs: decode the node's
// payload back into a MessagesRequest, resolve and call the provider it
// names, and record a Result. The returned error is also what the
// Processor records as the node's ERROR message and propagates to pending
// children, so it is left as the plain provider/convert error rather than
// wrapped again here.
func (g *Gateway) job(ctx context.Context, node *tree.Node) error {
	var req types.MessagesRequest
	if err := json.Unmarshal(node.Incoming, &req); err != nil {
		err = fmt.Errorf("decoding node payload: %w", err)
		g.storeResult(node.ID, Result{Err: err})
		return err
	}

	providerName, upstreamModel, err := g.cfg.ResolveModel(req.Model)
	if err != nil {
		g.storeResult(node.ID, Result{Err: err})
		return err
	}
	settings, err := g.cfg.Provider(providerName)
	if err != nil {
		g.storeResult(node.ID, Result{Err: err})
		return err
	}
	adapter, err := g.providers.Get(providerName)
	if err != nil {
		g.storeResult(node.ID, Result{Err: err})
		return err
	}

	openaiReq, err := convert.BuildRequest(&req, upstreamModel, settings, false)
	if err != nil {
		g.storeResult(node.ID, Result{Err: err})
		return err
	}

	resp, err := adapter.Call(ctx, node.ID, *openaiReq)
	if err != nil {
		g.storeResult(node.ID, Result{Err: err})
		return err
	}

	out := convert.ConvertResponse(resp, req.OriginalModel)
	g.storeResult(node.ID, Result{Response: &out})
	return nil
}

// NewCallbacks builds the tree.Callbacks an observability-minded caller
// wires into tree.NewProcessor: node starts, node errors, and error
// propagation to pending children land on obs, and node errors also
// increment the tree node error counter. No QueueUpdate hook is set and
// node completion is not logged. Either argument may be nil.
func NewCallbacks(obs *logger.ObservabilityLogger, metrics *logger.Metrics) tree.Callbacks {
	return tree.Callbacks{
		NodeStarted: func(t *tree.Tree, nodeID string) {
			if obs != nil {
				obs.TreeNodeTransition("", t.RootID, nodeID, "PENDING", "IN_PROGRESS")
			}
		},
		OnNodeError: func(t *tree.Tree, nodeID, message string) {
			if obs != nil {
				obs.Error(logger.ComponentTree, logger.CategoryError, "", "node failed", map[string]interface{}{
					"tree_id": t.RootID,
					"node_id": nodeID,
					"message": message,
				})
			}
			if metrics != nil {
				metrics.TreeNodeErrors.WithLabelValues("provider_call_failed").Inc()
			}
		},
		OnPropagated: func(t *tree.Tree, parentID, childID string) {
			if obs != nil {
				obs.TreeNodeErrorPropagated("", t.RootID, parentID, childID)
			}
		},
	}
}
