package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// ObservabilityLogger emits structured JSON events for state changes that
// matter to an operator watching the fleet rather than a single request:
// rate-limiter blocks, tree lifecycle transitions, provider failover.
type ObservabilityLogger struct {
	logger *logrus.Logger
}

// Component labels an ObservabilityLogger event by subsystem.
const (
	ComponentRateLimiter  = "rate_limiter"
	ComponentTree         = "conversation_tree"
	ComponentProvider     = "provider_adapter"
	ComponentConfig       = "configuration"
	ComponentTokenCounter = "token_counter"
)

// Category further classifies an event within a component.
const (
	CategoryRequest        = "request"
	CategoryStateChange    = "state_change"
	CategoryError           = "error"
	CategoryBlocked         = "blocked"
	CategoryFailover        = "failover"
	CategoryCancellation    = "cancellation"
)

// NewObservabilityLogger builds a logrus-backed structured sink writing
// newline-delimited JSON to the file out (os.Stdout in production).
func NewObservabilityLogger(out *os.File) *ObservabilityLogger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	l.SetLevel(logrus.InfoLevel)
	l = l.WithField("service", "claude-bridge").Logger
	return &ObservabilityLogger{logger: l}
}

func (o *ObservabilityLogger) entry(component, category, requestID string, fields map[string]interface{}) *logrus.Entry {
	e := o.logger.WithFields(logrus.Fields{"component": component, "category": category})
	if requestID != "" {
		e = e.WithField("request_id", requestID)
	}
	if fields != nil {
		e = e.WithFields(fields)
	}
	return e
}

func (o *ObservabilityLogger) Info(component, category, requestID, message string, fields map[string]interface{}) {
	o.entry(component, category, requestID, fields).Info(message)
}

func (o *ObservabilityLogger) Warn(component, category, requestID, message string, fields map[string]interface{}) {
	o.entry(component, category, requestID, fields).Warn(message)
}

func (o *ObservabilityLogger) Error(component, category, requestID, message string, fields map[string]interface{}) {
	o.entry(component, category, requestID, fields).Error(message)
}

// RateLimiterBlocked logs the Rate Coordinator entering a reactive cooldown.
func (o *ObservabilityLogger) RateLimiterBlocked(requestID, provider string, seconds float64) {
	o.Warn(ComponentRateLimiter, CategoryBlocked, requestID, "rate limiter entered cooldown", map[string]interface{}{
		"provider":     provider,
		"block_seconds": seconds,
	})
}

// TreeNodeTransition logs a MessageNode's state machine transition.
func (o *ObservabilityLogger) TreeNodeTransition(requestID, treeID, nodeID, from, to string) {
	o.Info(ComponentTree, CategoryStateChange, requestID, "node state transition", map[string]interface{}{
		"tree_id": treeID,
		"node_id": nodeID,
		"from":    from,
		"to":      to,
	})
}

// TreeNodeErrorPropagated logs a parent-failure error propagating to a
// pending child node.
func (o *ObservabilityLogger) TreeNodeErrorPropagated(requestID, treeID, parentID, childID string) {
	o.Warn(ComponentTree, CategoryError, requestID, "parent failure propagated to pending child", map[string]interface{}{
		"tree_id":   treeID,
		"parent_id": parentID,
		"child_id":  childID,
	})
}

// ProviderFailover logs the adapter falling back from one provider to another.
func (o *ObservabilityLogger) ProviderFailover(requestID, from, to, reason string) {
	o.Warn(ComponentProvider, CategoryFailover, requestID, "failing over to alternate provider", map[string]interface{}{
		"from":   from,
		"to":     to,
		"reason": reason,
	})
}

// TreeCancelled logs a tree-wide or branch-wide cancellation.
func (o *ObservabilityLogger) TreeCancelled(requestID, treeID, scope string) {
	o.Info(ComponentTree, CategoryCancellation, requestID, "tree cancellation requested", map[string]interface{}{
		"tree_id": treeID,
		"scope":   scope,
	})
}
