package bus

import "context"

// DefaultMaxReplanDepth is the replan policy knob's typical value.
const DefaultMaxReplanDepth = 3

// ReplanManager offers a bounded, structured way to ask the planner for
// an alternative plan after a failure.
type ReplanManager struct {
	router   *Router
	maxDepth int
}

// NewReplanManager wires a replan manager to its router with the given
// depth cap; zero or negative falls back to DefaultMaxReplanDepth.
func NewReplanManager(router *Router, maxDepth int) *ReplanManager {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxReplanDepth
	}
	return &ReplanManager{router: router, maxDepth: maxDepth}
}

// TriggerReplan enqueues a replan_request one depth deeper than
// currentDepth, or returns ErrReplanExhausted once currentDepth has
// already reached the configured maximum — the caller must then escalate
// to the user rather than retry again.
func (r *ReplanManager) TriggerReplan(ctx context.Context, workItemID, originalGoal string, failureHistory []map[string]any, traceID string, currentDepth int) error {
	if currentDepth >= r.maxDepth {
		return ErrReplanExhausted
	}
	msg := NewMessage(KindReplanRequest, SenderExecutor, traceID, map[string]any{
		"original_goal":   originalGoal,
		"failure_history": failureHistory,
		"replan_depth":    currentDepth + 1,
	})
	msg.WorkItemID = workItemID
	return r.router.Route(ctx, msg)
}
