package bus

import (
	"context"
	"errors"
	"time"
)

// collectPollInterval is how often CollectResponse re-attempts its
// filtered lease while waiting.
const collectPollInterval = 100 * time.Millisecond

// Bridge is the only entry point the surrounding system needs for a
// conversational turn or an autonomous goal: enqueue it, then correlate
// the eventual response by trace identifier.
type Bridge struct {
	store         Store
	router        *Router
	leaseDuration time.Duration
}

// NewBridge wires a bridge to its store and router.
func NewBridge(store Store, router *Router, leaseDuration time.Duration) *Bridge {
	return &Bridge{store: store, router: router, leaseDuration: leaseDuration}
}

// DispatchOptions carries the optional cross-cutting fields a turn may
// set on its user_message envelope.
type DispatchOptions struct {
	Metadata      map[string]any
	ScopeID       string
	Taint         Taint
	ToolAllowlist []string
}

// DispatchTurn constructs and routes a user_message. It does not wait for
// a response — call CollectResponse separately.
func (b *Bridge) DispatchTurn(ctx context.Context, text, traceID string, opts DispatchOptions) error {
	msg := NewMessage(KindUserMessage, SenderUser, traceID, map[string]any{
		"text":     text,
		"metadata": opts.Metadata,
	})
	msg.ScopeID = opts.ScopeID
	msg.Taint = opts.Taint
	if len(opts.ToolAllowlist) > 0 {
		msg.Payload["tool_allowlist"] = opts.ToolAllowlist
	}
	return b.router.Route(ctx, msg)
}

// DispatchGoal constructs and routes an autonomous plan_request, used by
// an external scheduler rather than a live conversational turn.
func (b *Bridge) DispatchGoal(ctx context.Context, goalID, description, traceID string) error {
	msg := NewMessage(KindPlanRequest, SenderRuntime, traceID, map[string]any{
		"user_request": description,
		"goal_id":      goalID,
		"autonomous":   true,
	})
	return b.router.Route(ctx, msg)
}

// CollectResponse polls the router queue for the agent_response matching
// traceID, acks it, and returns it, or returns ErrCollectTimeout once
// timeout has elapsed. Uses a filtered atomic lease rather than
// lease-then-discard, so a concurrent collector on another trace can
// never have its message stolen and reordered by this one.
func (b *Bridge) CollectResponse(ctx context.Context, traceID string, timeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		msg, err := b.store.LeaseFiltered(ctx, QueueRouter, traceID, KindAgentResponse, b.leaseDuration)
		if err == nil {
			if ackErr := b.store.Ack(ctx, msg.ID); ackErr != nil {
				return nil, ackErr
			}
			return msg, nil
		}
		if !errors.Is(err, ErrQueueEmpty) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrCollectTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(collectPollInterval):
		}
	}
}
