package bus

import (
	"context"
	"errors"
	"time"
)

// consultPollInterval is how often Consult re-attempts its plain lease on
// the runtime queue while waiting for guidance.
const consultPollInterval = 100 * time.Millisecond

// ConsultManager lets the executor suspend and ask the planner for
// guidance on a stuck work item, then resume with that guidance appended
// to its retry prompt.
type ConsultManager struct {
	store         Store
	router        *Router
	leaseDuration time.Duration
}

// NewConsultManager wires a consult manager to its store and router.
func NewConsultManager(store Store, router *Router, leaseDuration time.Duration) *ConsultManager {
	return &ConsultManager{store: store, router: router, leaseDuration: leaseDuration}
}

// Consult builds a consult plan_request and waits on the runtime queue
// for a matching planner_guidance message.
//
// This deliberately uses a plain (unfiltered) lease in a loop, nacking any
// non-matching message back onto the queue at the end of each pass, rather than the
// filtered lease CollectResponse uses. The runtime queue only ever
// carries two low-traffic kinds (planner_guidance, approval_result)
// destined for a handful of concurrent waiters, so the bounded reordering
// cost of lease-and-nack is accepted here — unlike the router queue,
// where every trace's final answer flows through the same channel and
// that cost would not be.
func (c *ConsultManager) Consult(ctx context.Context, workItemID string, failureContext []map[string]any, traceID string, timeout time.Duration) (string, error) {
	request := NewMessage(KindPlanRequest, SenderExecutor, traceID, map[string]any{
		"is_consult":      true,
		"work_item_id":    workItemID,
		"failure_context": failureContext,
	})
	request.WorkItemID = workItemID
	if err := c.router.Route(ctx, request); err != nil {
		return "", err
	}

	deadline := time.Now().Add(timeout)
	for {
		// Non-matching messages stay leased until the pass has seen the whole
		// queue, then go back: nacked one by one, an older stray would be
		// re-leased ahead of the guidance on every pass.
		var held []string
		msg, err := c.store.Lease(ctx, QueueRuntime, c.leaseDuration)
		for err == nil && (msg.TraceID != traceID || msg.Kind != KindPlannerGuidance) {
			held = append(held, msg.ID)
			msg, err = c.store.Lease(ctx, QueueRuntime, c.leaseDuration)
		}
		for _, id := range held {
			if nackErr := c.store.Nack(ctx, id); nackErr != nil {
				return "", nackErr
			}
		}
		switch {
		case err == nil:
			if ackErr := c.store.Ack(ctx, msg.ID); ackErr != nil {
				return "", ackErr
			}
			return msg.PayloadString("guidance"), nil
		case !errors.Is(err, ErrQueueEmpty):
			return "", err
		}

		if time.Now().After(deadline) {
			return "", ErrConsultTimeout
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(consultPollInterval):
		}
	}
}
