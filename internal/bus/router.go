package bus

import (
	"context"
	"fmt"

	"github.com/oriys/agentbus/internal/tracing"
)

// Queue names. These are the only destinations the routing table can
// produce; consumers are keyed on them directly.
const (
	QueueRouter   = "router_queue"
	QueuePlanner  = "planner_queue"
	QueueExecutor = "executor_queue"
	QueueRuntime  = "runtime_queue"
)

// routingTable is the static, compile-time map from message kind to queue
// name. It is the single source of truth for topology; no other code may
// assign a queue_name.
var routingTable = map[MessageKind]string{
	KindUserMessage:      QueueRouter,
	KindPlanResult:       QueueRouter,
	KindExecutionStatus:  QueueRouter,
	KindApprovalRequest:  QueueRouter,
	KindAgentResponse:    QueueRouter,
	KindSystemEvent:      QueueRouter,
	KindPlanRequest:      QueuePlanner,
	KindReplanRequest:    QueuePlanner,
	KindResearchResult:   QueuePlanner,
	KindExecutionRequest: QueueExecutor,
	KindResearchRequest:  QueueExecutor,
	KindPlannerGuidance:  QueueRuntime,
	KindApprovalResult:   QueueRuntime,
}

// Router assigns every outgoing message its destination queue and persists
// it. Producers never set queue_name directly.
type Router struct {
	store Store
}

// NewRouter wires a router to its backing store.
func NewRouter(store Store) *Router {
	return &Router{store: store}
}

// Route looks up msg.Kind in the static table, assigns queue_name, and
// enqueues it. Returns ErrUnknownMessageKind (wrapped) if the kind has no
// table entry — routing fails loud rather than silently dropping an
// unrecognized message.
func (r *Router) Route(ctx context.Context, msg *Message) error {
	queue, ok := routingTable[msg.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMessageKind, msg.Kind)
	}

	spanCtx, span := tracing.StartRouteSpan(ctx, queue, msg.TraceID)
	defer span.End()

	msg.QueueName = queue
	if err := r.store.Enqueue(spanCtx, msg); err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	tracing.SetSpanOK(span)
	return nil
}

// RouteWithTrace overrides msg.TraceID before routing — used by producers
// that need to correlate a follow-on message with an existing turn rather
// than the trace_id it happened to be constructed with.
func (r *Router) RouteWithTrace(ctx context.Context, msg *Message, traceID string) error {
	msg.TraceID = traceID
	return r.Route(ctx, msg)
}

// QueueFor reports the routing table's destination for a kind without
// enqueuing anything. The bridge and the consult manager lease their
// queues by the Queue* constants directly rather than through this.
func QueueFor(kind MessageKind) (string, bool) {
	q, ok := routingTable[kind]
	return q, ok
}
