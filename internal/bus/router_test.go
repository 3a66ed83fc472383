package bus

import (
	"context"
	"errors"
	"testing"
)

func TestRouteAssignsQueueFromTable(t *testing.T) {
	store := newFakeStore()
	router := NewRouter(store)

	msg := NewMessage(KindUserMessage, SenderUser, "t1", nil)
	if err := router.Route(context.Background(), msg); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if msg.QueueName != QueueRouter {
		t.Fatalf("QueueName = %q, want %q", msg.QueueName, QueueRouter)
	}

	leased, err := store.Lease(context.Background(), QueueRouter, defaultTestLease)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if leased.ID != msg.ID {
		t.Fatalf("leased wrong message: got %q want %q", leased.ID, msg.ID)
	}
}

func TestRouteRejectsUnknownKind(t *testing.T) {
	store := newFakeStore()
	router := NewRouter(store)

	msg := NewMessage(MessageKind("no_such_kind"), SenderUser, "t1", nil)
	err := router.Route(context.Background(), msg)
	if !errors.Is(err, ErrUnknownMessageKind) {
		t.Fatalf("Route error = %v, want ErrUnknownMessageKind", err)
	}
}

func TestRouteWithTraceOverridesTraceID(t *testing.T) {
	store := newFakeStore()
	router := NewRouter(store)

	msg := NewMessage(KindPlanResult, SenderPlanner, "original-trace", nil)
	if err := router.RouteWithTrace(context.Background(), msg, "correlated-trace"); err != nil {
		t.Fatalf("RouteWithTrace: %v", err)
	}
	if msg.TraceID != "correlated-trace" {
		t.Fatalf("TraceID = %q, want %q", msg.TraceID, "correlated-trace")
	}
}

func TestQueueForEveryKindInRoutingTable(t *testing.T) {
	kinds := []MessageKind{
		KindUserMessage, KindPlanResult, KindExecutionStatus, KindApprovalRequest,
		KindAgentResponse, KindSystemEvent, KindPlanRequest, KindReplanRequest,
		KindResearchResult, KindExecutionRequest, KindResearchRequest,
		KindPlannerGuidance, KindApprovalResult,
	}
	for _, k := range kinds {
		if _, ok := QueueFor(k); !ok {
			t.Errorf("QueueFor(%q) missing from routing table", k)
		}
	}
}

func TestQueueForUnknownKind(t *testing.T) {
	if _, ok := QueueFor(MessageKind("bogus")); ok {
		t.Fatal("QueueFor(bogus) should report ok=false")
	}
}
