package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBridgeDispatchTurnRoutesUserMessage(t *testing.T) {
	store := newFakeStore()
	router := NewRouter(store)
	bridge := NewBridge(store, router, defaultTestLease)

	opts := DispatchOptions{ScopeID: "scope-1", Taint: TaintTrusted, Metadata: map[string]any{"k": "v"}}
	if err := bridge.DispatchTurn(context.Background(), "hello", "t1", opts); err != nil {
		t.Fatalf("DispatchTurn: %v", err)
	}

	leased, err := store.Lease(context.Background(), QueueRouter, defaultTestLease)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if leased.Kind != KindUserMessage {
		t.Fatalf("Kind = %q, want %q", leased.Kind, KindUserMessage)
	}
	if leased.PayloadString("text") != "hello" {
		t.Fatalf("text payload = %q, want %q", leased.PayloadString("text"), "hello")
	}
	if leased.ScopeID != "scope-1" {
		t.Fatalf("ScopeID = %q, want %q", leased.ScopeID, "scope-1")
	}
	if leased.Taint != TaintTrusted {
		t.Fatalf("Taint = %q, want %q", leased.Taint, TaintTrusted)
	}
}

func TestBridgeDispatchGoalRoutesPlanRequest(t *testing.T) {
	store := newFakeStore()
	router := NewRouter(store)
	bridge := NewBridge(store, router, defaultTestLease)

	if err := bridge.DispatchGoal(context.Background(), "goal-1", "ship the feature", "t1"); err != nil {
		t.Fatalf("DispatchGoal: %v", err)
	}

	leased, err := store.Lease(context.Background(), QueuePlanner, defaultTestLease)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if leased.Kind != KindPlanRequest {
		t.Fatalf("Kind = %q, want %q", leased.Kind, KindPlanRequest)
	}
	if !leased.PayloadBool("autonomous") {
		t.Fatal("autonomous payload flag should be true for a dispatched goal")
	}
}

func TestBridgeCollectResponseMatchesTrace(t *testing.T) {
	store := newFakeStore()
	router := NewRouter(store)
	bridge := NewBridge(store, router, defaultTestLease)

	other := NewMessage(KindAgentResponse, SenderRouter, "other-trace", map[string]any{"text": "not this one"})
	mine := NewMessage(KindAgentResponse, SenderRouter, "my-trace", map[string]any{"text": "the answer"})
	if err := router.Route(context.Background(), other); err != nil {
		t.Fatalf("Route other: %v", err)
	}
	if err := router.Route(context.Background(), mine); err != nil {
		t.Fatalf("Route mine: %v", err)
	}

	resp, err := bridge.CollectResponse(context.Background(), "my-trace", time.Second)
	if err != nil {
		t.Fatalf("CollectResponse: %v", err)
	}
	if resp.ID != mine.ID {
		t.Fatalf("CollectResponse returned %q, want %q", resp.ID, mine.ID)
	}

	// The other trace's message must remain untouched in the store.
	if n, _ := store.PendingCount(context.Background(), QueueRouter); n != 1 {
		t.Fatalf("PendingCount = %d, want 1 (the non-matching message)", n)
	}
}

func TestBridgeCollectResponseTimesOut(t *testing.T) {
	store := newFakeStore()
	router := NewRouter(store)
	bridge := NewBridge(store, router, defaultTestLease)

	_, err := bridge.CollectResponse(context.Background(), "no-such-trace", 50*time.Millisecond)
	if !errors.Is(err, ErrCollectTimeout) {
		t.Fatalf("CollectResponse error = %v, want ErrCollectTimeout", err)
	}
}
