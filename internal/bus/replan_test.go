package bus

import (
	"context"
	"errors"
	"testing"
)

func TestReplanManagerTriggerReplanRoutesRequest(t *testing.T) {
	store := newFakeStore()
	router := NewRouter(store)
	manager := NewReplanManager(router, 3)

	history := []map[string]any{{"error": "timed out"}}
	if err := manager.TriggerReplan(context.Background(), "work-1", "ship it", history, "t1", 1); err != nil {
		t.Fatalf("TriggerReplan: %v", err)
	}

	leased, err := store.Lease(context.Background(), QueuePlanner, defaultTestLease)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if leased.Kind != KindReplanRequest {
		t.Fatalf("Kind = %q, want %q", leased.Kind, KindReplanRequest)
	}
	if leased.WorkItemID != "work-1" {
		t.Fatalf("WorkItemID = %q, want %q", leased.WorkItemID, "work-1")
	}
	if got := leased.PayloadInt("replan_depth"); got != 2 {
		t.Fatalf("replan_depth = %d, want 2", got)
	}
}

func TestReplanManagerExhaustedAtMaxDepth(t *testing.T) {
	store := newFakeStore()
	router := NewRouter(store)
	manager := NewReplanManager(router, 3)

	err := manager.TriggerReplan(context.Background(), "work-1", "ship it", nil, "t1", 3)
	if !errors.Is(err, ErrReplanExhausted) {
		t.Fatalf("TriggerReplan error = %v, want ErrReplanExhausted", err)
	}
	if n, _ := store.PendingCount(context.Background(), QueuePlanner); n != 0 {
		t.Fatal("an exhausted replan must not enqueue anything")
	}
}

func TestReplanManagerDefaultsMaxDepth(t *testing.T) {
	router := NewRouter(newFakeStore())
	manager := NewReplanManager(router, 0)
	if manager.maxDepth != DefaultMaxReplanDepth {
		t.Fatalf("maxDepth = %d, want default %d", manager.maxDepth, DefaultMaxReplanDepth)
	}
}
