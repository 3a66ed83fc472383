package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestConsultManagerRoutesRequestAndWaitsForGuidance(t *testing.T) {
	store := newFakeStore()
	router := NewRouter(store)
	manager := NewConsultManager(store, router, defaultTestLease)

	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			leased, err := store.Lease(context.Background(), QueuePlanner, defaultTestLease)
			if err == nil && leased.PayloadBool("is_consult") {
				guidance := NewMessage(KindPlannerGuidance, SenderPlanner, leased.TraceID, map[string]any{"guidance": "retry with a narrower scope"})
				if err := router.Route(context.Background(), guidance); err != nil {
					t.Errorf("Route guidance: %v", err)
				}
				if err := store.Ack(context.Background(), leased.ID); err != nil {
					t.Errorf("Ack: %v", err)
				}
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	guidance, err := manager.Consult(context.Background(), "work-1", []map[string]any{{"error": "stuck"}}, "t1", 2*time.Second)
	<-done
	if err != nil {
		t.Fatalf("Consult: %v", err)
	}
	if guidance != "retry with a narrower scope" {
		t.Fatalf("guidance = %q, want %q", guidance, "retry with a narrower scope")
	}
}

func TestConsultManagerTimesOutWithoutGuidance(t *testing.T) {
	store := newFakeStore()
	router := NewRouter(store)
	manager := NewConsultManager(store, router, defaultTestLease)

	_, err := manager.Consult(context.Background(), "work-1", nil, "t1", 50*time.Millisecond)
	if !errors.Is(err, ErrConsultTimeout) {
		t.Fatalf("Consult error = %v, want ErrConsultTimeout", err)
	}
}

func TestConsultManagerNacksNonMatchingMessages(t *testing.T) {
	store := newFakeStore()
	router := NewRouter(store)
	manager := NewConsultManager(store, router, defaultTestLease)

	// Something unrelated already sits on the runtime queue ahead of the
	// guidance this consult expects.
	stray := NewMessage(KindApprovalResult, SenderRouter, "unrelated-trace", nil)
	stray.QueueName = QueueRuntime
	if err := store.Enqueue(context.Background(), stray); err != nil {
		t.Fatalf("Enqueue stray: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			leased, err := store.Lease(context.Background(), QueuePlanner, defaultTestLease)
			if err == nil && leased.PayloadBool("is_consult") {
				guidance := NewMessage(KindPlannerGuidance, SenderPlanner, leased.TraceID, map[string]any{"guidance": "ok"})
				router.Route(context.Background(), guidance)
				store.Ack(context.Background(), leased.ID)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	guidance, err := manager.Consult(context.Background(), "work-1", nil, "t1", 2*time.Second)
	<-done
	if err != nil {
		t.Fatalf("Consult: %v", err)
	}
	if guidance != "ok" {
		t.Fatalf("guidance = %q, want %q", guidance, "ok")
	}

	// The stray message must have been nacked back onto the queue, not lost.
	if n, _ := store.PendingCount(context.Background(), QueueRuntime); n != 1 {
		t.Fatalf("PendingCount(runtime) = %d, want 1 (the stray message survives)", n)
	}
}
