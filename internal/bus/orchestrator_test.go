package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConsumer struct {
	name     string
	polls    int32
	blockFor time.Duration
	mu       sync.Mutex
	didWork  bool
}

func (f *fakeConsumer) Name() string { return f.name }

func (f *fakeConsumer) PollOnce(ctx context.Context) (bool, error) {
	atomic.AddInt32(&f.polls, 1)
	if f.blockFor > 0 {
		select {
		case <-time.After(f.blockFor):
		case <-ctx.Done():
		}
	}
	f.mu.Lock()
	work := f.didWork
	f.mu.Unlock()
	return work, nil
}

func TestOrchestratorStartRunsAllConsumers(t *testing.T) {
	c1 := &fakeConsumer{name: "router"}
	c2 := &fakeConsumer{name: "planner"}
	o := NewOrchestrator(c1, c2)

	o.Start(context.Background())
	defer o.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&c1.polls) > 0 && atomic.LoadInt32(&c2.polls) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected both consumers to be polled, got c1=%d c2=%d", c1.polls, c2.polls)
}

func TestOrchestratorStartIsIdempotent(t *testing.T) {
	c := &fakeConsumer{name: "router"}
	o := NewOrchestrator(c)

	o.Start(context.Background())
	o.Start(context.Background())
	defer o.Stop()

	time.Sleep(20 * time.Millisecond)
	// A second Start while running must not spawn a duplicate goroutine set;
	// this is a smoke check that Stop() only needs to unwind once.
	o.Stop()
	o.Stop()
}

func TestOrchestratorStopWaitsForInFlightPoll(t *testing.T) {
	c := &fakeConsumer{name: "executor", blockFor: 150 * time.Millisecond}
	o := NewOrchestrator(c)
	o.Start(context.Background())

	// Give the goroutine time to enter its (blocking) PollOnce call.
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		o.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(1 * time.Second):
		t.Fatal("Stop did not return after the in-flight poll should have settled")
	}
}

func TestOrchestratorStopWithoutStartIsNoop(t *testing.T) {
	o := NewOrchestrator(&fakeConsumer{name: "router"})
	o.Stop()
}
