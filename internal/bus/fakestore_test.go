package bus

import (
	"context"
	"sort"
	"sync"
	"time"
)

const defaultTestLease = 30 * time.Second

// fakeStore is a minimal in-memory Store used across this package's tests,
// sufficient for router/consumer/orchestrator/bridge/consult/replan tests
// that need lease/ack/nack semantics but not SQL-level concurrency.
type fakeStore struct {
	mu        sync.Mutex
	rows      map[string]*Message
	processed map[string]bool
	seq       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:      map[string]*Message{},
		processed: map[string]bool{},
	}
}

func (f *fakeStore) Initialize(ctx context.Context) error { return nil }

func (f *fakeStore) Enqueue(ctx context.Context, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	cp := msg.Clone()
	f.rows[cp.ID] = cp
	return nil
}

func (f *fakeStore) Lease(ctx context.Context, queueName string, leaseDuration time.Duration) (*Message, error) {
	return f.leaseMatching(queueName, leaseDuration, func(m *Message) bool { return true })
}

func (f *fakeStore) LeaseFiltered(ctx context.Context, queueName, traceID string, kind MessageKind, leaseDuration time.Duration) (*Message, error) {
	return f.leaseMatching(queueName, leaseDuration, func(m *Message) bool {
		return m.TraceID == traceID && m.Kind == kind
	})
}

func (f *fakeStore) leaseMatching(queueName string, leaseDuration time.Duration, match func(*Message) bool) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var candidates []*Message
	now := time.Now()
	for _, m := range f.rows {
		if m.QueueName != queueName || !match(m) {
			continue
		}
		if m.LeaseUntil != nil && m.LeaseUntil.After(now) {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) == 0 {
		return nil, ErrQueueEmpty
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })

	m := candidates[0]
	leaseID := "lease-" + m.ID
	until := now.Add(leaseDuration)
	m.LeaseID = &leaseID
	m.LeaseUntil = &until
	return m.Clone(), nil
}

func (f *fakeStore) Ack(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

func (f *fakeStore) Nack(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[id]
	if !ok {
		return nil
	}
	m.LeaseID = nil
	m.LeaseUntil = nil
	m.Attempt++
	return nil
}

func (f *fakeStore) DeadLetter(ctx context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

func (f *fakeStore) Heartbeat(ctx context.Context, id string, extendBy time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[id]
	if !ok {
		return nil
	}
	if m.LeaseUntil == nil {
		return nil
	}
	extended := time.Now().Add(extendBy)
	m.LeaseUntil = &extended
	return nil
}

func (f *fakeStore) HasProcessed(ctx context.Context, consumer, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed[consumer+"/"+id], nil
}

func (f *fakeStore) MarkProcessed(ctx context.Context, consumer, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[consumer+"/"+id] = true
	return nil
}

func (f *fakeStore) PendingCount(ctx context.Context, queueName string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.rows {
		if m.QueueName == queueName && m.LeaseID == nil {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) RequeueExpired(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	n := 0
	for _, m := range f.rows {
		if m.LeaseUntil != nil && m.LeaseUntil.Before(now) {
			m.LeaseID = nil
			m.LeaseUntil = nil
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) Close() error { return nil }
