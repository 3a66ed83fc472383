package bus

import (
	"context"
	"time"
)

// Store is the durable queue store contract: at-least-once delivery
// with lease-based work stealing across a fixed set of named queues,
// survivable across process restarts, plus the exactly-once-per-consumer
// processed ledger. A SQLite-backed implementation is provided in
// sqlitestore.go; the interface exists so tests can substitute an
// in-memory fake without dragging in a database file.
type Store interface {
	// Initialize creates the schema if absent. Idempotent; safe to call on
	// every startup.
	Initialize(ctx context.Context) error

	// Enqueue inserts one row. msg.QueueName must already be set (the
	// router is the only caller expected to satisfy that).
	Enqueue(ctx context.Context, msg *Message) error

	// Lease atomically claims the oldest unleased-or-expired row on the
	// given queue, assigns it a fresh lease, and returns it. Returns
	// ErrQueueEmpty if nothing is available.
	Lease(ctx context.Context, queueName string, leaseDuration time.Duration) (*Message, error)

	// LeaseFiltered is identical to Lease but additionally restricts the
	// selection to rows matching traceID and kind. This is a first-class
	// atomic operation, not an emulation built from Lease plus a manual
	// Nack on mismatch — using the latter would let one trace's poll
	// steal and reorder another trace's message out from under it.
	LeaseFiltered(ctx context.Context, queueName, traceID string, kind MessageKind, leaseDuration time.Duration) (*Message, error)

	// Ack deletes the row. Callers must only call this after all side
	// effects and the processed-ledger write have succeeded.
	Ack(ctx context.Context, id string) error

	// Nack clears the lease fields and increments attempt_count. The row
	// becomes immediately re-leasable.
	Nack(ctx context.Context, id string) error

	// DeadLetter moves the row to the dead-letters relation with reason
	// and a dead_lettered_at timestamp.
	DeadLetter(ctx context.Context, id, reason string) error

	// Heartbeat sets lease_expires_at to now + extendBy. A no-op (not an
	// error) against an already-acked id — it must never resurrect a
	// deleted row.
	Heartbeat(ctx context.Context, id string, extendBy time.Duration) error

	// HasProcessed reports whether mark_processed has already recorded
	// this (consumer, id) pair.
	HasProcessed(ctx context.Context, consumer, id string) (bool, error)

	// MarkProcessed records (consumer, id) in the ledger. Idempotent.
	MarkProcessed(ctx context.Context, consumer, id string) error

	// PendingCount returns the number of unleased rows on queueName.
	// Best-effort, used for telemetry only.
	PendingCount(ctx context.Context, queueName string) (int, error)

	// RequeueExpired clears lease fields on every row whose lease has
	// expired, returning the count. Called once on startup to recover
	// from a crash mid-lease.
	RequeueExpired(ctx context.Context) (int, error)

	Close() error
}
