package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/oriys/agentbus/internal/logging"
)

// timeLayout is stored as TEXT so lexicographic ordering of the column
// matches chronological ordering — the same trick the reference SQLite
// implementation this store is modeled on relies on for its created_at
// tie-break. Must be fixed-width: time.RFC3339Nano trims trailing zeros
// (and omits the fraction entirely on a whole second), which breaks that
// lexicographic-equals-chronological property right at the tie-break it
// exists for. Always fed a UTC time, so the zone renders as a constant
// single "Z", keeping every formatted timestamp the same length.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the default Store implementation: a single SQLite
// database file accessed through a pure-Go driver, so the binary stays
// cgo-free. SQLite serializes writers, so the lease query
// below is a single atomic UPDATE...RETURNING statement rather than the
// SELECT FOR UPDATE SKIP LOCKED pattern a multi-writer engine would need.
type SQLiteStore struct {
	db   *sqlx.DB
	sink TelemetrySink
}

// OpenSQLiteStore opens (creating if absent) the database file at path.
// Call Initialize before first use.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: one writer; avoids SQLITE_BUSY under our own concurrency.
	return &SQLiteStore{db: db, sink: LogSink{}}, nil
}

// WithTelemetrySink replaces the default LogSink, e.g. with the
// Prometheus-backed sink from internal/metrics.
func (s *SQLiteStore) WithTelemetrySink(sink TelemetrySink) *SQLiteStore {
	s.sink = sink
	return s
}

func (s *SQLiteStore) emit(evt QueueTelemetryEvent) {
	if s.sink != nil {
		s.sink.Queue(evt)
	}
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS queue_messages (
		id TEXT PRIMARY KEY,
		queue_name TEXT NOT NULL,
		message_kind TEXT NOT NULL,
		sender TEXT NOT NULL,
		trace_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL,
		lease_id TEXT,
		lease_expires_at TEXT,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		scope_id TEXT,
		taint TEXT,
		task_id TEXT,
		parent_task_id TEXT,
		work_item_id TEXT,
		approval_token TEXT,
		urgency TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_messages_lease
		ON queue_messages (queue_name, lease_id, lease_expires_at, created_at)`,
	`CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		queue_name TEXT NOT NULL,
		message_kind TEXT NOT NULL,
		sender TEXT NOT NULL,
		trace_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL,
		attempt_count INTEGER NOT NULL,
		scope_id TEXT,
		taint TEXT,
		task_id TEXT,
		parent_task_id TEXT,
		work_item_id TEXT,
		approval_token TEXT,
		urgency TEXT,
		reason TEXT NOT NULL,
		dead_lettered_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS processed_messages (
		consumer TEXT NOT NULL,
		message_id TEXT NOT NULL,
		processed_at TEXT NOT NULL,
		PRIMARY KEY (consumer, message_id)
	)`,
}

// Initialize creates the schema if absent. Forward-compatible: later
// versions add new envelope fields as nullable columns via additional
// ALTER TABLE statements appended here, never by rewriting the CREATE
// TABLE statements above.
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bus: schema init: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type messageRow struct {
	ID            string         `db:"id"`
	QueueName     string         `db:"queue_name"`
	MessageKind   string         `db:"message_kind"`
	Sender        string         `db:"sender"`
	TraceID       string         `db:"trace_id"`
	Payload       string         `db:"payload"`
	CreatedAt     string         `db:"created_at"`
	LeaseID       sql.NullString `db:"lease_id"`
	LeaseExpires  sql.NullString `db:"lease_expires_at"`
	AttemptCount  int            `db:"attempt_count"`
	ScopeID       sql.NullString `db:"scope_id"`
	Taint         sql.NullString `db:"taint"`
	TaskID        sql.NullString `db:"task_id"`
	ParentTaskID  sql.NullString `db:"parent_task_id"`
	WorkItemID    sql.NullString `db:"work_item_id"`
	ApprovalToken sql.NullString `db:"approval_token"`
	Urgency       sql.NullString `db:"urgency"`
}

func (r *messageRow) toMessage() (*Message, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(r.Payload), &payload); err != nil {
		return nil, fmt.Errorf("bus: decode payload: %w", err)
	}
	createdAt, err := time.Parse(timeLayout, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("bus: decode created_at: %w", err)
	}
	msg := &Message{
		ID:           r.ID,
		QueueName:    r.QueueName,
		Kind:         MessageKind(r.MessageKind),
		Sender:       Sender(r.Sender),
		TraceID:      r.TraceID,
		Payload:      payload,
		CreatedAt:    createdAt,
		Attempt:      r.AttemptCount,
		ScopeID:      r.ScopeID.String,
		Taint:        Taint(r.Taint.String),
		TaskID:       r.TaskID.String,
		ParentTaskID: r.ParentTaskID.String,
		WorkItemID:   r.WorkItemID.String,
		ApprovalToken: r.ApprovalToken.String,
		Urgency:      Urgency(r.Urgency.String),
	}
	if r.LeaseID.Valid {
		id := r.LeaseID.String
		msg.LeaseID = &id
	}
	if r.LeaseExpires.Valid {
		t, err := time.Parse(timeLayout, r.LeaseExpires.String)
		if err != nil {
			return nil, fmt.Errorf("bus: decode lease_expires_at: %w", err)
		}
		msg.LeaseUntil = &t
	}
	return msg, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Enqueue inserts one row. msg.QueueName must already be set by the router.
func (s *SQLiteStore) Enqueue(ctx context.Context, msg *Message) error {
	if msg.QueueName == "" {
		return fmt.Errorf("bus: enqueue: queue_name not set for kind %q", msg.Kind)
	}
	payload, err := msg.MarshalPayload()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queue_messages (
			id, queue_name, message_kind, sender, trace_id, payload, created_at,
			attempt_count, scope_id, taint, task_id, parent_task_id, work_item_id,
			approval_token, urgency
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.QueueName, string(msg.Kind), string(msg.Sender), msg.TraceID, string(payload),
		msg.CreatedAt.Format(timeLayout), msg.Attempt,
		nullable(msg.ScopeID), nullable(string(msg.Taint)), nullable(msg.TaskID),
		nullable(msg.ParentTaskID), nullable(msg.WorkItemID), nullable(msg.ApprovalToken),
		nullable(string(msg.Urgency)),
	)
	if err != nil {
		return fmt.Errorf("bus: enqueue: %w", err)
	}
	logging.Op().Debug("bus enqueue", "queue", msg.QueueName, "kind", msg.Kind, "trace_id", msg.TraceID, "id", msg.ID)
	s.emit(QueueTelemetryEvent{QueueName: msg.QueueName, Event: TelemetryEnqueue, MessageID: msg.ID, TraceID: msg.TraceID, Timestamp: time.Now().UTC()})
	return nil
}

// Lease claims the oldest unleased-or-expired row on queueName.
func (s *SQLiteStore) Lease(ctx context.Context, queueName string, leaseDuration time.Duration) (*Message, error) {
	return s.lease(ctx, queueName, "", "", leaseDuration)
}

// LeaseFiltered is Lease restricted to rows matching traceID and kind — a
// first-class atomic operation, not lease-then-inspect-then-nack.
func (s *SQLiteStore) LeaseFiltered(ctx context.Context, queueName, traceID string, kind MessageKind, leaseDuration time.Duration) (*Message, error) {
	return s.lease(ctx, queueName, traceID, kind, leaseDuration)
}

func (s *SQLiteStore) lease(ctx context.Context, queueName, traceID string, kind MessageKind, leaseDuration time.Duration) (*Message, error) {
	now := time.Now().UTC()
	leaseID := uuid.NewString()
	expiresAt := now.Add(leaseDuration)

	where := "queue_name = ? AND (lease_id IS NULL OR lease_expires_at < ?)"
	args := []any{queueName, now.Format(timeLayout)}
	if traceID != "" {
		where += " AND trace_id = ?"
		args = append(args, traceID)
	}
	if kind != "" {
		where += " AND message_kind = ?"
		args = append(args, string(kind))
	}

	query := fmt.Sprintf(`
		UPDATE queue_messages
		SET lease_id = ?, lease_expires_at = ?
		WHERE id = (
			SELECT id FROM queue_messages
			WHERE %s
			ORDER BY created_at ASC
			LIMIT 1
		)
		RETURNING id, queue_name, message_kind, sender, trace_id, payload, created_at,
			lease_id, lease_expires_at, attempt_count, scope_id, taint, task_id,
			parent_task_id, work_item_id, approval_token, urgency`, where)

	allArgs := append([]any{leaseID, expiresAt.Format(timeLayout)}, args...)

	var row messageRow
	err := s.db.QueryRowxContext(ctx, query, allArgs...).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("bus: lease: %w", err)
	}
	msg, err := row.toMessage()
	if err != nil {
		return nil, err
	}
	waitMS := float64(now.Sub(msg.CreatedAt).Milliseconds())
	s.emit(QueueTelemetryEvent{QueueName: queueName, Event: TelemetryDequeue, MessageID: msg.ID, TraceID: msg.TraceID, Timestamp: now, WaitMS: &waitMS})
	return msg, nil
}

// Ack deletes the row.
func (s *SQLiteStore) Ack(ctx context.Context, id string) error {
	var queueName, traceID string
	err := s.db.QueryRowContext(ctx, `DELETE FROM queue_messages WHERE id = ? RETURNING queue_name, trace_id`, id).Scan(&queueName, &traceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("bus: ack: %w", err)
	}
	s.emit(QueueTelemetryEvent{QueueName: queueName, Event: TelemetryAck, MessageID: id, TraceID: traceID, Timestamp: time.Now().UTC()})
	return nil
}

// Nack clears the lease and bumps attempt_count.
func (s *SQLiteStore) Nack(ctx context.Context, id string) error {
	var queueName, traceID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE queue_messages
		SET lease_id = NULL, lease_expires_at = NULL, attempt_count = attempt_count + 1
		WHERE id = ?
		RETURNING queue_name, trace_id`, id).Scan(&queueName, &traceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("bus: nack: %w", err)
	}
	s.emit(QueueTelemetryEvent{QueueName: queueName, Event: TelemetryNack, MessageID: id, TraceID: traceID, Timestamp: time.Now().UTC()})
	return nil
}

// DeadLetter moves the row into dead_letters with reason and a timestamp.
func (s *SQLiteStore) DeadLetter(ctx context.Context, id, reason string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var row messageRow
	err = tx.QueryRowxContext(ctx, `SELECT id, queue_name, message_kind, sender, trace_id, payload,
		created_at, lease_id, lease_expires_at, attempt_count, scope_id, taint, task_id,
		parent_task_id, work_item_id, approval_token, urgency
		FROM queue_messages WHERE id = ?`, id).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("bus: dead_letter select: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letters (
			id, queue_name, message_kind, sender, trace_id, payload, created_at,
			attempt_count, scope_id, taint, task_id, parent_task_id, work_item_id,
			approval_token, urgency, reason, dead_lettered_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.QueueName, row.MessageKind, row.Sender, row.TraceID, row.Payload, row.CreatedAt,
		row.AttemptCount, row.ScopeID, row.Taint, row.TaskID, row.ParentTaskID, row.WorkItemID,
		row.ApprovalToken, row.Urgency, reason, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("bus: dead_letter insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("bus: dead_letter delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logging.Op().Warn("message dead-lettered", "id", id, "reason", reason)
	s.emit(QueueTelemetryEvent{QueueName: row.QueueName, Event: TelemetryDeadLetter, MessageID: id, TraceID: row.TraceID, Timestamp: time.Now().UTC()})
	return nil
}

// Heartbeat extends the lease. A no-op against an acked or never-leased id.
func (s *SQLiteStore) Heartbeat(ctx context.Context, id string, extendBy time.Duration) error {
	expires := time.Now().UTC().Add(extendBy).Format(timeLayout)
	var queueName, traceID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE queue_messages SET lease_expires_at = ?
		WHERE id = ? AND lease_id IS NOT NULL
		RETURNING queue_name, trace_id`, expires, id).Scan(&queueName, &traceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("bus: heartbeat: %w", err)
	}
	extendS := extendBy.Seconds()
	s.emit(QueueTelemetryEvent{QueueName: queueName, Event: TelemetryHeartbeat, MessageID: id, TraceID: traceID, Timestamp: time.Now().UTC(), LeaseDurationS: &extendS})
	return nil
}

// HasProcessed checks the processed ledger.
func (s *SQLiteStore) HasProcessed(ctx context.Context, consumer, id string) (bool, error) {
	var exists int
	err := s.db.GetContext(ctx, &exists, `
		SELECT 1 FROM processed_messages WHERE consumer = ? AND message_id = ?`, consumer, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("bus: has_processed: %w", err)
	}
	return true, nil
}

// MarkProcessed records (consumer, id) in the ledger; idempotent.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, consumer, id string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_messages (consumer, message_id, processed_at)
		VALUES (?, ?, ?)`, consumer, id, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("bus: mark_processed: %w", err)
	}
	return nil
}

// PendingCount counts unleased-or-expired rows on queueName.
func (s *SQLiteStore) PendingCount(ctx context.Context, queueName string) (int, error) {
	var count int
	now := time.Now().UTC().Format(timeLayout)
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM queue_messages
		WHERE queue_name = ? AND (lease_id IS NULL OR lease_expires_at < ?)`, queueName, now)
	if err != nil {
		return 0, fmt.Errorf("bus: pending_count: %w", err)
	}
	return count, nil
}

// RequeueExpired clears every lease whose expiry has passed. Called once
// on startup so a message leased by a process that crashed mid-handling
// becomes leasable again rather than stuck until the next natural lease
// attempt (which never comes, since nothing is polling an orphaned lease).
func (s *SQLiteStore) RequeueExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC().Format(timeLayout)
	result, err := s.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET lease_id = NULL, lease_expires_at = NULL
		WHERE lease_id IS NOT NULL AND lease_expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("bus: requeue_expired: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Op().Info("requeued expired leases", "count", n)
		s.emit(QueueTelemetryEvent{Event: TelemetryExpired, Timestamp: time.Now().UTC()})
	}
	return int(n), nil
}
