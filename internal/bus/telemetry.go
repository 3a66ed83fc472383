package bus

import (
	"time"

	"github.com/oriys/agentbus/internal/logging"
)

// TelemetryEventKind is the closed set of store lifecycle events a
// QueueTelemetryEvent can report.
type TelemetryEventKind string

const (
	TelemetryEnqueue    TelemetryEventKind = "enqueue"
	TelemetryDequeue    TelemetryEventKind = "dequeue"
	TelemetryAck        TelemetryEventKind = "ack"
	TelemetryNack       TelemetryEventKind = "nack"
	TelemetryDeadLetter TelemetryEventKind = "dead_letter"
	TelemetryHeartbeat  TelemetryEventKind = "heartbeat"
	TelemetryExpired    TelemetryEventKind = "expired"
)

// QueueTelemetryEvent is a performance/health observation emitted by store
// operations — queue depth, wait time, lease duration.
type QueueTelemetryEvent struct {
	QueueName      string
	Event          TelemetryEventKind
	MessageID      string
	TraceID        string
	Timestamp      time.Time
	QueueDepth     *int
	WaitMS         *float64
	LeaseDurationS *float64
}

// AuditEventKind is the closed set of security-relevant control-flow
// points a RuntimeAuditEvent can report.
type AuditEventKind string

const (
	AuditEnqueue   AuditEventKind = "enqueue"
	AuditDequeue   AuditEventKind = "dequeue"
	AuditApproval  AuditEventKind = "approval"
	AuditVerify    AuditEventKind = "verify"
	AuditCheck     AuditEventKind = "check"
	AuditGateBlock AuditEventKind = "gate_block"
)

// RuntimeAuditEvent is a security-relevant control-flow record, distinct
// from the performance-oriented QueueTelemetryEvent.
type RuntimeAuditEvent struct {
	Event     AuditEventKind
	TraceID   string
	Agent     string
	MessageID string
	Timestamp time.Time
	Detail    *string
}

// TelemetrySink consumes both event relations. Neither is persisted to the
// store's own tables — that would add an observability-only write path no
// property in the test suite requires.
type TelemetrySink interface {
	Queue(evt QueueTelemetryEvent)
	Audit(evt RuntimeAuditEvent)
}

// LogSink is the default sink: queue events go through the dual
// console+JSON-file lifecycle logger, fire-and-forget, and audit events
// go through the operational logger as structured records.
// internal/metrics layers a Prometheus-backed sink on top for the
// counters and histograms.
type LogSink struct{}

func (LogSink) Queue(evt QueueTelemetryEvent) {
	entry := &logging.LifecycleLog{
		Queue:          evt.QueueName,
		Event:          string(evt.Event),
		MessageID:      evt.MessageID,
		TraceID:        evt.TraceID,
		QueueDepth:     evt.QueueDepth,
		WaitMS:         evt.WaitMS,
		LeaseDurationS: evt.LeaseDurationS,
	}
	safeGo(func() { logging.Default().Log(entry) })
}

func (LogSink) Audit(evt RuntimeAuditEvent) {
	args := []any{"event", string(evt.Event), "trace_id", evt.TraceID, "agent", evt.Agent, "message_id", evt.MessageID}
	if evt.Detail != nil {
		args = append(args, "detail", *evt.Detail)
	}
	logging.Op().Info("runtime audit", args...)
}

// safeGo runs f in a new goroutine with panic recovery, so that a failure
// in fire-and-forget lifecycle logging never crashes a store operation.
func safeGo(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("recovered panic in async task", "panic", r)
			}
		}()
		f()
	}()
}
