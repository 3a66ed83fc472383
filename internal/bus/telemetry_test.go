package bus

import (
	"testing"
	"time"
)

func TestLogSinkDoesNotPanicOnZeroValueEvents(t *testing.T) {
	var sink LogSink
	sink.Queue(QueueTelemetryEvent{})
	sink.Audit(RuntimeAuditEvent{})
}

func TestLogSinkDoesNotPanicOnFullyPopulatedEvents(t *testing.T) {
	depth := 3
	wait := 12.5
	lease := 30.0
	detail := "blocked by approval gate"
	var sink LogSink

	sink.Queue(QueueTelemetryEvent{
		QueueName:      QueueRouter,
		Event:          TelemetryDequeue,
		MessageID:      "msg-1",
		TraceID:        "trace-1",
		Timestamp:      time.Now(),
		QueueDepth:     &depth,
		WaitMS:         &wait,
		LeaseDurationS: &lease,
	})
	sink.Audit(RuntimeAuditEvent{
		Event:     AuditGateBlock,
		TraceID:   "trace-1",
		Agent:     "executor",
		MessageID: "msg-1",
		Timestamp: time.Now(),
		Detail:    &detail,
	})
}
