// Package bus implements the durable, lease-based message broker that the
// router, planner, and executor roles communicate over: persistence,
// routing, the consumer lifecycle, orchestration, and the higher-order
// consult/replan flows layered on top of it.
package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageKind is the closed set of envelope kinds recognized by the bus.
type MessageKind string

const (
	KindPlanRequest      MessageKind = "plan_request"
	KindPlanResult       MessageKind = "plan_result"
	KindExecutionRequest MessageKind = "execution_request"
	KindExecutionStatus  MessageKind = "execution_status"
	KindResearchRequest  MessageKind = "research_request"
	KindResearchResult   MessageKind = "research_result"
	KindPlannerGuidance  MessageKind = "planner_guidance"
	KindReplanRequest    MessageKind = "replan_request"
	KindApprovalRequest  MessageKind = "approval_request"
	KindApprovalResult   MessageKind = "approval_result"
	KindUserMessage      MessageKind = "user_message"
	KindAgentResponse    MessageKind = "agent_response"
	KindSystemEvent      MessageKind = "system_event"
)

// Sender identifies the origin of a message.
type Sender string

const (
	SenderUser     Sender = "user"
	SenderRouter   Sender = "router"
	SenderPlanner  Sender = "planner"
	SenderExecutor Sender = "executor"
	SenderRuntime  Sender = "runtime"
)

// Taint describes the trust level of the content that produced a message.
type Taint string

const (
	TaintOwner     Taint = "owner"
	TaintTrusted   Taint = "trusted"
	TaintUntrusted Taint = "untrusted"
)

// Urgency is the priority hint carried on the envelope.
type Urgency string

const (
	UrgencyBackground     Urgency = "background"
	UrgencyInformational  Urgency = "informational"
	UrgencyNeedsAttention Urgency = "needs_attention"
)

// Execution status values. The set is open in principle (role adapters may
// report anything), but the status router (status.go) treats this subset
// specially.
const (
	StatusRunning            = "running"
	StatusDone               = "done"
	StatusFailed             = "failed"
	StatusStuck              = "stuck"
	StatusBlocked            = "blocked"
	StatusVerificationFailed = "verification_failed"
)

// Message is the canonical envelope for every unit on the bus. Payload is
// kept as a semi-structured map rather than a closed interface hierarchy so
// that the store can round-trip it through JSON without a kind-specific
// schema registry; each producer fills it with the keys its message_kind
// expects.
type Message struct {
	ID         string         `json:"id"`
	QueueName  string         `json:"queue_name"`
	Kind       MessageKind    `json:"message_kind"`
	Sender     Sender         `json:"sender"`
	TraceID    string         `json:"trace_id"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
	LeaseID    *string        `json:"lease_id,omitempty"`
	LeaseUntil *time.Time     `json:"lease_expires_at,omitempty"`
	Attempt    int            `json:"attempt_count"`

	ScopeID        string  `json:"scope_id,omitempty"`
	Taint          Taint   `json:"taint,omitempty"`
	TaskID         string  `json:"task_id,omitempty"`
	ParentTaskID   string  `json:"parent_task_id,omitempty"`
	WorkItemID     string  `json:"work_item_id,omitempty"`
	ApprovalToken  string  `json:"approval_token,omitempty"`
	Urgency        Urgency `json:"urgency,omitempty"`
}

// NewMessage builds an envelope with a fresh id, an unset queue (the router
// assigns it), and trace_id defaulted to a fresh id if absent.
func NewMessage(kind MessageKind, sender Sender, traceID string, payload map[string]any) *Message {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return &Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Sender:    sender,
		TraceID:   traceID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// PayloadString reads a string field from the payload, returning "" if
// absent or of the wrong type.
func (m *Message) PayloadString(key string) string {
	v, ok := m.Payload[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// PayloadBool reads a bool field from the payload.
func (m *Message) PayloadBool(key string) bool {
	v, ok := m.Payload[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// PayloadInt reads an int field from the payload, tolerant of the
// float64 shape JSON round-tripping produces.
func (m *Message) PayloadInt(key string) int {
	v, ok := m.Payload[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// Clone produces a shallow copy suitable for mutating the lease fields
// without aliasing the caller's message.
func (m *Message) Clone() *Message {
	cp := *m
	payload := make(map[string]any, len(m.Payload))
	for k, v := range m.Payload {
		payload[k] = v
	}
	cp.Payload = payload
	return &cp
}

// MarshalPayload returns the JSON encoding of the payload map, used by
// store implementations for the on-disk blob. There is no separate wire
// protocol — JSON is only ever used as a local persistence format.
func (m *Message) MarshalPayload() ([]byte, error) {
	return json.Marshal(m.Payload)
}
