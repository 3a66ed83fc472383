package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/agentbus/internal/logging"
)

// DefaultMaxAttempts is the attempt budget a consumer applies before
// dead-lettering, absent an explicit override.
const DefaultMaxAttempts = 5

// Consumer is one named poll loop the orchestrator supervises.
type Consumer interface {
	Name() string
	PollOnce(ctx context.Context) (didWork bool, err error)
}

// processFunc is the role-specific half of the consumer template. A nil
// returned message means "no follow-on"; a non-nil error means the
// message is nacked rather than acked, or dead-lettered if the error is a
// non-retryable *RoleError.
type processFunc func(ctx context.Context, msg *Message) (*Message, error)

// baseConsumer implements the lease -> process -> ack/nack/dead-letter
// template shared by every role consumer. Role-specific behavior lives
// entirely in process; nothing else about the lifecycle varies.
type baseConsumer struct {
	queueName     string
	maxAttempts   int
	name          string
	store         Store
	router        *Router
	leaseDuration time.Duration
	process       processFunc
}

func newBaseConsumer(queueName string, store Store, router *Router, leaseDuration time.Duration, maxAttempts int, process processFunc) *baseConsumer {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &baseConsumer{
		queueName:     queueName,
		maxAttempts:   maxAttempts,
		name:          "consumer:" + queueName,
		store:         store,
		router:        router,
		leaseDuration: leaseDuration,
		process:       process,
	}
}

func (c *baseConsumer) Name() string { return c.name }

// PollOnce leases at most one message and runs it through the full
// crash-recovery-guard / attempt-budget / process / ack-or-nack sequence.
func (c *baseConsumer) PollOnce(ctx context.Context) (bool, error) {
	msg, err := c.store.Lease(ctx, c.queueName, c.leaseDuration)
	if errors.Is(err, ErrQueueEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	processed, err := c.store.HasProcessed(ctx, c.name, msg.ID)
	if err != nil {
		return false, err
	}
	if processed {
		if err := c.store.Ack(ctx, msg.ID); err != nil {
			return false, err
		}
		return true, nil
	}

	if msg.Attempt >= c.maxAttempts {
		reason := fmt.Sprintf("max_attempts_exceeded (%d)", c.maxAttempts)
		if err := c.store.DeadLetter(ctx, msg.ID, reason); err != nil {
			return false, err
		}
		logging.OpWithTrace(msg.TraceID, "").Warn("dead-lettered after max attempts", "consumer", c.name, "id", msg.ID, "kind", msg.Kind)
		return true, nil
	}

	followOn, procErr := c.process(ctx, msg)
	if procErr != nil {
		var roleErr *RoleError
		if errors.As(procErr, &roleErr) && !roleErr.Retryable {
			if err := c.store.DeadLetter(ctx, msg.ID, roleErr.DeadLetterReason()); err != nil {
				return false, err
			}
			logging.OpWithTrace(msg.TraceID, "").Warn("dead-lettered on non-retryable role error", "consumer", c.name, "id", msg.ID, "kind", msg.Kind, "error", procErr)
			return true, nil
		}
		if err := c.store.Nack(ctx, msg.ID); err != nil {
			return false, err
		}
		logging.OpWithTrace(msg.TraceID, "").Error("consumer process failed", "consumer", c.name, "id", msg.ID, "kind", msg.Kind, "error", procErr)
		return true, nil
	}

	if err := c.store.MarkProcessed(ctx, c.name, msg.ID); err != nil {
		return false, err
	}
	if err := c.store.Ack(ctx, msg.ID); err != nil {
		return false, err
	}
	if followOn != nil {
		if err := c.router.RouteWithTrace(ctx, followOn, msg.TraceID); err != nil {
			return false, err
		}
	}
	return true, nil
}

// NewRouterConsumer consumes the router queue: turns user_message into a
// plan_request when the router role decides it needs planning, enriches
// execution_status with the computed UI surfaces, and otherwise invokes
// the role for informational processing with no follow-on.
func NewRouterConsumer(store Store, router *Router, role RouterRole, leaseDuration time.Duration, maxAttempts int) Consumer {
	c := newBaseConsumer(QueueRouter, store, router, leaseDuration, maxAttempts, nil)
	c.process = func(ctx context.Context, msg *Message) (*Message, error) {
		switch msg.Kind {
		case KindUserMessage:
			decision, err := role.Route(ctx, msg.PayloadString("text"))
			if err != nil {
				return nil, err
			}
			if decision.Route != RoutePlanner {
				// Direct answers are emitted by the role itself onto the
				// router queue through its own side channel.
				return nil, nil
			}
			return NewMessage(KindPlanRequest, SenderRouter, msg.TraceID, map[string]any{
				"user_request": msg.PayloadString("text"),
				"autonomous":   false,
			}), nil

		case KindExecutionStatus:
			msg.Payload["surfaces"] = RouteToSurface(msg.PayloadString("status"))
			return nil, nil

		case KindPlanResult:
			return nil, nil

		default:
			if _, err := role.Route(ctx, msg.PayloadString("text")); err != nil {
				return nil, err
			}
			return nil, nil
		}
	}
	return c
}

// NewPlannerConsumer consumes the planner queue: turns plan_request,
// replan_request, and research_result into plan_result follow-ons.
func NewPlannerConsumer(store Store, router *Router, role PlannerRole, leaseDuration time.Duration, maxAttempts int) Consumer {
	c := newBaseConsumer(QueuePlanner, store, router, leaseDuration, maxAttempts, nil)
	c.process = func(ctx context.Context, msg *Message) (*Message, error) {
		switch msg.Kind {
		case KindPlanRequest:
			action, err := role.Plan(ctx, msg.PayloadString("user_request"))
			if err != nil {
				return nil, err
			}
			return planResult(msg.TraceID, action, false), nil

		case KindReplanRequest:
			action, err := role.Plan(ctx, replanPrompt(msg))
			if err != nil {
				return nil, err
			}
			return planResult(msg.TraceID, action, true), nil

		case KindResearchResult:
			action, err := role.Plan(ctx, msg.PayloadString("findings"))
			if err != nil {
				return nil, err
			}
			if action.PlanMarkdown == "" {
				// Research integrated but no plan emerged yet; wait for more.
				return nil, nil
			}
			return planResult(msg.TraceID, action, false), nil

		default:
			logging.Op().Debug("planner consumer dropping unknown kind", "kind", msg.Kind)
			return nil, nil
		}
	}
	return c
}

func planResult(traceID string, action PlanAction, isReplan bool) *Message {
	return NewMessage(KindPlanResult, SenderPlanner, traceID, map[string]any{
		"message":       action.Message,
		"plan_markdown": action.PlanMarkdown,
		"is_replan":     isReplan,
	})
}

func replanPrompt(msg *Message) string {
	prompt := "Produce an alternative plan. Do not repeat the approach that already failed.\n"
	prompt += "Original goal: " + msg.PayloadString("original_goal") + "\n"
	if history := payloadSlice(msg, "failure_history"); len(history) > 0 {
		prompt += "Failure history:\n"
		for _, entry := range history {
			prompt += fmt.Sprintf("- %v\n", entry)
		}
	}
	return prompt
}

// payloadSlice reads a []any field tolerant of the two shapes a payload
// can arrive in: constructed in-process as []map[string]any, or decoded
// from JSON as []any of map[string]any.
func payloadSlice(msg *Message, key string) []any {
	v, ok := msg.Payload[key]
	if !ok {
		return nil
	}
	switch s := v.(type) {
	case []any:
		return s
	case []map[string]any:
		out := make([]any, len(s))
		for i, m := range s {
			out[i] = m
		}
		return out
	default:
		return nil
	}
}

// ExecutorConsumerOptions configures the executor consumer's failure
// handling beyond the base template.
type ExecutorConsumerOptions struct {
	Consult        *ConsultManager
	ConsultTimeout time.Duration
}

// NewExecutorConsumer consumes the executor queue: runs execution_request
// and research_request through the executor role, with one consult-and-
// retry cycle on a stuck execution that requests it.
func NewExecutorConsumer(store Store, router *Router, role ExecutorRole, leaseDuration time.Duration, maxAttempts int, opts ExecutorConsumerOptions) Consumer {
	c := newBaseConsumer(QueueExecutor, store, router, leaseDuration, maxAttempts, nil)
	c.process = func(ctx context.Context, msg *Message) (*Message, error) {
		switch msg.Kind {
		case KindExecutionRequest:
			return executeWithConsult(ctx, msg, role, opts)

		case KindResearchRequest:
			result, err := role.Execute(ctx, "research: "+msg.PayloadString("query"))
			if err != nil {
				return nil, err
			}
			return NewMessage(KindResearchResult, SenderExecutor, msg.TraceID, map[string]any{
				"findings": result.Summary,
			}), nil

		default:
			logging.Op().Debug("executor consumer dropping unknown kind", "kind", msg.Kind)
			return nil, nil
		}
	}
	return c
}

func executeWithConsult(ctx context.Context, msg *Message, role ExecutorRole, opts ExecutorConsumerOptions) (*Message, error) {
	prompt := msg.PayloadString("task_description")
	if guidance := msg.PayloadString("guidance"); guidance != "" {
		prompt += "\n\nGuidance: " + guidance
	}

	result, err := role.Execute(ctx, prompt)
	status, lastErr := classifyExecution(result, err)

	if status == StatusFailed && msg.PayloadString("on_stuck") == "consult_planner" && opts.Consult != nil {
		failureContext := []map[string]any{{"error": derefOr(lastErr, "")}}
		guidance, cErr := opts.Consult.Consult(ctx, msg.WorkItemID, failureContext, msg.TraceID, opts.ConsultTimeout)
		if cErr == nil {
			retryResult, retryErr := role.Execute(ctx, prompt+"\n\nGuidance: "+guidance)
			status, lastErr = classifyExecution(retryResult, retryErr)
			if status != StatusFailed {
				result = retryResult
			}
		}
	}

	payload := map[string]any{
		"status":   status,
		"summary":  result.Summary,
		"surfaces": RouteToSurface(status),
	}
	if lastErr != nil {
		payload["last_error"] = *lastErr
	}
	return NewMessage(KindExecutionStatus, SenderExecutor, msg.TraceID, payload), nil
}

func classifyExecution(result ExecutionResult, err error) (status string, lastErr *string) {
	if err != nil {
		s := err.Error()
		return StatusFailed, &s
	}
	if result.LastError != nil {
		return StatusFailed, result.LastError
	}
	return StatusDone, nil
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
