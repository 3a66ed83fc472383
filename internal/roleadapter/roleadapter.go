// Package roleadapter implements bus.RouterRole, bus.PlannerRole, and
// bus.ExecutorRole against an OpenAI-compatible chat completions endpoint,
// using forced function-calling to get a structured decision back from
// each turn instead of parsing free-form text.
package roleadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oriys/agentbus/internal/bus"
)

// Config holds the connection settings shared by every role adapter.
type Config struct {
	Endpoint string
	Model    string
	APIKey   string
}

const (
	defaultTemperature = 0.2
	defaultMaxTokens   = 2048
	requestTimeout     = 60 * time.Second
)

// Adapter is the shared HTTP client behind the three role implementations.
// Each role wraps it with its own system prompt and tool schema.
type Adapter struct {
	cfg    Config
	client *http.Client
}

// New creates an Adapter from the given connection settings.
func New(cfg Config) *Adapter {
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: requestTimeout},
	}
}

// Router wraps an Adapter as a bus.RouterRole.
func (a *Adapter) Router() bus.RouterRole { return routerRole{a} }

// Planner wraps an Adapter as a bus.PlannerRole.
func (a *Adapter) Planner() bus.PlannerRole { return plannerRole{a} }

// Executor wraps an Adapter as a bus.ExecutorRole.
func (a *Adapter) Executor() bus.ExecutorRole { return executorRole{a} }

var routeDecisionTool = map[string]any{
	"type": "function",
	"function": map[string]any{
		"name":        "route_decision",
		"description": "Decide whether a user turn can be answered directly or needs a plan.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"route": map[string]any{
					"type":        "string",
					"description": "\"direct\" if answerable in this turn, \"planner\" if it needs a plan.",
					"enum":        []string{bus.RouteDirect, bus.RoutePlanner},
				},
				"reason": map[string]any{
					"type":        "string",
					"description": "One sentence explaining the routing decision.",
				},
			},
			"required":             []string{"route", "reason"},
			"additionalProperties": false,
		},
		"strict": true,
	},
}

var planActionTool = map[string]any{
	"type": "function",
	"function": map[string]any{
		"name":        "plan_action",
		"description": "Produce a plan for the given goal, task, or research findings.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"plan_markdown": map[string]any{
					"type":        "string",
					"description": "The plan, as a markdown-formatted list of steps. Empty if no plan can be produced yet.",
				},
				"message": map[string]any{
					"type":        "string",
					"description": "A short status message describing the plan or explaining why none was produced.",
				},
			},
			"required":             []string{"plan_markdown", "message"},
			"additionalProperties": false,
		},
		"strict": true,
	},
}

var executionResultTool = map[string]any{
	"type": "function",
	"function": map[string]any{
		"name":        "execution_result",
		"description": "Report the outcome of carrying out one task or research query.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary": map[string]any{
					"type":        "string",
					"description": "What was done and what came of it.",
				},
				"last_error": map[string]any{
					"type":        "string",
					"description": "The error that stopped execution, if any. Omit on success.",
				},
			},
			"required":             []string{"summary"},
			"additionalProperties": false,
		},
		"strict": true,
	},
}

type routerRole struct{ a *Adapter }

func (r routerRole) Route(ctx context.Context, prompt string) (bus.RouterDecision, error) {
	const systemPrompt = "You are the routing layer of an agentic runtime. Decide whether the user's message can be answered directly in this turn or whether it needs to go through a planner first."
	raw, err := r.a.call(ctx, systemPrompt, prompt, routeDecisionTool, "route_decision")
	if err != nil {
		return bus.RouterDecision{}, err
	}
	var decoded struct {
		Route  string `json:"route"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return bus.RouterDecision{}, fmt.Errorf("roleadapter: decode route_decision: %w", err)
	}
	return bus.RouterDecision{Route: decoded.Route, Reason: decoded.Reason}, nil
}

type plannerRole struct{ a *Adapter }

func (p plannerRole) Plan(ctx context.Context, prompt string) (bus.PlanAction, error) {
	const systemPrompt = "You are the planning layer of an agentic runtime. Given a goal, a replan prompt, or research findings, produce a concrete step-by-step plan for the executor to carry out. If no plan can be produced yet, return an empty plan_markdown and explain why in message."
	raw, err := p.a.call(ctx, systemPrompt, prompt, planActionTool, "plan_action")
	if err != nil {
		return bus.PlanAction{}, err
	}
	var decoded struct {
		PlanMarkdown string `json:"plan_markdown"`
		Message      string `json:"message"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return bus.PlanAction{}, fmt.Errorf("roleadapter: decode plan_action: %w", err)
	}
	return bus.PlanAction{PlanMarkdown: decoded.PlanMarkdown, Message: decoded.Message}, nil
}

type executorRole struct{ a *Adapter }

func (e executorRole) Execute(ctx context.Context, prompt string) (bus.ExecutionResult, error) {
	const systemPrompt = "You are the execution layer of an agentic runtime. Carry out the given task or research query and report a summary of the outcome. If you could not complete it, set last_error to a short description of what went wrong."
	raw, err := e.a.call(ctx, systemPrompt, prompt, executionResultTool, "execution_result")
	if err != nil {
		return bus.ExecutionResult{}, err
	}
	var decoded struct {
		Summary   string  `json:"summary"`
		LastError *string `json:"last_error"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return bus.ExecutionResult{}, fmt.Errorf("roleadapter: decode execution_result: %w", err)
	}
	return bus.ExecutionResult{Summary: decoded.Summary, LastError: decoded.LastError}, nil
}

// --- OpenAI-compatible chat completions wire types ---

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []any         `json:"tools,omitempty"`
	ToolChoice  any           `json:"tool_choice,omitempty"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Message      chatChoiceMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type chatChoiceMessage struct {
	Content   *string    `json:"content"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
}

type toolCall struct {
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// call sends one forced-tool-choice chat completion and returns the raw
// JSON arguments string from the matching tool call.
func (a *Adapter) call(ctx context.Context, systemPrompt, userPrompt string, tool map[string]any, fnName string) (string, error) {
	reqBody := chatCompletionRequest{
		Model: a.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Tools:       []any{tool},
		ToolChoice:  map[string]any{"type": "function", "function": map[string]string{"name": fnName}},
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("roleadapter: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("roleadapter: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("roleadapter: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("roleadapter: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("roleadapter: endpoint returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("roleadapter: decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("roleadapter: no choices in response")
	}

	choice := chatResp.Choices[0]
	for _, tc := range choice.Message.ToolCalls {
		if tc.Type == "function" && tc.Function.Name == fnName {
			return tc.Function.Arguments, nil
		}
	}
	if choice.Message.Content != nil && *choice.Message.Content != "" {
		return "", fmt.Errorf("roleadapter: model returned content instead of a %s tool call: %s", fnName, *choice.Message.Content)
	}
	return "", fmt.Errorf("roleadapter: no tool call in response")
}
