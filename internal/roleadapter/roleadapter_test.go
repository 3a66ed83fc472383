package roleadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func stubServer(t *testing.T, fnName, argsJSON string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Tools) != 1 {
			t.Fatalf("expected exactly one tool, got %d", len(req.Tools))
		}

		resp := chatCompletionResponse{
			Choices: []chatChoice{
				{
					FinishReason: "tool_calls",
					Message: chatChoiceMessage{
						ToolCalls: []toolCall{
							{Type: "function", Function: functionCall{Name: fnName, Arguments: argsJSON}},
						},
					},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestRouterRoleRoute(t *testing.T) {
	srv := stubServer(t, "route_decision", `{"route":"planner","reason":"needs multiple steps"}`)
	defer srv.Close()

	a := New(Config{Endpoint: srv.URL, Model: "test-model", APIKey: "sk-test"})
	decision, err := a.Router().Route(context.Background(), "build me a thing")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.Route != "planner" {
		t.Fatalf("Route = %q, want %q", decision.Route, "planner")
	}
	if decision.Reason == "" {
		t.Fatal("Reason should not be empty")
	}
}

func TestPlannerRolePlan(t *testing.T) {
	srv := stubServer(t, "plan_action", `{"plan_markdown":"1. do a thing","message":"drafted a plan"}`)
	defer srv.Close()

	a := New(Config{Endpoint: srv.URL, Model: "test-model", APIKey: "sk-test"})
	action, err := a.Planner().Plan(context.Background(), "goal: ship the feature")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if action.PlanMarkdown == "" {
		t.Fatal("PlanMarkdown should not be empty")
	}
}

func TestExecutorRoleExecute(t *testing.T) {
	srv := stubServer(t, "execution_result", `{"summary":"ran the task","last_error":null}`)
	defer srv.Close()

	a := New(Config{Endpoint: srv.URL, Model: "test-model", APIKey: "sk-test"})
	result, err := a.Executor().Execute(context.Background(), "run the task")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Summary != "ran the task" {
		t.Fatalf("Summary = %q, want %q", result.Summary, "ran the task")
	}
	if result.LastError != nil {
		t.Fatalf("LastError = %v, want nil", *result.LastError)
	}
}

func TestExecutorRoleExecuteWithError(t *testing.T) {
	srv := stubServer(t, "execution_result", `{"summary":"attempted the task","last_error":"tool timed out"}`)
	defer srv.Close()

	a := New(Config{Endpoint: srv.URL, Model: "test-model", APIKey: "sk-test"})
	result, err := a.Executor().Execute(context.Background(), "run the task")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.LastError == nil || *result.LastError != "tool timed out" {
		t.Fatalf("LastError = %v, want %q", result.LastError, "tool timed out")
	}
}

func TestCallRejectsContentOnlyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		content := "I'd rather just chat"
		resp := chatCompletionResponse{
			Choices: []chatChoice{
				{FinishReason: "stop", Message: chatChoiceMessage{Content: &content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	a := New(Config{Endpoint: srv.URL, Model: "test-model", APIKey: "sk-test"})
	if _, err := a.Router().Route(context.Background(), "hello"); err == nil {
		t.Fatal("expected an error when the model returns content instead of a tool call")
	}
}

func TestCallRejectsNon200Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	a := New(Config{Endpoint: srv.URL, Model: "test-model", APIKey: "sk-test"})
	if _, err := a.Planner().Plan(context.Background(), "goal"); err == nil {
		t.Fatal("expected an error on non-200 status")
	}
}
