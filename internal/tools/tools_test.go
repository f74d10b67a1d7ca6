package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/halcyonlabs/agentrun"
)

func TestFuncToolOptions(t *testing.T) {
	tool := NewFuncTool("echo",
		func(ctx context.Context, params, execCtx map[string]any) (*agentrun.ToolResult, error) {
			return &agentrun.ToolResult{Success: true, Data: map[string]any{"msg": params["msg"]}}, nil
		},
		WithCategory("testing"),
		WithDescription("echoes its input"),
		WithFlatCost(7),
	)

	if tool.Name() != "echo" {
		t.Errorf("expected name 'echo', got %q", tool.Name())
	}
	if tool.Category() != "testing" {
		t.Errorf("expected category 'testing', got %q", tool.Category())
	}
	if got := tool.EstimateCost(nil); got != 7 {
		t.Errorf("expected cost 7, got %d", got)
	}
	if err := tool.Validate(nil); err == nil {
		t.Error("default validator should reject nil params")
	}
}

func TestCalculate(t *testing.T) {
	tool := NewCalculateTool()
	ctx := context.Background()

	result, err := tool.Execute(ctx, map[string]any{"expression": "pow(2, 10) + sqrt(16)"}, nil)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	data := result.Data
	if got := data["result"].(float64); got != 1028 {
		t.Errorf("expected 1028, got %v", got)
	}
}

func TestCalculateRejectsUnknownFunction(t *testing.T) {
	tool := NewCalculateTool()
	_, err := tool.Execute(context.Background(), map[string]any{"expression": "system('rm')"}, nil)
	if err == nil {
		t.Fatal("expected error for non-whitelisted function")
	}
}

func TestCalculateUsesExecutionContext(t *testing.T) {
	tool := NewCalculateTool()
	execCtx := map[string]any{"step1": 21.0}

	result, err := tool.Execute(context.Background(), map[string]any{"expression": "step1 * 2"}, execCtx)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	data := result.Data
	if got := data["result"].(float64); got != 42 {
		t.Errorf("expected 42, got %v", got)
	}
}

func TestCalculateValidate(t *testing.T) {
	tool := NewCalculateTool()
	if err := tool.Validate(map[string]any{}); err == nil {
		t.Error("expected error for missing expression")
	}
	if err := tool.Validate(map[string]any{"expression": 5}); err == nil {
		t.Error("expected error for non-string expression")
	}
	if err := tool.Validate(map[string]any{"expression": "1+1"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFetchWebpage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "hello from the server")
	}))
	defer server.Close()

	tool := NewFetchWebpageTool(server.Client())
	result, err := tool.Execute(context.Background(), map[string]any{"url": server.URL}, nil)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	data := result.Data
	if !strings.Contains(data["body"].(string), "hello from the server") {
		t.Errorf("unexpected body: %v", data["body"])
	}
}

func TestFetchWebpageErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer server.Close()

	tool := NewFetchWebpageTool(server.Client())
	result, err := tool.Execute(context.Background(), map[string]any{"url": server.URL}, nil)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Success {
		t.Error("expected a failed result for status 404")
	}
	if result.Error == "" {
		t.Error("expected an error message")
	}
}

func TestFetchWebpageValidate(t *testing.T) {
	tool := NewFetchWebpageTool(nil)
	if err := tool.Validate(map[string]any{"url": "ftp://example.com"}); err == nil {
		t.Error("expected error for non-http scheme")
	}
	if err := tool.Validate(map[string]any{"url": "https://example.com"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSendEmailValidate(t *testing.T) {
	tool := NewSendEmailTool()
	if err := tool.Validate(map[string]any{"to": "not-an-address", "subject": "hi"}); err == nil {
		t.Error("expected error for malformed address")
	}
	if err := tool.Validate(map[string]any{"to": "a@example.com"}); err == nil {
		t.Error("expected error for missing subject")
	}
	if err := tool.Validate(map[string]any{"to": "a@example.com", "subject": "hi"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

type stubModel struct {
	reply string
	err   error
}

func (s *stubModel) Chat(ctx context.Context, req agentrun.ChatRequest) (*agentrun.ChatResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &agentrun.ChatResponse{Content: s.reply, InputTokens: 10, OutputTokens: 5}, nil
}

func TestSummarizeFromParam(t *testing.T) {
	tool := NewSummarizeTool(&stubModel{reply: "short version"}, "gemini-1.5-flash")
	result, err := tool.Execute(context.Background(), map[string]any{"text": "a very long document"}, nil)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	data := result.Data
	if data["summary"] != "short version" {
		t.Errorf("unexpected summary: %v", data["summary"])
	}
	if result.Tokens != 15 {
		t.Errorf("expected 15 tokens, got %d", result.Tokens)
	}
}

func TestSummarizeFromSourceStep(t *testing.T) {
	tool := NewSummarizeTool(&stubModel{reply: "condensed"}, "gemini-1.5-flash")
	execCtx := map[string]any{"step2": "output of an earlier step"}

	result, err := tool.Execute(context.Background(), map[string]any{"source": "step2"}, execCtx)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !result.Success {
		t.Fatal("expected success")
	}
}

func TestSummarizeRequiresInput(t *testing.T) {
	tool := NewSummarizeTool(&stubModel{}, "gemini-1.5-flash")
	if _, err := tool.Execute(context.Background(), map[string]any{}, nil); err == nil {
		t.Error("expected error when neither text nor source is set")
	}
}
