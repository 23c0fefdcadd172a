package session

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"relay/internal/llm"
	"relay/internal/logger"
	"relay/internal/tool"
)

// scriptedClient returns canned responses in order and records requests
type scriptedClient struct {
	responses []*llm.ChatResponse
	requests  []*llm.ChatRequest
}

func (c *scriptedClient) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	c.requests = append(c.requests, req)
	if len(c.responses) == 0 {
		return nil, fmt.Errorf("no scripted response left")
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func (c *scriptedClient) ChatStream(ctx context.Context, req *llm.ChatRequest) (llm.StreamReader, error) {
	return nil, fmt.Errorf("not implemented")
}

func (c *scriptedClient) Route() string { return "test" }
func (c *scriptedClient) Model() string { return "test-model" }

type echoTool struct{}

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "Echoes its input" }

func (t *echoTool) Parameters() map[string]any {
	return map[string]any{"type": "object"}
}

func (t *echoTool) Execute(ctx context.Context, params json.RawMessage) (*tool.Result, error) {
	var args struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return &tool.Result{Success: false, Error: err.Error()}, nil
	}
	return &tool.Result{Success: true, Output: "echo: " + args.Text}, nil
}

func toolCallResponse(id, name, args string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message: llm.Message{
			Role: llm.RoleAssistant,
			ToolCalls: []*llm.ToolCall{{
				ID:       id,
				Type:     "function",
				Function: &llm.FunctionCall{Name: name, Arguments: args},
			}},
		},
		StopReason: llm.StopReasonToolCalls,
	}
}

func textResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message:    llm.Message{Role: llm.RoleAssistant, Content: content},
		StopReason: llm.StopReasonStop,
	}
}

func TestRunSimpleReply(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{textResponse("Paris.")}}
	registry := tool.NewRegistry()

	sess := New(client, registry, &Config{SystemPrompt: "You are a helpful assistant."})

	result, err := sess.Run(context.Background(), &Input{
		Prompt: "What is the capital of France?",
		Logger: logger.Discard(),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.Reply != "Paris." {
		t.Errorf("reply = %q, want Paris.", result.Reply)
	}
	if len(result.ToolCalls) != 0 {
		t.Errorf("expected no tool calls, got %d", len(result.ToolCalls))
	}

	// system + user + assistant
	if len(result.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(result.Messages))
	}
	if result.Messages[0].Role != llm.RoleSystem {
		t.Errorf("first message role = %q, want system", result.Messages[0].Role)
	}
}

func TestRunToolLoop(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolCallResponse("call_1", "echo", `{"text":"hi"}`),
		textResponse("The tool said: echo: hi"),
	}}

	registry := tool.NewRegistry()
	registry.Register(&echoTool{})

	sess := New(client, registry, nil)

	result, err := sess.Run(context.Background(), &Input{Prompt: "run echo", Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.Reply != "The tool said: echo: hi" {
		t.Errorf("reply = %q", result.Reply)
	}
	if len(result.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call result, got %d", len(result.ToolCalls))
	}
	if !result.ToolCalls[0].Result.Success {
		t.Error("tool call should have succeeded")
	}

	// The second request must include the tool result message.
	if len(client.requests) != 2 {
		t.Fatalf("expected 2 chat requests, got %d", len(client.requests))
	}
	second := client.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != llm.RoleTool {
		t.Errorf("last message role = %q, want tool", last.Role)
	}
	if last.ToolCallID != "call_1" {
		t.Errorf("tool call id = %q, want call_1", last.ToolCallID)
	}
	if last.Content != "echo: hi" {
		t.Errorf("tool result content = %q", last.Content)
	}

	// Tool declarations ride along on every request.
	if len(second.Tools) != 1 || second.Tools[0].Function.Name != "echo" {
		t.Errorf("tool definitions missing from request")
	}
}

func TestRunUnknownToolContinues(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolCallResponse("call_1", "does_not_exist", `{}`),
		textResponse("recovered"),
	}}

	sess := New(client, tool.NewRegistry(), nil)

	result, err := sess.Run(context.Background(), &Input{Prompt: "go", Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.Reply != "recovered" {
		t.Errorf("reply = %q, want recovered", result.Reply)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Result.Success {
		t.Error("expected one failed tool call result")
	}
}

func TestRunMaxTurnsExceeded(t *testing.T) {
	// The model keeps asking for tools and never produces a final reply.
	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolCallResponse("call_1", "echo", `{"text":"a"}`),
		toolCallResponse("call_2", "echo", `{"text":"b"}`),
		toolCallResponse("call_3", "echo", `{"text":"c"}`),
	}}

	registry := tool.NewRegistry()
	registry.Register(&echoTool{})

	sess := New(client, registry, &Config{MaxTurns: 2})

	if _, err := sess.Run(context.Background(), &Input{Prompt: "loop", Logger: logger.Discard()}); err == nil {
		t.Fatal("expected max turns error")
	}
}

func TestRunLengthTruncation(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{{
		Message:    llm.Message{Role: llm.RoleAssistant, Content: "partial answer"},
		StopReason: llm.StopReasonLength,
	}}}

	sess := New(client, tool.NewRegistry(), nil)

	result, err := sess.Run(context.Background(), &Input{Prompt: "long", Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.Reply != "partial answer\n[Response truncated due to length limit]" {
		t.Errorf("reply = %q", result.Reply)
	}
}
