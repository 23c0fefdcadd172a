package llm

import (
	"encoding/json"
	"fmt"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type Message struct {
	Role       Role
	Reason     string
	Content    string
	ToolCalls  []*ToolCall
	ToolCallID string
	Name       string
	Timestamp  time.Time
}

type ToolCall struct {
	ID       string
	Type     string
	Function *FunctionCall
}

type FunctionCall struct {
	Name      string
	Arguments string
}

// ParseArguments decodes the serialized arguments payload into v. The
// response consumer never parses arguments itself; callers invoke this
// when they actually need the structured values.
func (f *FunctionCall) ParseArguments(v any) error {
	if err := json.Unmarshal([]byte(f.Arguments), v); err != nil {
		return &ToolArgumentError{Tool: f.Name, Err: err}
	}
	return nil
}

// ToolArgumentError reports an arguments string that is not valid JSON.
type ToolArgumentError struct {
	Tool string
	Err  error
}

func (e *ToolArgumentError) Error() string {
	return fmt.Sprintf("tool %s: invalid arguments: %v", e.Tool, e.Err)
}

func (e *ToolArgumentError) Unwrap() error {
	return e.Err
}

type StopReason string

const (
	StopReasonStop      StopReason = "stop"
	StopReasonLength    StopReason = "length"
	StopReasonToolCalls StopReason = "tool_calls"
)

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}
