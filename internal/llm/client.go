package llm

import "context"

// Client is a chat-completion client bound to a single proxy route.
type Client interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req *ChatRequest) (StreamReader, error)
	Route() string
	Model() string
}

type ChatRequest struct {
	Messages    []Message
	Tools       []*ToolDefinition
	Temperature float32
	MaxTokens   int
}

type ChatResponse struct {
	Message    Message
	StopReason StopReason
	Usage      Usage
}

type ToolDefinition struct {
	Type     string
	Function *FunctionDef
}

type FunctionDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// StreamReader is a pull-based, single-pass reader over a streaming
// response. Recv blocks until the next delta arrives and returns a Delta
// with Done set once the stream has terminated normally. Stopping early
// is always safe; Close releases the underlying connection.
type StreamReader interface {
	Recv() (*Delta, error)
	Close() error
}

// Delta is one increment of a streaming response.
type Delta struct {
	Role      Role
	Reason    string
	Content   string
	ToolCalls []*ToolCall
	Done      bool
}
