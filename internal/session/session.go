// Package session drives a multi-turn chat exchange against one proxy
// route: it sends the conversation, surfaces the assistant's reply, and
// dispatches any requested tool invocations through the registry before
// continuing the turn loop.
package session

import (
	"context"
	"fmt"
	"time"

	"relay/internal/llm"
	"relay/internal/logger"
	"relay/internal/tool"
)

// Config controls session behavior
type Config struct {
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
	MaxTurns     int
}

// Input is one session invocation
type Input struct {
	Prompt  string
	History []llm.Message
	Logger  *logger.Logger
}

// Result is the terminal outcome of a session
type Result struct {
	Messages  []llm.Message
	Reply     string
	ToolCalls []*tool.CallResult
}

type Session struct {
	client   llm.Client
	registry *tool.Registry
	config   *Config
}

func New(client llm.Client, registry *tool.Registry, cfg *Config) *Session {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.MaxTurns == 0 {
		cfg.MaxTurns = 10
	}

	return &Session{
		client:   client,
		registry: registry,
		config:   cfg,
	}
}

// Run executes the turn loop until the model produces a final reply, the
// response is truncated by length, or the turn budget runs out.
func (s *Session) Run(ctx context.Context, input *Input) (*Result, error) {
	log := input.Logger
	if log == nil {
		log = logger.Discard()
	}

	startTime := time.Now()
	log.SessionStart(input.Prompt)

	messages := make([]llm.Message, 0, len(input.History)+2)

	if s.config.SystemPrompt != "" {
		messages = append(messages, llm.Message{
			Role:    llm.RoleSystem,
			Content: s.config.SystemPrompt,
		})
	}

	messages = append(messages, input.History...)

	if input.Prompt != "" {
		messages = append(messages, llm.Message{
			Role:      llm.RoleUser,
			Content:   input.Prompt,
			Timestamp: time.Now(),
		})
	}

	allToolCalls := make([]*tool.CallResult, 0)

	for turn := 0; turn < s.config.MaxTurns; turn++ {
		log.Info("Turn %d: calling route %s...", turn+1, s.client.Route())

		resp, err := s.client.Chat(ctx, &llm.ChatRequest{
			Messages:    messages,
			Tools:       s.registry.Definitions(),
			Temperature: s.config.Temperature,
			MaxTokens:   s.config.MaxTokens,
		})
		if err != nil {
			log.Error("Chat call failed: %v", err)
			return nil, fmt.Errorf("chat call failed: %w", err)
		}

		messages = append(messages, resp.Message)

		// Content and tool calls are independently optional; show content
		// when present even if the turn also requests tools.
		if resp.Message.Content != "" {
			log.Reply(resp.Message.Content)
		}

		if len(resp.Message.ToolCalls) > 0 {
			log.Info("Executing %d tool call(s)...", len(resp.Message.ToolCalls))

			toolResults := s.executeCalls(ctx, resp.Message.ToolCalls, log)
			allToolCalls = append(allToolCalls, toolResults...)

			for _, tr := range toolResults {
				messages = append(messages, llm.Message{
					Role:       llm.RoleTool,
					ToolCallID: tr.CallID,
					Content:    toolResultContent(tr.Result),
					Name:       tr.ToolName,
					Timestamp:  tr.EndTime,
				})
			}

			continue
		}

		reply := resp.Message.Content
		if resp.StopReason == llm.StopReasonLength {
			reply += "\n[Response truncated due to length limit]"
		}

		log.SessionEnd(time.Since(startTime), len(allToolCalls))
		return &Result{
			Messages:  messages,
			Reply:     reply,
			ToolCalls: allToolCalls,
		}, nil
	}

	log.Error("Max turns exceeded")
	return nil, fmt.Errorf("max turns (%d) exceeded", s.config.MaxTurns)
}

// executeCalls runs each requested invocation through the registry. A
// missing tool or execution failure becomes a failed result handed back to
// the model; it never aborts the loop.
func (s *Session) executeCalls(ctx context.Context, toolCalls []*llm.ToolCall, log *logger.Logger) []*tool.CallResult {
	results := make([]*tool.CallResult, len(toolCalls))

	for i, tc := range toolCalls {
		log.ToolCall(tc.Function.Name, tc.Function.Arguments)

		startTime := time.Now()

		t, err := s.registry.Get(tc.Function.Name)
		if err != nil {
			duration := time.Since(startTime)
			errorMsg := fmt.Sprintf("tool not found: %v", err)
			log.ToolResult(tc.Function.Name, false, errorMsg, duration)

			results[i] = &tool.CallResult{
				ToolName: tc.Function.Name,
				CallID:   tc.ID,
				Result: &tool.Result{
					Success: false,
					Error:   errorMsg,
				},
				StartTime: startTime,
				EndTime:   time.Now(),
			}
			continue
		}

		result, err := t.Execute(ctx, []byte(tc.Function.Arguments))
		duration := time.Since(startTime)

		if err != nil {
			errorMsg := fmt.Sprintf("execution error: %v", err)
			log.ToolResult(tc.Function.Name, false, errorMsg, duration)

			results[i] = &tool.CallResult{
				ToolName: tc.Function.Name,
				CallID:   tc.ID,
				Result: &tool.Result{
					Success: false,
					Error:   errorMsg,
				},
				StartTime: startTime,
				EndTime:   time.Now(),
			}
			continue
		}

		log.ToolResult(tc.Function.Name, result.Success, result.Output, duration)

		results[i] = &tool.CallResult{
			ToolName:  tc.Function.Name,
			CallID:    tc.ID,
			Params:    []byte(tc.Function.Arguments),
			Result:    result,
			StartTime: startTime,
			EndTime:   time.Now(),
		}
	}

	return results
}

// toolResultContent picks the message body sent back for a tool result
func toolResultContent(r *tool.Result) string {
	if r.Success {
		return r.Output
	}
	if r.Error != "" {
		return r.Error
	}
	return "tool execution failed"
}
