package proxy

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"relay/internal/llm"

	openai "github.com/sashabaranov/go-openai"
)

// doneSentinel terminates a well-formed event stream.
const doneSentinel = "[DONE]"

// StreamReader consumes a server-sent event stream of chat completion
// chunks. Each Recv surfaces one chunk's delta in arrival order; once the
// sentinel event arrives, Recv keeps returning a Done delta. A transport
// close before the sentinel yields ErrTruncatedStream, with everything
// accumulated so far still available via Message.
type StreamReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	acc     Accumulator
	done    bool
	err     error
}

func newStreamReader(body io.ReadCloser) *StreamReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &StreamReader{
		body:    body,
		scanner: scanner,
	}
}

func (s *StreamReader) Recv() (*llm.Delta, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.done {
		return &llm.Delta{Done: true}, nil
	}

	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		if payload == doneSentinel {
			s.done = true
			return &llm.Delta{Done: true}, nil
		}

		var chunk openai.ChatCompletionStreamResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			s.err = fmt.Errorf("%w: %v", ErrMalformedChunk, err)
			return nil, s.err
		}

		// Frames without choices (e.g. a trailing usage frame) carry
		// nothing to surface.
		if len(chunk.Choices) == 0 {
			continue
		}

		return s.acc.Apply(&chunk), nil
	}

	switch err := s.scanner.Err(); {
	case errors.Is(err, bufio.ErrTooLong):
		// The transport is fine; the event itself is unscannable.
		s.err = fmt.Errorf("%w: %v", ErrMalformedChunk, err)
	case err != nil:
		s.err = fmt.Errorf("%w: %v", ErrTruncatedStream, err)
	default:
		s.err = ErrTruncatedStream
	}
	return nil, s.err
}

func (s *StreamReader) Close() error {
	return s.body.Close()
}

// Message returns the message accumulated so far. Complete once Recv has
// returned a Done delta; on a truncated stream it holds the valid partial
// content.
func (s *StreamReader) Message() llm.Message {
	return s.acc.Message()
}

// Accumulator folds stream chunks into the final assistant message.
// Apply is a plain left-to-right reduction over chunks, so reassembly can
// be tested without a live transport. Each reader owns its accumulator
// exclusively.
type Accumulator struct {
	msg   llm.Message
	calls map[int]*llm.ToolCall
}

// Apply folds one chunk into the accumulated state and returns the delta to
// surface for it. Content fragments are appended in arrival order; tool-call
// fragments are merged into the call at their chunk index, concatenating
// name and argument fragments until the stream closes.
func (a *Accumulator) Apply(chunk *openai.ChatCompletionStreamResponse) *llm.Delta {
	// Frames without choices (e.g. a trailing usage frame) leave the state
	// untouched.
	if len(chunk.Choices) == 0 {
		return &llm.Delta{}
	}

	choice := chunk.Choices[0]
	delta := choice.Delta

	if a.msg.Role == "" {
		a.msg.Role = llm.RoleAssistant
	}

	out := &llm.Delta{
		Role:    llm.Role(delta.Role),
		Reason:  delta.ReasoningContent,
		Content: delta.Content,
	}

	a.msg.Reason += delta.ReasoningContent
	a.msg.Content += delta.Content

	if len(delta.ToolCalls) > 0 {
		if a.calls == nil {
			a.calls = make(map[int]*llm.ToolCall)
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}

			call, exists := a.calls[index]
			if !exists {
				call = &llm.ToolCall{
					Type:     string(tc.Type),
					Function: &llm.FunctionCall{},
				}
				a.calls[index] = call
			}

			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Function.Name += tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.Function.Arguments += tc.Function.Arguments
			}

			out.ToolCalls = append(out.ToolCalls, call)
		}
	}

	finish := choice.FinishReason
	if finish == openai.FinishReasonStop ||
		finish == openai.FinishReasonToolCalls ||
		finish == openai.FinishReasonLength {
		a.finalize()
	}

	return out
}

// Message finalizes pending tool calls and returns the accumulated message.
func (a *Accumulator) Message() llm.Message {
	a.finalize()
	return a.msg
}

// finalize rebuilds the message's tool-call list from the merged fragments,
// ordered by chunk index. Safe to call more than once.
func (a *Accumulator) finalize() {
	if len(a.calls) == 0 {
		return
	}

	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	a.msg.ToolCalls = make([]*llm.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		a.msg.ToolCalls = append(a.msg.ToolCalls, a.calls[i])
	}
}
