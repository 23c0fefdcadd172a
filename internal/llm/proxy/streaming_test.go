package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relay/internal/llm"

	openai "github.com/sashabaranov/go-openai"
)

// sseBody builds an event-stream body from data payloads.
func sseBody(payloads ...string) string {
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString("data: ")
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	return b.String()
}

func contentChunk(content string) string {
	return `{"choices":[{"index":0,"delta":{"content":` + mustJSON(content) + `}}]}`
}

func mustJSON(s string) string {
	data, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// drain pulls the reader to completion, collecting content fragments in
// arrival order.
func drain(t *testing.T, reader *StreamReader) []string {
	t.Helper()

	var fragments []string
	for {
		delta, err := reader.Recv()
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		if delta.Done {
			return fragments
		}
		if delta.Content != "" {
			fragments = append(fragments, delta.Content)
		}
	}
}

func TestStreamAccumulatesInOrder(t *testing.T) {
	body := sseBody(
		`{"choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
		contentChunk("Hel"),
		contentChunk("lo, "),
		contentChunk("world"),
		`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		"[DONE]",
	)

	reader := newStreamReader(io.NopCloser(strings.NewReader(body)))
	fragments := drain(t, reader)

	want := []string{"Hel", "lo, ", "world"}
	if len(fragments) != len(want) {
		t.Fatalf("got %d fragments, want %d", len(fragments), len(want))
	}
	for i, f := range fragments {
		if f != want[i] {
			t.Errorf("fragment %d = %q, want %q", i, f, want[i])
		}
	}

	if got := reader.Message().Content; got != "Hello, world" {
		t.Errorf("accumulated content = %q, want %q", got, "Hello, world")
	}
}

func TestStreamBoundaryInsensitive(t *testing.T) {
	splits := [][]string{
		{"Hello"},
		{"He", "llo"},
		{"H", "e", "l", "l", "o"},
	}

	for _, split := range splits {
		payloads := make([]string, 0, len(split)+1)
		for _, s := range split {
			payloads = append(payloads, contentChunk(s))
		}
		payloads = append(payloads, "[DONE]")

		reader := newStreamReader(io.NopCloser(strings.NewReader(sseBody(payloads...))))
		drain(t, reader)

		if got := reader.Message().Content; got != "Hello" {
			t.Errorf("split %v: accumulated content = %q, want Hello", split, got)
		}
	}
}

func TestStreamEmptyBeforeSentinel(t *testing.T) {
	body := sseBody(
		`{"choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
		"[DONE]",
	)

	reader := newStreamReader(io.NopCloser(strings.NewReader(body)))
	fragments := drain(t, reader)

	if len(fragments) != 0 {
		t.Errorf("expected no content fragments, got %v", fragments)
	}
	if got := reader.Message().Content; got != "" {
		t.Errorf("accumulated content = %q, want empty", got)
	}
}

func TestStreamTruncated(t *testing.T) {
	// No [DONE] sentinel.
	body := sseBody(contentChunk("partial "), contentChunk("answer"))

	reader := newStreamReader(io.NopCloser(strings.NewReader(body)))

	var got string
	for {
		delta, err := reader.Recv()
		if err != nil {
			if !errors.Is(err, ErrTruncatedStream) {
				t.Fatalf("expected ErrTruncatedStream, got %v", err)
			}
			break
		}
		if delta.Done {
			t.Fatal("stream reported Done without sentinel")
		}
		got += delta.Content
	}

	// Fragments yielded before the failure stay valid.
	if got != "partial answer" {
		t.Errorf("yielded content = %q, want %q", got, "partial answer")
	}
	if msg := reader.Message(); msg.Content != "partial answer" {
		t.Errorf("accumulated content = %q, want %q", msg.Content, "partial answer")
	}

	// The failure is terminal.
	if _, err := reader.Recv(); !errors.Is(err, ErrTruncatedStream) {
		t.Errorf("second Recv after truncation = %v, want ErrTruncatedStream", err)
	}
}

func TestStreamMalformedChunk(t *testing.T) {
	body := sseBody(contentChunk("ok"), `{not json`, contentChunk("never seen"), "[DONE]")

	reader := newStreamReader(io.NopCloser(strings.NewReader(body)))

	if _, err := reader.Recv(); err != nil {
		t.Fatalf("first Recv failed: %v", err)
	}

	_, err := reader.Recv()
	if !errors.Is(err, ErrMalformedChunk) {
		t.Fatalf("expected ErrMalformedChunk, got %v", err)
	}

	// Consumption halts for the turn.
	if _, err := reader.Recv(); !errors.Is(err, ErrMalformedChunk) {
		t.Errorf("Recv after malformed chunk = %v, want ErrMalformedChunk", err)
	}
}

func TestStreamRecvAfterDone(t *testing.T) {
	reader := newStreamReader(io.NopCloser(strings.NewReader(sseBody("[DONE]"))))

	for i := 0; i < 3; i++ {
		delta, err := reader.Recv()
		if err != nil {
			t.Fatalf("Recv %d failed: %v", i, err)
		}
		if !delta.Done {
			t.Fatalf("Recv %d: expected Done delta", i)
		}
	}
}

func TestStreamSkipsCommentsAndUsageFrames(t *testing.T) {
	body := ": keep-alive\n\n" + sseBody(
		contentChunk("hi"),
		`{"choices":[],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`,
		"[DONE]",
	)

	reader := newStreamReader(io.NopCloser(strings.NewReader(body)))
	fragments := drain(t, reader)

	if len(fragments) != 1 || fragments[0] != "hi" {
		t.Errorf("fragments = %v, want [hi]", fragments)
	}
}

func TestStreamToolCallReassembly(t *testing.T) {
	body := sseBody(
		`{"choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"location\":"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Tokyo\"}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		"[DONE]",
	)

	reader := newStreamReader(io.NopCloser(strings.NewReader(body)))
	drain(t, reader)

	msg := reader.Message()
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(msg.ToolCalls))
	}

	tc := msg.ToolCalls[0]
	if tc.ID != "call_1" {
		t.Errorf("id = %q, want call_1", tc.ID)
	}
	if tc.Function.Name != "get_weather" {
		t.Errorf("name = %q, want get_weather", tc.Function.Name)
	}
	if tc.Function.Arguments != `{"location":"Tokyo"}` {
		t.Errorf("arguments = %q", tc.Function.Arguments)
	}
}

func TestStreamParallelToolCallsOrderedByIndex(t *testing.T) {
	// Fragments for call 1 arrive before call 0 finishes; the final list
	// must still come out in index order.
	body := sseBody(
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"get_weather","arguments":"{}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"get_time","arguments":""}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"function":{"arguments":"{}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		"[DONE]",
	)

	reader := newStreamReader(io.NopCloser(strings.NewReader(body)))
	drain(t, reader)

	msg := reader.Message()
	if len(msg.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(msg.ToolCalls))
	}
	if msg.ToolCalls[0].Function.Name != "get_weather" || msg.ToolCalls[1].Function.Name != "get_time" {
		t.Errorf("tool calls out of order: %s, %s",
			msg.ToolCalls[0].Function.Name, msg.ToolCalls[1].Function.Name)
	}
	if msg.ToolCalls[1].Function.Arguments != "{}" {
		t.Errorf("call_b arguments = %q, want {}", msg.ToolCalls[1].Function.Arguments)
	}
}

func TestAccumulatorApply(t *testing.T) {
	idx := 0
	var acc Accumulator

	chunks := []openai.ChatCompletionStreamResponse{
		{Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{Role: "assistant", Content: "4"},
		}}},
		{Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{
				ToolCalls: []openai.ToolCall{{
					Index:    &idx,
					ID:       "call_1",
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: "calc", Arguments: `{"x":`},
				}},
			},
		}}},
		{Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{
				ToolCalls: []openai.ToolCall{{
					Index:    &idx,
					Function: openai.FunctionCall{Arguments: `2}`},
				}},
			},
			FinishReason: openai.FinishReasonToolCalls,
		}}},
	}

	for i := range chunks {
		acc.Apply(&chunks[i])
	}

	msg := acc.Message()
	if msg.Role != llm.RoleAssistant {
		t.Errorf("role = %q, want assistant", msg.Role)
	}
	if msg.Content != "4" {
		t.Errorf("content = %q, want 4", msg.Content)
	}
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(msg.ToolCalls))
	}
	if got := msg.ToolCalls[0].Function.Arguments; got != `{"x":2}` {
		t.Errorf("arguments = %q, want {\"x\":2}", got)
	}
}

func TestChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stream bool `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("streaming request has stream=false")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, payload := range []string{
			contentChunk("A short "),
			contentChunk("poem"),
			`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			"[DONE]",
		} {
			io.WriteString(w, "data: "+payload+"\n\n")
			flusher.Flush()
		}
	}))
	defer server.Close()

	client := NewClient(server.URL+"/deep-think", "test-token", "any-model")

	reader, err := client.ChatStream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Write a short poem about AI."}},
	})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	defer reader.Close()

	var content string
	for {
		delta, err := reader.Recv()
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		if delta.Done {
			break
		}
		content += delta.Content
	}

	if content != "A short poem" {
		t.Errorf("content = %q, want %q", content, "A short poem")
	}
}

func TestStreamClientDropsTimeout(t *testing.T) {
	client := NewClient("https://worker.example.com/fast", "k", "m")

	if client.httpClient.Timeout == 0 {
		t.Fatal("default client should carry a timeout for non-streaming calls")
	}
	if got := client.streamClient().Timeout; got != 0 {
		t.Errorf("stream client timeout = %v, want 0", got)
	}

	// A caller-supplied client without a timeout is used as-is.
	hc := &http.Client{}
	client = NewClient("https://worker.example.com/fast", "k", "m", WithHTTPClient(hc))
	if client.streamClient() != hc {
		t.Error("timeout-free client should not be cloned")
	}
}

func TestChatStreamOutlivesClientTimeout(t *testing.T) {
	// The whole stream takes several times the configured client timeout;
	// only non-streaming calls may be cut off by it.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 6; i++ {
			io.WriteString(w, "data: "+contentChunk("x")+"\n\n")
			flusher.Flush()
			time.Sleep(50 * time.Millisecond)
		}
		io.WriteString(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	client := NewClient(server.URL+"/deep-think", "test-token", "any-model",
		WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}))

	reader, err := client.ChatStream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "think slowly"}},
	})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	defer reader.Close()

	var content string
	for {
		delta, err := reader.Recv()
		if err != nil {
			t.Fatalf("Recv failed mid-stream: %v", err)
		}
		if delta.Done {
			break
		}
		content += delta.Content
	}

	if content != "xxxxxx" {
		t.Errorf("content = %q, want xxxxxx", content)
	}
}

func TestStreamOversizedEvent(t *testing.T) {
	// A single event beyond the scanner cap is unscannable, not a
	// transport failure.
	body := "data: " + strings.Repeat("x", 1024*1024+64) + "\n\n"

	reader := newStreamReader(io.NopCloser(strings.NewReader(body)))

	_, err := reader.Recv()
	if !errors.Is(err, ErrMalformedChunk) {
		t.Fatalf("expected ErrMalformedChunk, got %v", err)
	}
	if errors.Is(err, ErrTruncatedStream) {
		t.Error("oversized event misclassified as truncation")
	}
}

func TestAccumulatorApplyEmptyFrame(t *testing.T) {
	var acc Accumulator
	acc.Apply(&openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{Content: "hi"},
		}},
	})

	delta := acc.Apply(&openai.ChatCompletionStreamResponse{})
	if delta.Content != "" || delta.Done || len(delta.ToolCalls) != 0 {
		t.Errorf("zero-choice frame produced non-empty delta: %+v", delta)
	}

	if got := acc.Message().Content; got != "hi" {
		t.Errorf("accumulated content = %q, want hi", got)
	}
}
