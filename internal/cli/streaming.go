package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"relay/internal/llm"
)

// ANSI Color codes
const (
	ColorReset = "\033[0m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[90m"
)

// StreamingWriter provides utilities for writing streaming content to output
type StreamingWriter struct {
	writer    io.Writer
	colorMode bool
}

func NewStreamingWriter(w io.Writer) *StreamingWriter {
	if w == nil {
		w = os.Stdout
	}
	return &StreamingWriter{
		writer:    w,
		colorMode: true,
	}
}

func (sw *StreamingWriter) SetColorMode(enabled bool) {
	sw.colorMode = enabled
}

// Write writes content to the output
func (sw *StreamingWriter) Write(content string) {
	fmt.Fprint(sw.writer, content)
}

// WriteLine writes a line to the output
func (sw *StreamingWriter) WriteLine(content string) {
	fmt.Fprintln(sw.writer, content)
}

// WriteColored writes colored content if color mode is enabled
func (sw *StreamingWriter) WriteColored(content, color string) {
	if sw.colorMode {
		fmt.Fprintf(sw.writer, "%s%s%s", color, content, ColorReset)
	} else {
		fmt.Fprint(sw.writer, content)
	}
}

// StreamRenderer renders streaming responses fragment by fragment
type StreamRenderer struct {
	writer     *StreamingWriter
	showReason bool
}

func NewStreamRenderer(writer *StreamingWriter) *StreamRenderer {
	return &StreamRenderer{
		writer: writer,
	}
}

// SetShowReason enables rendering of reasoning fragments (dimmed)
func (sr *StreamRenderer) SetShowReason(show bool) {
	sr.showReason = show
}

// RenderDelta renders a single delta from the stream. Empty-content deltas
// (role-only first chunk, tool-call fragments) produce no output.
func (sr *StreamRenderer) RenderDelta(delta *llm.Delta) {
	if sr.showReason && delta.Reason != "" {
		sr.writer.WriteColored(delta.Reason, ColorGray)
	}
	if delta.Content != "" {
		sr.writer.Write(delta.Content)
	}
}

// RenderComplete indicates the stream is complete
func (sr *StreamRenderer) RenderComplete() {
	sr.writer.WriteLine("")
}

// StreamContent pulls the stream to completion, rendering each fragment in
// arrival order, and returns the accumulated message. Content rendered
// before a stream failure has already reached the caller's output; the
// error marks the turn incomplete.
func (sr *StreamRenderer) StreamContent(ctx context.Context, reader llm.StreamReader) (llm.Message, error) {
	defer reader.Close()

	var accumulatedMsg llm.Message
	accumulatedMsg.Role = llm.RoleAssistant
	seenCalls := make(map[*llm.ToolCall]bool)

	for {
		select {
		case <-ctx.Done():
			return accumulatedMsg, ctx.Err()
		default:
		}

		delta, err := reader.Recv()
		if err != nil {
			return accumulatedMsg, err
		}

		if delta.Done {
			break
		}

		sr.RenderDelta(delta)

		if delta.Reason != "" {
			accumulatedMsg.Reason += delta.Reason
		}
		if delta.Content != "" {
			accumulatedMsg.Content += delta.Content
		}

		// Tool-call fragments point at the reader's merged calls; collect
		// each call once and let later fragments fill it in place.
		for _, tc := range delta.ToolCalls {
			if !seenCalls[tc] {
				seenCalls[tc] = true
				accumulatedMsg.ToolCalls = append(accumulatedMsg.ToolCalls, tc)
			}
		}
	}

	sr.RenderComplete()
	return accumulatedMsg, nil
}
