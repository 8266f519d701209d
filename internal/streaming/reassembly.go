package streaming

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/zkytech/claude-code-provider-balancer/internal/types"
)

// sseEvent is the minimal parsed shape of one "event: X\ndata: Y\n\n" block.
type sseEvent struct {
	event string
	data  map[string]any
}

func parseSSEChunks(chunks []string) []sseEvent {
	var events []sseEvent
	for _, chunk := range chunks {
		for _, block := range strings.Split(chunk, "\n\n") {
			block = strings.TrimSpace(block)
			if block == "" {
				continue
			}
			var ev sseEvent
			for _, line := range strings.Split(block, "\n") {
				switch {
				case strings.HasPrefix(line, "event:"):
					ev.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				case strings.HasPrefix(line, "data:"):
					payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
					var m map[string]any
					if err := json.Unmarshal([]byte(payload), &m); err == nil {
						ev.data = m
					}
				}
			}
			if ev.data != nil {
				events = append(events, ev)
			}
		}
	}
	return events
}

// SSEToJSON reassembles a completed (or in-progress) SSE chunk history
// into the equivalent Anthropic MessagesResponse, grounded on
// extract_content_from_sse_chunks: walk message_start (model, usage),
// content_block_start (open a new block), content_block_delta (append
// text to the last block, auto-opening one if none exists yet),
// message_delta (stop_reason + usage), ignoring unknown event types.
func SSEToJSON(chunks []string) *types.MessagesResponse {
	resp := &types.MessagesResponse{
		ID:   "msg_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Type: "message",
		Role: "assistant",
	}

	for _, ev := range parseSSEChunks(chunks) {
		kind, _ := ev.data["type"].(string)
		switch kind {
		case types.EventMessageStart:
			if msg, ok := ev.data["message"].(map[string]any); ok {
				if model, ok := msg["model"].(string); ok {
					resp.Model = model
				}
				if usage, ok := msg["usage"].(map[string]any); ok {
					if v, ok := usage["input_tokens"].(float64); ok {
						resp.Usage.InputTokens = int(v)
					}
				}
			}

		case types.EventContentBlockStart:
			block := types.ContentBlock{Type: "text"}
			if cb, ok := ev.data["content_block"].(map[string]any); ok {
				if t, ok := cb["type"].(string); ok {
					block.Type = t
				}
				if t, ok := cb["text"].(string); ok {
					block.Text = t
				}
				if name, ok := cb["name"].(string); ok {
					block.Name = name
				}
				if id, ok := cb["id"].(string); ok {
					block.ID = id
				}
			}
			resp.Content = append(resp.Content, block)

		case types.EventContentBlockDelta:
			delta, ok := ev.data["delta"].(map[string]any)
			if !ok {
				continue
			}
			dtype, _ := delta["type"].(string)
			if len(resp.Content) == 0 {
				resp.Content = append(resp.Content, types.ContentBlock{Type: "text"})
			}
			last := &resp.Content[len(resp.Content)-1]
			switch dtype {
			case "text_delta":
				if text, ok := delta["text"].(string); ok {
					last.Text += text
				}
			case "input_json_delta":
				// partial_json accumulates as raw text; callers needing
				// the parsed value re-parse Input once complete.
				if pj, ok := delta["partial_json"].(string); ok {
					if s, ok := last.Input.(string); ok {
						last.Input = s + pj
					} else {
						last.Input = pj
					}
				}
			}

		case types.EventMessageDelta:
			if delta, ok := ev.data["delta"].(map[string]any); ok {
				if sr, ok := delta["stop_reason"].(string); ok {
					resp.StopReason = sr
				}
			}
			if usage, ok := ev.data["usage"].(map[string]any); ok {
				if v, ok := usage["output_tokens"].(float64); ok {
					resp.Usage.OutputTokens = int(v)
				}
			}
		}
	}

	return resp
}

// JSONToSSE synthesizes a minimal well-formed SSE sequence that replays a
// buffered JSON MessagesResponse to a client that asked for a stream:
// one message_start, one content_block_start/delta/stop group per text
// content block, then message_delta and message_stop.
func JSONToSSE(resp *types.MessagesResponse) []string {
	var out []string

	out = append(out, formatSSE(types.EventMessageStart, map[string]any{
		"type": types.EventMessageStart,
		"message": map[string]any{
			"id": resp.ID, "type": "message", "role": "assistant", "model": resp.Model,
			"content": []any{}, "usage": map[string]any{"input_tokens": resp.Usage.InputTokens, "output_tokens": 0},
		},
	}))

	for i, block := range resp.Content {
		if block.Type != "text" {
			continue
		}
		out = append(out, formatSSE(types.EventContentBlockStart, map[string]any{
			"type": types.EventContentBlockStart, "index": i,
			"content_block": map[string]any{"type": "text", "text": ""},
		}))
		out = append(out, formatSSE(types.EventContentBlockDelta, map[string]any{
			"type": types.EventContentBlockDelta, "index": i,
			"delta": map[string]any{"type": "text_delta", "text": block.Text},
		}))
		out = append(out, formatSSE(types.EventContentBlockStop, map[string]any{
			"type": types.EventContentBlockStop, "index": i,
		}))
	}

	out = append(out, formatSSE(types.EventMessageDelta, map[string]any{
		"type":  types.EventMessageDelta,
		"delta": map[string]any{"stop_reason": resp.StopReason, "stop_sequence": resp.StopSequence},
		"usage": map[string]any{"output_tokens": resp.Usage.OutputTokens},
	}))
	out = append(out, formatSSE(types.EventMessageStop, map[string]any{"type": types.EventMessageStop}))

	return out
}

// SyntheticErrorSequence builds the exact in-stream failure sequence
// spec.md §4.6 and §8 scenario 4 call for: a content_block_delta carrying
// a human-readable message, content_block_stop, message_delta with
// stop_reason=error, message_stop. Grounded verbatim on
// stream_from_provider's except-block in the original broadcaster.
func SyntheticErrorSequence(message string) []string {
	return []string{
		formatSSE(types.EventContentBlockDelta, map[string]any{
			"type": types.EventContentBlockDelta, "index": 0,
			"delta": map[string]any{"type": "text_delta", "text": "\n\n[error] " + message},
		}),
		formatSSE(types.EventContentBlockStop, map[string]any{
			"type": types.EventContentBlockStop, "index": 0,
		}),
		formatSSE(types.EventMessageDelta, map[string]any{
			"type":  types.EventMessageDelta,
			"delta": map[string]any{"stop_reason": "error", "stop_sequence": nil},
		}),
		formatSSE(types.EventMessageStop, map[string]any{"type": types.EventMessageStop}),
	}
}

func formatSSE(event string, payload map[string]any) string {
	buf, err := json.Marshal(payload)
	if err != nil {
		buf = []byte(`{}`)
	}
	return "event: " + event + "\ndata: " + string(buf) + "\n\n"
}
