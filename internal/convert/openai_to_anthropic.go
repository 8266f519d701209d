package convert

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/zkytech/claude-code-provider-balancer/internal/types"
)

// finishReasonToAnthropic implements spec.md §4.9's mapping table:
// stop->end_turn, length->max_tokens, tool_calls->tool_use,
// content_filter->stop_sequence.
func finishReasonToAnthropic(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonStop:
		return "end_turn"
	case openai.FinishReasonLength:
		return "max_tokens"
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return "tool_use"
	case openai.FinishReasonContentFilter:
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

// OpenAIResponseToAnthropic converts a buffered OpenAI chat completion
// into the Anthropic MessagesResponse shape, requestedModel being the
// model name the client originally asked for (Anthropic responses echo
// back the model field the client sent, not necessarily the upstream's
// own model identifier).
func OpenAIResponseToAnthropic(resp *openai.ChatCompletionResponse, requestedModel string) *types.MessagesResponse {
	out := &types.MessagesResponse{
		ID:    "msg_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Type:  "message",
		Role:  "assistant",
		Model: requestedModel,
		Usage: types.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}

	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.StopReason = finishReasonToAnthropic(choice.FinishReason)

	if text := choice.Message.Content; text != "" {
		out.Content = append(out.Content, types.ContentBlock{Type: "text", Text: text})
	}

	for _, tc := range choice.Message.ToolCalls {
		var input any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
			input = map[string]any{"error_parsing_arguments": tc.Function.Arguments}
		}
		out.Content = append(out.Content, types.ContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}

	return out
}

// StreamState accumulates OpenAI chat-completion stream chunks into the
// Anthropic SSE event grammar. OpenAI's deltas arrive as raw text
// fragments with no block boundaries, so the adapter opens exactly one
// Anthropic content_block per distinct OpenAI choice content type
// (text, then one per tool call index) the first time it sees content
// for that slot.
type StreamState struct {
	requestedModel string
	messageID      string
	started        bool
	textOpened     bool
	textBlockIndex int
	toolOpened     map[int]bool
	toolIndexOf    map[int]int // openai tool_calls[] index -> anthropic content block index
	nextBlockIndex int
	inputTokens    int
}

// NewStreamState begins a fresh per-request accumulation.
func NewStreamState(requestedModel string) *StreamState {
	return &StreamState{
		requestedModel: requestedModel,
		messageID:      "msg_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		toolOpened:     make(map[int]bool),
		toolIndexOf:    make(map[int]int),
	}
}

// Consume translates one OpenAI stream chunk into zero or more Anthropic
// SSE event blocks (each already formatted as "event: ...\ndata: ...\n\n").
func (s *StreamState) Consume(chunk *openai.ChatCompletionStreamResponse) []string {
	var events []string

	if !s.started {
		s.started = true
		events = append(events, formatSSE(types.EventMessageStart, map[string]any{
			"type": types.EventMessageStart,
			"message": map[string]any{
				"id":      s.messageID,
				"type":    "message",
				"role":    "assistant",
				"model":   s.requestedModel,
				"content": []any{},
				"usage":   map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		}))
	}

	if chunk.Usage != nil {
		s.inputTokens = chunk.Usage.PromptTokens
	}

	if len(chunk.Choices) == 0 {
		return events
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		if !s.textOpened {
			s.textOpened = true
			s.textBlockIndex = s.nextBlockIndex
			s.nextBlockIndex++
			events = append(events, formatSSE(types.EventContentBlockStart, map[string]any{
				"type":          types.EventContentBlockStart,
				"index":         s.textBlockIndex,
				"content_block": map[string]any{"type": "text", "text": ""},
			}))
		}
		events = append(events, formatSSE(types.EventContentBlockDelta, map[string]any{
			"type":  types.EventContentBlockDelta,
			"index": s.textBlockIndex,
			"delta": map[string]any{"type": "text_delta", "text": choice.Delta.Content},
		}))
	}

	for _, tc := range choice.Delta.ToolCalls {
		oaIndex := 0
		if tc.Index != nil {
			oaIndex = *tc.Index
		}
		if !s.toolOpened[oaIndex] {
			s.toolOpened[oaIndex] = true
			idx := s.nextBlockIndex
			s.nextBlockIndex++
			s.toolIndexOf[oaIndex] = idx
			events = append(events, formatSSE(types.EventContentBlockStart, map[string]any{
				"type":  types.EventContentBlockStart,
				"index": idx,
				"content_block": map[string]any{
					"type": "tool_use", "id": tc.ID, "name": tc.Function.Name, "input": map[string]any{},
				},
			}))
		}
		if tc.Function.Arguments != "" {
			events = append(events, formatSSE(types.EventContentBlockDelta, map[string]any{
				"type":  types.EventContentBlockDelta,
				"index": s.toolIndexOf[oaIndex],
				"delta": map[string]any{"type": "input_json_delta", "partial_json": tc.Function.Arguments},
			}))
		}
	}

	if choice.FinishReason != "" {
		for i := 0; i < s.nextBlockIndex; i++ {
			events = append(events, formatSSE(types.EventContentBlockStop, map[string]any{
				"type": types.EventContentBlockStop, "index": i,
			}))
		}
		events = append(events, formatSSE(types.EventMessageDelta, map[string]any{
			"type":  types.EventMessageDelta,
			"delta": map[string]any{"stop_reason": finishReasonToAnthropic(choice.FinishReason), "stop_sequence": nil},
			"usage": map[string]any{"output_tokens": 0},
		}))
		events = append(events, formatSSE(types.EventMessageStop, map[string]any{"type": types.EventMessageStop}))
	}

	return events
}

func formatSSE(event string, payload map[string]any) string {
	buf, err := json.Marshal(payload)
	if err != nil {
		buf = []byte(`{}`)
	}
	return "event: " + event + "\ndata: " + string(buf) + "\n\n"
}
