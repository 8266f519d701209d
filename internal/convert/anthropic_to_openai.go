// Package convert is the format adapter (C9): two pure transformations
// between the Anthropic Messages wire format this proxy speaks to clients
// and the OpenAI Chat Completions format some upstreams speak. Grounded
// on the teacher's convertToOpenAIRequest/convertFromOpenAIResponse and
// on spec.md §4.9's operation list, closing the gaps the teacher left
// (tool schemas were stubbed empty, image parts were skipped entirely,
// tool_use blocks were dropped from responses).
//
// Both directions are pure functions: no I/O, no package-level state.
// Ambiguities are logged by the caller, never raised as errors here —
// a malformed tool-call argument payload is preserved under an
// "error_parsing_arguments" key instead of failing the whole response.
package convert

import (
	"encoding/json"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/zkytech/claude-code-provider-balancer/internal/types"
)

// toolChoiceToOpenAI implements the auto/any/tool/none -> OpenAI enum
// mapping named in spec.md §4.9.
func toolChoiceToOpenAI(tc *types.ToolChoice) any {
	if tc == nil {
		return nil
	}
	switch tc.Type {
	case "auto":
		return "auto"
	case "any":
		return "required"
	case "none":
		return "none"
	case "tool":
		return openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: tc.Name},
		}
	default:
		return "auto"
	}
}

// AnthropicRequestToOpenAI converts a Messages request into an OpenAI
// ChatCompletionRequest for upstreamModel, concatenating the Anthropic
// `system` field onto a leading system message (OpenAI has no separate
// system slot distinct from the message list).
func AnthropicRequestToOpenAI(req *types.MessagesRequest, upstreamModel string) (*openai.ChatCompletionRequest, error) {
	var messages []openai.ChatCompletionMessage

	if sysText := systemText(req.System); sysText != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: sysText,
		})
	}

	for _, m := range req.Messages {
		converted, err := anthropicMessageToOpenAI(m)
		if err != nil {
			return nil, err
		}
		messages = append(messages, converted...)
	}

	out := &openai.ChatCompletionRequest{
		Model:    upstreamModel,
		Messages: messages,
		Stream:   req.Stream,
		Stop:     req.StopSequences,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		out.TopP = float32(*req.TopP)
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.InputSchema,
				},
			})
		}
		out.Tools = tools
		if choice := toolChoiceToOpenAI(req.ToolChoice); choice != nil {
			out.ToolChoice = choice
		}
	}

	return out, nil
}

func systemText(system any) string {
	switch v := system.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		var out string
		for _, raw := range v {
			if block, ok := asContentBlock(raw); ok && block.Type == "text" {
				if out != "" {
					out += "\n"
				}
				out += block.Text
			}
		}
		return out
	case []types.ContentBlock:
		var out string
		for _, block := range v {
			if block.Type == "text" {
				if out != "" {
					out += "\n"
				}
				out += block.Text
			}
		}
		return out
	default:
		return ""
	}
}

func asContentBlock(raw any) (types.ContentBlock, bool) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return types.ContentBlock{}, false
	}
	var block types.ContentBlock
	if err := json.Unmarshal(buf, &block); err != nil {
		return types.ContentBlock{}, false
	}
	return block, true
}

// anthropicMessageToOpenAI converts one Anthropic message turn. A single
// Anthropic "user" turn carrying tool_result blocks splices into one or
// more OpenAI "tool" role messages, and an "assistant" turn carrying
// tool_use blocks becomes a single assistant message with ToolCalls —
// the tool_use/tool_result splicing spec.md §4.9 calls for.
func anthropicMessageToOpenAI(m types.Message) ([]openai.ChatCompletionMessage, error) {
	switch content := m.Content.(type) {
	case string:
		return []openai.ChatCompletionMessage{{Role: m.Role, Content: content}}, nil

	case []types.ContentBlock:
		return contentBlocksToOpenAI(m.Role, content)

	case []any:
		blocks := make([]types.ContentBlock, 0, len(content))
		for _, raw := range content {
			block, ok := asContentBlock(raw)
			if !ok {
				continue
			}
			blocks = append(blocks, block)
		}
		return contentBlocksToOpenAI(m.Role, blocks)

	default:
		return []openai.ChatCompletionMessage{{Role: m.Role}}, nil
	}
}

func contentBlocksToOpenAI(role string, blocks []types.ContentBlock) ([]openai.ChatCompletionMessage, error) {
	var (
		textParts []openai.ChatMessagePart
		toolCalls []openai.ToolCall
		toolMsgs  []openai.ChatCompletionMessage
		plainText string
		onlyText  = true
	)

	for _, b := range blocks {
		switch b.Type {
		case "text":
			textParts = append(textParts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: b.Text})
			if plainText != "" {
				plainText += "\n"
			}
			plainText += b.Text

		case "image":
			onlyText = false
			url := imageSourceToDataURL(b.Source)
			if url != "" {
				textParts = append(textParts, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: url},
				})
			}

		case "tool_use":
			onlyText = false
			argsJSON, err := json.Marshal(b.Input)
			if err != nil {
				argsJSON = []byte(`{"error_parsing_arguments":true}`)
			}
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:   b.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      b.Name,
					Arguments: string(argsJSON),
				},
			})

		case "tool_result":
			onlyText = false
			toolMsgs = append(toolMsgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    toolResultText(b.Content),
				ToolCallID: b.ToolUseID,
			})
		}
	}

	var out []openai.ChatCompletionMessage
	if len(toolCalls) > 0 || len(toolMsgs) > 0 {
		if len(toolCalls) > 0 {
			out = append(out, openai.ChatCompletionMessage{Role: role, ToolCalls: toolCalls})
		}
		out = append(out, toolMsgs...)
		return out, nil
	}

	if onlyText {
		return []openai.ChatCompletionMessage{{Role: role, Content: plainText}}, nil
	}
	return []openai.ChatCompletionMessage{{Role: role, MultiContent: textParts}}, nil
}

func toolResultText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		buf, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(buf)
	}
}

func imageSourceToDataURL(src *types.ImageSource) string {
	if src == nil {
		return ""
	}
	if src.Type == "url" {
		return src.URL
	}
	if src.Data == "" {
		return ""
	}
	mediaType := src.MediaType
	if mediaType == "" {
		mediaType = "image/png"
	}
	return fmt.Sprintf("data:%s;base64,%s", mediaType, src.Data)
}
