package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/zkytech/claude-code-provider-balancer/internal/types"
)

// AnthropicClient is the C7 implementation for providers whose Kind is
// anthropic. Non-streaming calls go through the typed SDK
// (client.Messages.New); streaming calls read the raw SSE byte stream
// directly via http.Client rather than the SDK's typed streaming
// iterator, so the broadcaster and dedup coordinator can replay the
// exact bytes a second subscriber would have received. Grounded on
// anthropic/provider.go's client construction plus manager.py's
// stream_from_provider byte-forwarding loop.
type AnthropicClient struct {
	httpClient   *http.Client // backs Invoke, per settings.timeouts.non_streaming
	streamClient *http.Client // backs InvokeStream, per settings.timeouts.streaming
	log          *logrus.Logger
}

// NewAnthropicClient constructs a C7 client shared across every
// anthropic-kind provider; per-call base URL and auth come from the
// Provider record and the headers the registry assembled. httpClient and
// streamClient are deliberately distinct: a buffered call and a
// long-lived SSE stream have different connection-establishment and
// read-deadline requirements, per settings.timeouts.{non_streaming,
// streaming}.
func NewAnthropicClient(httpClient, streamClient *http.Client, log *logrus.Logger) *AnthropicClient {
	return &AnthropicClient{httpClient: httpClient, streamClient: streamClient, log: log}
}

func (c *AnthropicClient) sdkClient(provider *types.Provider, headers http.Header) anthropic.Client {
	opts := []option.RequestOption{
		option.WithBaseURL(provider.BaseURL),
		option.WithHTTPClient(c.httpClient),
	}
	if apiKey := headers.Get("x-api-key"); apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if auth := headers.Get("Authorization"); auth != "" {
		opts = append(opts, option.WithHeaderAdd("Authorization", auth))
	}
	return anthropic.NewClient(opts...)
}

// Invoke performs a buffered call via the typed SDK.
func (c *AnthropicClient) Invoke(ctx context.Context, provider *types.Provider, upstreamModel string, req *types.MessagesRequest, headers http.Header) (*types.MessagesResponse, error) {
	params, err := buildAnthropicParams(req, upstreamModel)
	if err != nil {
		return nil, fmt.Errorf("building anthropic request: %w", err)
	}

	client := c.sdkClient(provider, headers)
	msg, err := client.Messages.New(ctx, *params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &httpStatusError{status: apiErr.StatusCode, body: err.Error()}
		}
		return nil, err
	}

	return sdkMessageToTypes(msg), nil
}

// InvokeStream performs a raw HTTP SSE call, forwarding chunks
// byte-for-byte as they arrive from the upstream.
func (c *AnthropicClient) InvokeStream(ctx context.Context, provider *types.Provider, upstreamModel string, req *types.MessagesRequest, headers http.Header) (<-chan string, <-chan error, error) {
	body := *req
	body.Model = upstreamModel
	body.Stream = true

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling anthropic stream request: %w", err)
	}

	url := strings.TrimRight(provider.BaseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	for key, values := range headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		buf, _ := io.ReadAll(resp.Body)
		return nil, nil, &httpStatusError{status: resp.StatusCode, body: string(buf)}
	}

	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer resp.Body.Close()
		defer close(chunks)
		defer close(errs)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		var block strings.Builder
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				if block.Len() > 0 {
					chunks <- block.String() + "\n"
					block.Reset()
				}
				continue
			}
			block.WriteString(line)
			block.WriteString("\n")
		}
		if err := scanner.Err(); err != nil {
			errs <- err
		}
	}()

	return chunks, errs, nil
}

// httpStatusError carries the raw status and body for classification.go
// to inspect without needing a typed SDK error.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.status, e.body)
}

func (e *httpStatusError) StatusCode() int { return e.status }

// buildAnthropicParams translates our wire-format MessagesRequest into
// the SDK's typed MessageNewParams, grounded on
// nulpointcorp-llm-gateway's buildParams and tingly-box's direct
// MessageNewParams unmarshaling (our internal type is already
// Anthropic-shaped, so the conversion is mostly a type-safe re-encoding
// rather than a semantic translation).
func buildAnthropicParams(req *types.MessagesRequest, upstreamModel string) (*anthropic.MessageNewParams, error) {
	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(upstreamModel),
		MaxTokens: int64(req.MaxTokens),
	}
	if params.MaxTokens == 0 {
		params.MaxTokens = 4096
	}

	if sys := systemText(req.System); sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}

	for _, m := range req.Messages {
		msg, err := anthropicMessageParam(m)
		if err != nil {
			return nil, err
		}
		params.Messages = append(params.Messages, msg)
	}

	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if req.TopK != nil {
		params.TopK = anthropic.Int(int64(*req.TopK))
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}

	for _, t := range req.Tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: t.InputSchema["properties"]},
			},
		})
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Type {
		case "auto":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
		case "any":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		case "tool":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: req.ToolChoice.Name}}
		}
	}

	return params, nil
}

func systemText(system any) string {
	switch v := system.(type) {
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				if t, ok := m["text"].(string); ok {
					sb.WriteString(t)
				}
			}
		}
		return sb.String()
	default:
		return ""
	}
}

func anthropicMessageParam(m types.Message) (anthropic.MessageParam, error) {
	role := anthropic.MessageParamRoleUser
	if m.Role == "assistant" {
		role = anthropic.MessageParamRoleAssistant
	}

	blocks, err := anthropicContentBlocks(m.Content)
	if err != nil {
		return anthropic.MessageParam{}, err
	}

	return anthropic.MessageParam{Role: role, Content: blocks}, nil
}

func anthropicContentBlocks(content any) ([]anthropic.ContentBlockParamUnion, error) {
	switch v := content.(type) {
	case string:
		return []anthropic.ContentBlockParamUnion{{OfText: &anthropic.TextBlockParam{Text: v}}}, nil

	case []types.ContentBlock:
		var out []anthropic.ContentBlockParamUnion
		for _, b := range v {
			block, err := anthropicBlockParam(b)
			if err != nil {
				return nil, err
			}
			out = append(out, block)
		}
		return out, nil

	case []any:
		var blocks []types.ContentBlock
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &blocks); err != nil {
			return nil, err
		}
		return anthropicContentBlocks(blocks)

	default:
		return nil, fmt.Errorf("unsupported message content shape %T", content)
	}
}

func anthropicBlockParam(b types.ContentBlock) (anthropic.ContentBlockParamUnion, error) {
	switch b.Type {
	case "text":
		return anthropic.ContentBlockParamUnion{OfText: &anthropic.TextBlockParam{Text: b.Text}}, nil

	case "image":
		if b.Source == nil {
			return anthropic.ContentBlockParamUnion{}, fmt.Errorf("image block missing source")
		}
		img := anthropic.NewImageBlockBase64(b.Source.MediaType, b.Source.Data)
		return img, nil

	case "tool_use":
		inputJSON, err := json.Marshal(b.Input)
		if err != nil {
			return anthropic.ContentBlockParamUnion{}, err
		}
		var input any
		_ = json.Unmarshal(inputJSON, &input)
		return anthropic.ContentBlockParamUnion{
			OfToolUse: &anthropic.ToolUseBlockParam{ID: b.ID, Name: b.Name, Input: input},
		}, nil

	case "tool_result":
		text := ""
		if s, ok := b.Content.(string); ok {
			text = s
		}
		block := anthropic.NewToolResultBlock(b.ToolUseID, text, b.IsError)
		return block, nil

	default:
		return anthropic.ContentBlockParamUnion{}, fmt.Errorf("unsupported content block type %q", b.Type)
	}
}

func sdkMessageToTypes(msg *anthropic.Message) *types.MessagesResponse {
	resp := &types.MessagesResponse{
		ID:         msg.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage: types.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	if msg.StopSequence != "" {
		seq := msg.StopSequence
		resp.StopSequence = &seq
	}

	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content = append(resp.Content, types.ContentBlock{Type: "text", Text: variant.Text})
		case anthropic.ToolUseBlock:
			resp.Content = append(resp.Content, types.ContentBlock{
				Type: "tool_use", ID: variant.ID, Name: variant.Name, Input: variant.Input,
			})
		}
	}

	return resp
}
