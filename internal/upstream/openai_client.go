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

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/zkytech/claude-code-provider-balancer/internal/convert"
	"github.com/zkytech/claude-code-provider-balancer/internal/types"
)

// OpenAIClient is the C7 implementation for providers whose Kind is
// openai, grounded on openai/provider.go's client construction. Like
// AnthropicClient, non-streaming calls use the typed SDK
// (client.CreateChatCompletion); streaming calls bypass
// CreateChatCompletionStream in favor of raw SSE byte reading, each line
// fed through convert.StreamState to synthesize Anthropic-shaped events.
type OpenAIClient struct {
	httpClient   *http.Client // backs Invoke, per settings.timeouts.non_streaming
	streamClient *http.Client // backs InvokeStream, per settings.timeouts.streaming
	log          *logrus.Logger
}

// NewOpenAIClient constructs a C7 client shared across every
// openai-kind provider. See AnthropicClient's constructor for why
// httpClient and streamClient are separate.
func NewOpenAIClient(httpClient, streamClient *http.Client, log *logrus.Logger) *OpenAIClient {
	return &OpenAIClient{httpClient: httpClient, streamClient: streamClient, log: log}
}

func (c *OpenAIClient) sdkClient(provider *types.Provider, headers http.Header) *openai.Client {
	cfg := openai.DefaultConfig(bearerToken(headers))
	if provider.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(provider.BaseURL, "/")
	}
	cfg.HTTPClient = c.httpClient
	return openai.NewClientWithConfig(cfg)
}

func bearerToken(headers http.Header) string {
	auth := headers.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ")
}

// Invoke performs a buffered call via the typed SDK, converting the
// Anthropic-shaped request/response through internal/convert.
func (c *OpenAIClient) Invoke(ctx context.Context, provider *types.Provider, upstreamModel string, req *types.MessagesRequest, headers http.Header) (*types.MessagesResponse, error) {
	oaReq, err := convert.AnthropicRequestToOpenAI(req, upstreamModel)
	if err != nil {
		return nil, fmt.Errorf("converting request for openai provider: %w", err)
	}

	client := c.sdkClient(provider, headers)
	resp, err := client.CreateChatCompletion(ctx, *oaReq)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, &httpStatusError{status: apiErr.HTTPStatusCode, body: err.Error()}
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) {
			return nil, &httpStatusError{status: reqErr.HTTPStatusCode, body: err.Error()}
		}
		return nil, err
	}

	return convert.OpenAIResponseToAnthropic(&resp, req.Model), nil
}

// InvokeStream performs a raw HTTP SSE call against the OpenAI-compatible
// chat/completions endpoint and translates each "data: {...}" line into
// Anthropic SSE text via a StreamState accumulator.
func (c *OpenAIClient) InvokeStream(ctx context.Context, provider *types.Provider, upstreamModel string, req *types.MessagesRequest, headers http.Header) (<-chan string, <-chan error, error) {
	oaReq, err := convert.AnthropicRequestToOpenAI(req, upstreamModel)
	if err != nil {
		return nil, nil, fmt.Errorf("converting request for openai provider: %w", err)
	}
	oaReq.Stream = true

	payload, err := json.Marshal(oaReq)
	if err != nil {
		return nil, nil, err
	}

	url := strings.TrimRight(provider.BaseURL, "/") + "/chat/completions"
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
	httpReq.Header.Set("Content-Type", "application/json")

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

		state := convert.NewStreamState(req.Model)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				break
			}

			var chunk openai.ChatCompletionStreamResponse
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			for _, event := range state.Consume(&chunk) {
				chunks <- event
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- err
		}
	}()

	return chunks, errs, nil
}
