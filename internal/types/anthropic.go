package types

// MessagesRequest is the body of a POST /v1/messages call, modeled on the
// Anthropic Messages API wire format.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        any             `json:"system,omitempty"` // string or []ContentBlock
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// Message is one turn of the conversation. Content is either a plain
// string or a slice of ContentBlock for multimodal/tool-bearing turns.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentBlock is a discriminated union over the block types the Messages
// API exchanges: text, image, tool_use and tool_result.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// tool_use
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"` // string or []ContentBlock
	IsError   bool   `json:"is_error,omitempty"`
}

// ImageSource describes an inlined image, either base64-encoded bytes or
// a fetchable URL — the two forms the Anthropic and OpenAI wire formats
// disagree on and that the format adapter reconciles.
type ImageSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Tool is a function the model may call.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolChoice steers whether and which tool the model must invoke.
type ToolChoice struct {
	Type string `json:"type"` // "auto", "any", "tool", "none"
	Name string `json:"name,omitempty"`
}

// MessagesResponse is the non-streaming reply shape and also the shape
// produced by SSE->JSON reassembly (dedup coordinator, §4.6).
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"` // "message"
	Role         string         `json:"role"` // "assistant"
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// Usage reports token accounting for a single message exchange.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ErrorEnvelope is the uniform error body returned on every endpoint, per
// the external interface contract.
type ErrorEnvelope struct {
	Type  string    `json:"type"` // always "error"
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the taxonomy kind plus optional upstream attribution.
// Provider identity is only ever populated for single-candidate failures;
// it is deliberately omitted when multiple candidates were exhausted.
type ErrorBody struct {
	Type            string  `json:"type"`
	Message         string  `json:"message"`
	Provider        *string `json:"provider,omitempty"`
	ProviderMessage *string `json:"provider_message,omitempty"`
	ProviderCode    *string `json:"provider_code,omitempty"`
}

// Error kind constants for ErrorBody.Type, per the external interface's
// enumerated taxonomy.
const (
	ErrKindInvalidRequest   = "invalid_request_error"
	ErrKindAuthentication   = "authentication_error"
	ErrKindPermission       = "permission_error"
	ErrKindNotFound         = "not_found_error"
	ErrKindRateLimit        = "rate_limit_error"
	ErrKindAPIError         = "api_error"
	ErrKindOverloaded       = "overloaded_error"
	ErrKindRequestTooLarge  = "request_too_large_error"
	ErrKindTimeout          = "timeout_error"
	ErrKindRequestCancelled = "request_cancelled"
)

// SSE event type names that appear in the Messages streaming grammar.
const (
	EventMessageStart      = "message_start"
	EventPing              = "ping"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventError             = "error"
)
