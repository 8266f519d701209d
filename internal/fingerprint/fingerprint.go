// Package fingerprint computes the deterministic content hash used by the
// dedup coordinator to recognize "essentially the same request" arriving
// concurrently, grounded on generate_request_signature from the original
// balancer's caching/deduplication module.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/zkytech/claude-code-provider-balancer/internal/types"
)

// Options controls which optional fields participate in the hash.
type Options struct {
	IncludeMaxTokens bool
}

// canonical is the fixed-order payload hashed into the fingerprint.
// Go's encoding/json sorts map keys alphabetically when marshaling a
// map[string]any, which already matches Python's json.dumps(sort_keys=True);
// using a struct here instead just keeps the field set explicit and typed.
type canonical struct {
	Model       string          `json:"model"`
	Messages    []types.Message `json:"messages"`
	System      any             `json:"system"`
	Tools       []types.Tool    `json:"tools"`
	Temperature *float64        `json:"temperature"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
}

// Compute returns the hex SHA-256 fingerprint of req's semantic payload.
// "stream" is deliberately excluded so that a streaming and non-streaming
// request with otherwise identical content dedupe together.
func Compute(req *types.MessagesRequest, opts Options) (string, error) {
	c := canonical{
		Model:       req.Model,
		Messages:    req.Messages,
		System:      req.System,
		Tools:       req.Tools,
		Temperature: req.Temperature,
	}
	if opts.IncludeMaxTokens {
		mt := req.MaxTokens
		c.MaxTokens = &mt
	}

	// encoding/json already emits the minimal separators Go supports;
	// there is no whitespace to strip, matching
	// json.dumps(..., separators=(',', ':')).
	buf, err := json.Marshal(sortedPayload(c))
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

// sortedPayload re-marshals through a map so that key order in the output
// JSON is alphabetical regardless of the canonical struct's field order,
// mirroring Python's sort_keys=True rather than relying on Go struct
// field declaration order (which json.Marshal preserves for structs).
func sortedPayload(c canonical) map[string]any {
	m := map[string]any{
		"max_tokens":  nil,
		"messages":    c.Messages,
		"model":       c.Model,
		"system":      c.System,
		"temperature": c.Temperature,
		"tools":       c.Tools,
	}
	if c.MaxTokens != nil {
		m["max_tokens"] = *c.MaxTokens
	} else {
		delete(m, "max_tokens")
	}
	return m
}
