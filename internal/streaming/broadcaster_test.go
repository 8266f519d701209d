package streaming

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkytech/claude-code-provider-balancer/internal/types"
)

func TestBroadcaster_OrderingAcrossSubscribers(t *testing.T) {
	b := New("mock", nil)
	s1 := b.AddSubscriber("a", "primary")
	s2 := b.AddSubscriber("b", "duplicate")

	go func() {
		b.Publish("chunk1")
		b.Publish("chunk2")
		b.Close(true)
	}()

	var got1, got2 []string
	for {
		c, ok := s1.Next()
		if !ok {
			break
		}
		got1 = append(got1, c)
	}
	for {
		c, ok := s2.Next()
		if !ok {
			break
		}
		got2 = append(got2, c)
	}

	assert.Equal(t, []string{"chunk1", "chunk2"}, got1)
	assert.Equal(t, got1, got2, "subscribers observe the same order")
}

func TestBroadcaster_LateJoinerReplaysHistory(t *testing.T) {
	b := New("mock", nil)
	b.Publish("chunk1")
	b.Publish("chunk2")
	b.Publish("chunk3")

	late := b.AddSubscriber("late", "duplicate")
	first, ok := late.Next()
	require.True(t, ok)
	assert.Equal(t, "chunk1", first)

	b.Close(true)
	var rest []string
	for {
		c, ok := late.Next()
		if !ok {
			break
		}
		rest = append(rest, c)
	}
	assert.Equal(t, []string{"chunk2", "chunk3"}, rest)
}

func TestBroadcaster_ContinuesWhileOneSubscriberAlive(t *testing.T) {
	b := New("mock", nil)
	primary := b.AddSubscriber("primary", "primary")
	dup := b.AddSubscriber("dup", "duplicate")

	b.Publish("chunk1")
	primary.MarkDead()
	assert.Equal(t, 1, b.ActiveSubscriberCount())

	b.Publish("chunk2")
	b.Close(true)

	var got []string
	for {
		c, ok := dup.Next()
		if !ok {
			break
		}
		got = append(got, c)
	}
	assert.Equal(t, []string{"chunk1", "chunk2"}, got)
}

func TestBroadcaster_ZeroActiveSubscribersAfterAllDrop(t *testing.T) {
	b := New("mock", nil)
	s := b.AddSubscriber("a", "primary")
	s.MarkDead()
	assert.Equal(t, 0, b.ActiveSubscriberCount())
}

func TestSSEToJSON_Reassembly(t *testing.T) {
	chunks := []string{
		`event: message_start
data: {"type":"message_start","message":{"model":"claude-3-5-sonnet","usage":{"input_tokens":5}}}

`,
		`event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

`,
		`event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}

`,
		`event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}

`,
		`event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}

`,
	}

	resp := SSEToJSON(chunks)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "Hello", resp.Content[0].Text)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, 5, resp.Usage.InputTokens)
	assert.Equal(t, 2, resp.Usage.OutputTokens)
}

func TestJSONToSSE_RoundTripsThroughReassembly(t *testing.T) {
	original := &types.MessagesResponse{
		ID: "msg_1", Model: "claude-3-5-sonnet", StopReason: "end_turn",
		Content: []types.ContentBlock{{Type: "text", Text: "hi there"}},
		Usage:   types.Usage{InputTokens: 3, OutputTokens: 2},
	}

	sse := JSONToSSE(original)
	reassembled := SSEToJSON(sse)

	assert.Equal(t, original.Content[0].Text, reassembled.Content[0].Text)
	assert.Equal(t, original.StopReason, reassembled.StopReason)
}

func TestSyntheticErrorSequence_WellFormed(t *testing.T) {
	events := SyntheticErrorSequence("upstream connection dropped")
	require.Len(t, events, 4)
	assert.Contains(t, events[0], "content_block_delta")
	assert.Contains(t, events[1], "content_block_stop")
	assert.Contains(t, events[2], "\"stop_reason\":\"error\"")
	assert.Contains(t, events[3], "message_stop")
}

func TestBroadcaster_ConcurrentPublishIsRaceFree(t *testing.T) {
	b := New("mock", nil)
	var wg sync.WaitGroup
	sub := b.AddSubscriber("a", "primary")

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			b.Publish("x")
		}
		b.Close(true)
	}()

	count := 0
	for {
		_, ok := sub.Next()
		if !ok {
			break
		}
		count++
	}
	wg.Wait()
	assert.Equal(t, 50, count)
}
