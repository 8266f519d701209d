// Package streaming implements C6: one upstream SSE stream fanned out to
// N downstream consumers (the original client plus any duplicates that
// arrived while it was already in flight), with history replay for late
// joiners and write-failure-based disconnect detection.
//
// Grounded on parallel_broadcaster.py's ParallelBroadcaster /
// stream_from_provider / add_duplicate_request, but the Python source's
// 10ms busy-poll loop for late subscribers (`await asyncio.sleep(0.01)`
// while `streaming_active`) is replaced with a sync.Cond broadcast — the
// "improve, don't literally replicate" re-architecting spec.md §9 calls
// for applied to exactly this pattern.
package streaming

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// State is the broadcaster's lifecycle state.
type State int

const (
	StateStreaming State = iota
	StateClosedOK
	StateClosedErr
)

// Subscriber is one downstream consumer of a Broadcaster.
type Subscriber struct {
	ID    string
	Kind  string // "primary" or "duplicate"
	cond  *sync.Cond
	b     *Broadcaster
	cursor int
	alive bool
}

// Broadcaster fans one provider's SSE stream out to every active
// subscriber, preserving delivery order and replaying history to late
// joiners.
type Broadcaster struct {
	mu          sync.Mutex
	cond        *sync.Cond
	history     []string
	state       State
	providerName string
	subscribers map[string]*Subscriber
	log         *logrus.Logger
}

// New constructs a broadcaster for one in-flight streaming fingerprint.
func New(providerName string, log *logrus.Logger) *Broadcaster {
	b := &Broadcaster{
		providerName: providerName,
		subscribers:  make(map[string]*Subscriber),
		log:          log,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// AddSubscriber registers a new subscriber (the primary client, or a
// duplicate arrival) and returns it. The caller then calls Next
// repeatedly to drain chunks: history first, then live chunks as they
// arrive, exactly matching add_duplicate_request's "replay then poll"
// contract — except the polling is a condition-variable wait, not a
// timer.
func (b *Broadcaster) AddSubscriber(id, kind string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &Subscriber{ID: id, Kind: kind, b: b, alive: true}
	b.subscribers[id] = s
	return s
}

// Publish appends one SSE chunk to history and wakes every subscriber.
// Called only by the producer goroutine reading the upstream stream.
func (b *Broadcaster) Publish(chunk string) {
	b.mu.Lock()
	b.history = append(b.history, chunk)
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Close marks the broadcaster terminal (ok or error) and wakes every
// subscriber so they observe end-of-stream.
func (b *Broadcaster) Close(ok bool) {
	b.mu.Lock()
	if ok {
		b.state = StateClosedOK
	} else {
		b.state = StateClosedErr
	}
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Provider returns the upstream provider name this broadcaster's bytes
// came from, so joiners can label their Result the same way the leader's
// is labeled.
func (b *Broadcaster) Provider() string {
	return b.providerName
}

// ActiveSubscriberCount reports how many subscribers have not yet been
// dropped — used by the producer to decide whether draining upstream is
// still worthwhile (spec.md §4.6: "keeps draining upstream as long as at
// least one duplicate subscriber is alive").
func (b *Broadcaster) ActiveSubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.subscribers {
		if s.alive {
			n++
		}
	}
	return n
}

// History returns a snapshot of every chunk emitted so far, used when a
// non-streaming waiter needs SSE->JSON reassembly of a completed or
// in-progress broadcast.
func (b *Broadcaster) History() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.history))
	copy(out, b.history)
	return out
}

// Drop marks a subscriber dead, e.g. because its write to the client
// failed — the primary disconnect-detection signal per spec.md §4.6.
// No client-side signal is required or relied upon.
func (b *Broadcaster) Drop(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subscribers[id]; ok {
		s.alive = false
	}
}

// MarkDead is the subscriber-side convenience for the same operation.
func (s *Subscriber) MarkDead() {
	s.b.Drop(s.ID)
}

// Next blocks until either a new chunk past this subscriber's cursor is
// available, or the broadcaster has closed and there is nothing left to
// deliver. ok is false exactly once, at end of stream.
func (s *Subscriber) Next() (chunk string, ok bool) {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	for s.cursor >= len(b.history) && b.state == StateStreaming {
		b.cond.Wait()
	}

	if s.cursor < len(b.history) {
		chunk = b.history[s.cursor]
		s.cursor++
		return chunk, true
	}
	return "", false
}
