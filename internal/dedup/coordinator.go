// Package dedup implements C5: the dedup coordinator. It maps a request
// fingerprint to either an in-flight leader or a set of waiters, and
// replays the leader's eventual result (cached bytes, or a live
// broadcaster fan-out) to every waiter. Grounded on
// caching/deduplication.py's handle_duplicate_request,
// complete_and_cleanup_request[_delayed] and
// extract_content_from_sse_chunks, with the module-level
// dict+asyncio.Future globals replaced by one struct with encapsulated
// maps behind a single mutex, and the Python source's daemon-thread
// delayed-cleanup replaced by one sleeping goroutine per completion.
package dedup

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zkytech/claude-code-provider-balancer/internal/streaming"
	"github.com/zkytech/claude-code-provider-balancer/internal/types"
)

// ErrCancelled is delivered to a waiter superseded by a newer duplicate
// arrival from the same original client, per spec.md §4.5's "only the
// most recent waiter per original_request_id wins" rule.
var ErrCancelled = errors.New("request cancelled: a newer identical request superseded it")

// ErrWaitTimeout is delivered to a waiter that outlasted the configured
// dedup wait bound.
var ErrWaitTimeout = errors.New("timed out waiting for an in-flight identical request")

// ResultKind discriminates a CachedResult's payload.
type ResultKind int

const (
	KindJSON ResultKind = iota
	KindStreamChunks
	KindError
)

// Result is the terminal outcome of a leader's work, in whichever shape
// it finished: a buffered JSON response, a full slice of raw SSE chunks,
// or an error.
type Result struct {
	Kind     ResultKind
	JSON     *types.MessagesResponse
	Chunks   []string
	Err      error
	Provider string
}

// Outcome is delivered to a waiter exactly once — resolved with a
// Result, or with a dedicated cancellation/timeout error.
type Outcome struct {
	Result Result
	Err    error // ErrCancelled or ErrWaitTimeout when Result is zero
}

// Decision is what on_arrival tells the caller to do.
type Decision struct {
	Kind         DecisionKind
	Broadcaster  *streaming.Broadcaster
	Cached       Result
	WaitCh       <-chan Outcome
	OriginalReqID string
}

// DecisionKind enumerates the four on_arrival outcomes from spec.md §4.5.
type DecisionKind int

const (
	DecisionLead DecisionKind = iota
	DecisionJoinBroadcaster
	DecisionServeCached
	DecisionWait
)

type waiter struct {
	requestID        string
	originalRequestID string
	arrivalTS        time.Time
	wantsStream      bool
	ch               chan Outcome
	cancelled        bool
}

type pendingRequest struct {
	leaderRequestID string
	wantsStream     bool
	waiters         []*waiter
}

type cachedEntry struct {
	result    Result
	expiresAt time.Time
}

// Coordinator owns the three maps spec.md §4.5/§3 name: pending,
// broadcasters and cached, all protected by a single mutex. Waiters
// block on their own channel, never while the mutex is held.
type Coordinator struct {
	mu           sync.Mutex
	pending      map[string]*pendingRequest
	broadcasters map[string]*streaming.Broadcaster
	cached       map[string]*cachedEntry

	cacheTTL     time.Duration
	waitTimeout  time.Duration
	cleanupDelay time.Duration
	log          *logrus.Logger
}

// Config holds the dedup coordinator's timing knobs.
type Config struct {
	CacheTTL     time.Duration // default 30s
	WaitTimeout  time.Duration // default 180s
	CleanupDelay time.Duration // default 30s, the "delayed cleanup" window
}

// DefaultConfig mirrors the original's defaults.
func DefaultConfig() Config {
	return Config{CacheTTL: 30 * time.Second, WaitTimeout: 180 * time.Second, CleanupDelay: 30 * time.Second}
}

// New constructs an empty coordinator.
func New(cfg Config, log *logrus.Logger) *Coordinator {
	return &Coordinator{
		pending:      make(map[string]*pendingRequest),
		broadcasters: make(map[string]*streaming.Broadcaster),
		cached:       make(map[string]*cachedEntry),
		cacheTTL:     cfg.CacheTTL,
		waitTimeout:  cfg.WaitTimeout,
		cleanupDelay: cfg.CleanupDelay,
		log:          log,
	}
}

// OnArrival implements the on_arrival state machine from spec.md §4.5.
func (c *Coordinator) OnArrival(fp, requestID, originalRequestID string, wantsStream bool, now time.Time) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.broadcasters[fp]; ok && wantsStream {
		return Decision{Kind: DecisionJoinBroadcaster, Broadcaster: b}
	}

	if entry, ok := c.cached[fp]; ok && now.Before(entry.expiresAt) {
		return Decision{Kind: DecisionServeCached, Cached: entry.result}
	}

	if pr, ok := c.pending[fp]; ok && len(pr.waiters) >= 0 {
		w := &waiter{
			requestID:         requestID,
			originalRequestID: originalRequestID,
			arrivalTS:         now,
			wantsStream:       wantsStream,
			ch:                make(chan Outcome, 1),
		}
		pr.waiters = append(pr.waiters, w)
		return Decision{Kind: DecisionWait, WaitCh: w.ch}
	}

	c.pending[fp] = &pendingRequest{leaderRequestID: requestID, wantsStream: wantsStream}
	return Decision{Kind: DecisionLead}
}

// Wait blocks on a waiter's channel up to the configured timeout,
// returning ErrWaitTimeout on expiry. Always called outside the mutex.
func (c *Coordinator) Wait(ctx context.Context, ch <-chan Outcome) Outcome {
	timer := time.NewTimer(c.waitTimeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out
	case <-timer.C:
		return Outcome{Err: ErrWaitTimeout}
	case <-ctx.Done():
		return Outcome{Err: ctx.Err()}
	}
}

// RegisterBroadcaster installs the broadcaster a leader created for a
// streaming response, making it discoverable to concurrent duplicate
// arrivals.
func (c *Coordinator) RegisterBroadcaster(fp string, b *streaming.Broadcaster) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcasters[fp] = b
}

// UnregisterBroadcaster removes a finished broadcaster from the registry.
func (c *Coordinator) UnregisterBroadcaster(fp string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.broadcasters, fp)
}

// Complete delivers the leader's result to every waiter and, for every
// non-error result, installs a CachedResult with the configured TTL.
// There is no size limit: a result is cached whatever its size. Grounded on complete_and_cleanup_request: within
// each group of waiters sharing an originalRequestID, only the most
// recently arrived waiter is served; earlier ones in that group are
// cancelled (spec.md §4.5, §9's "newest waiter wins" resolution). Waiters
// with no originalRequestID (the marker absent) all receive the result,
// per spec.md §9's stated resolution for that ambiguity.
func (c *Coordinator) Complete(fp string, result Result, now time.Time) {
	c.mu.Lock()
	pr, ok := c.pending[fp]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, fp)

	if result.Kind != KindError {
		c.cached[fp] = &cachedEntry{result: result, expiresAt: now.Add(c.cacheTTL)}
	}

	winners := pickWinningWaiters(pr.waiters)
	c.mu.Unlock()

	for _, w := range pr.waiters {
		if !winners[w] {
			w.ch <- Outcome{Err: ErrCancelled}
			continue
		}
		w.ch <- Outcome{Result: adaptResultForWaiter(result, w.wantsStream)}
	}

	c.scheduleDelayedCleanup(fp, now)
}

// CompleteError is Complete's error-path counterpart: every waiter
// receives the same error, wrapped for their own stream/non-stream
// preference by the caller (the controller knows how to render an SSE
// error frame vs. a JSON error body).
func (c *Coordinator) CompleteError(fp string, err error, now time.Time) {
	c.Complete(fp, Result{Kind: KindError, Err: err}, now)
}

// pickWinningWaiters groups waiters by originalRequestID and keeps only
// the latest-arrived waiter in each group; waiters with no
// originalRequestID are all winners (spec.md §9).
func pickWinningWaiters(waiters []*waiter) map[*waiter]bool {
	winners := make(map[*waiter]bool, len(waiters))
	groups := make(map[string][]*waiter)

	for _, w := range waiters {
		if w.originalRequestID == "" {
			winners[w] = true
			continue
		}
		groups[w.originalRequestID] = append(groups[w.originalRequestID], w)
	}

	for _, group := range groups {
		sort.Slice(group, func(i, j int) bool { return group[i].arrivalTS.Before(group[j].arrivalTS) })
		winners[group[len(group)-1]] = true
	}
	return winners
}

// adaptResultForWaiter reshapes a result to match what the waiter asked
// for: SSE->JSON reassembly or JSON->SSE synthesis when the leader's
// outcome shape doesn't match the waiter's stream/non-stream preference.
func adaptResultForWaiter(result Result, wantsStream bool) Result {
	switch result.Kind {
	case KindStreamChunks:
		if wantsStream {
			return result
		}
		return Result{Kind: KindJSON, JSON: streaming.SSEToJSON(result.Chunks), Provider: result.Provider}

	case KindJSON:
		if !wantsStream {
			return result
		}
		return Result{Kind: KindStreamChunks, Chunks: streaming.JSONToSSE(result.JSON), Provider: result.Provider}

	default:
		return result
	}
}

// scheduleDelayedCleanup starts one goroutine per completion that sleeps
// for CleanupDelay and then deletes the fingerprint's cached entry if its
// TTL has also elapsed by then; an entry still within its TTL is left for
// Sweep or the lazy check in OnArrival. Broadcaster entries are not
// touched here: the leader unregisters its own broadcaster.
func (c *Coordinator) scheduleDelayedCleanup(fp string, now time.Time) {
	if c.cleanupDelay <= 0 {
		return
	}
	go func() {
		time.Sleep(c.cleanupDelay)
		c.mu.Lock()
		defer c.mu.Unlock()
		if entry, ok := c.cached[fp]; ok && !entry.expiresAt.After(time.Now()) {
			delete(c.cached, fp)
		}
	}()
}

// Sweep expires cached entries whose TTL has elapsed. Called by the
// janitor in addition to the lazy check in OnArrival.
func (c *Coordinator) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for fp, entry := range c.cached {
		if !now.Before(entry.expiresAt) {
			delete(c.cached, fp)
		}
	}
}

// CancelAll force-expires every pending/cached entry — the implementation
// behind POST /cleanup?force=true.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	pendings := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.cached = make(map[string]*cachedEntry)
	c.mu.Unlock()

	for _, pr := range pendings {
		for _, w := range pr.waiters {
			w.ch <- Outcome{Err: ErrCancelled}
		}
	}
}
