// Package deadletter implements the dead-letter sink named in §5: a message
// that is rejected (circuit open, rate-limit Reject, actor Stopped, or
// routing failure after max retries) lands here with its original envelope,
// reason, timestamp, and optional retry policy. Bounded by an LRU so a
// misbehaving cluster can't grow the DLQ without limit.
package deadletter

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/orbitrt/orbit/pkg/envelope"
)

// Reason classifies why an envelope was dead-lettered.
type Reason string

const (
	ReasonCircuitOpen        Reason = "circuit_open"
	ReasonRateLimited        Reason = "rate_limited"
	ReasonQueueFull          Reason = "queue_full"
	ReasonActorStopped       Reason = "actor_stopped"
	ReasonRoutingExhausted   Reason = "routing_exhausted"
	ReasonHandlerFault       Reason = "handler_fault"
	ReasonReentrancyConflict Reason = "reentrancy_conflict"
)

// RetryPolicy optionally accompanies a dead-lettered record for a consumer
// that wants to replay it later.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Record is one dead-lettered envelope.
type Record struct {
	Envelope    *envelope.Envelope
	Reason      Reason
	Timestamp   time.Time
	RetryPolicy *RetryPolicy
}

// Queue is a bounded, eviction-safe dead-letter sink.
type Queue struct {
	mu    sync.Mutex
	cache *lru.Cache[uint64, Record]
}

// New creates a Queue holding at most capacity records, evicting the oldest
// (LRU) record once full.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 10_000
	}
	cache, _ := lru.New[uint64, Record](capacity)
	return &Queue{cache: cache}
}

// Add records env as dead-lettered for reason, optionally with a retry
// policy for later replay.
func (q *Queue) Add(env *envelope.Envelope, reason Reason, retry *RetryPolicy) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cache.Add(env.EnvelopeID, Record{
		Envelope:    env,
		Reason:      reason,
		Timestamp:   time.Now(),
		RetryPolicy: retry,
	})
}

// Peek returns a snapshot of every currently held record, most-recently-added
// last, without removing them.
func (q *Queue) Peek() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := q.cache.Keys()
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		if r, ok := q.cache.Peek(k); ok {
			out = append(out, r)
		}
	}
	return out
}

// Drain removes and returns every currently held record.
func (q *Queue) Drain() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := q.cache.Keys()
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		if r, ok := q.cache.Peek(k); ok {
			out = append(out, r)
		}
	}
	q.cache.Purge()
	return out
}

// Len returns the number of records currently held.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cache.Len()
}
