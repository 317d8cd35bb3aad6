// Package mailbox implements the per-activation bounded queue with a
// single-writer executor (§4.4): turn-based concurrency, reentrancy via
// chain-id, cancellation, and the optional adaptive-capacity,
// circuit-breaker, and rate-limit policies from §6's configuration surface.
package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/orbitrt/orbit/pkg/deadletter"
	"github.com/orbitrt/orbit/pkg/envelope"
	"github.com/orbitrt/orbit/pkg/frameerrors"
)

// State is the mailbox's lifecycle state (§4.4): Idle <-> Running while
// serving turns, Draining once a deactivate request arrives, Stopped once
// drained, Faulted if the executor itself (not a handler) throws.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateDraining:
		return "Draining"
	case StateStopped:
		return "Stopped"
	case StateFaulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// OverflowPolicy governs what happens when a bounded resource (the queue
// itself, or the rate limiter) is exhausted.
type OverflowPolicy int

const (
	OverflowReject OverflowPolicy = iota
	OverflowDrop
	OverflowBlock
)

// EnqueueResult is the outcome of a call to Enqueue.
type EnqueueResult int

const (
	Enqueued EnqueueResult = iota
	Dropped
	Rejected
)

func (r EnqueueResult) String() string {
	switch r {
	case Enqueued:
		return "Enqueued"
	case Dropped:
		return "Dropped"
	case Rejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// AdaptiveConfig is the mailbox's adaptive-capacity policy.
type AdaptiveConfig struct {
	Enabled            bool
	Min, Max           int
	GrowThreshold      float64 // queue utilization fraction that counts as a "high" sample
	ShrinkThreshold    float64 // utilization fraction that counts as a "low" sample
	SamplesBeforeAdapt int
}

// CircuitBreakerConfig is the mailbox's per-activation circuit breaker.
type CircuitBreakerConfig struct {
	Enabled          bool
	FailureThreshold uint32
	SuccessThreshold uint32
	OpenTimeout      time.Duration
	SamplingWindow   time.Duration
}

// RateLimitConfig is the mailbox's token-bucket rate limit.
type RateLimitConfig struct {
	Enabled      bool
	MaxPerWindow int
	Window       time.Duration
	Overflow     OverflowPolicy
}

// Config configures one Mailbox instance.
type Config struct {
	Capacity       int
	Reentrant      bool
	Overflow       OverflowPolicy // applied when the plain queue capacity is exhausted
	Adaptive       AdaptiveConfig
	CircuitBreaker CircuitBreakerConfig
	RateLimit      RateLimitConfig
	DeadLetter     *deadletter.Queue // optional; rejections are recorded here when set
}

// DefaultConfig mirrors the §6 configuration defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:  1024,
		Reentrant: false,
		Overflow:  OverflowReject,
	}
}

// HandlerFunc runs one turn for an activation and returns the response
// payload (opaque to the mailbox).
type HandlerFunc func(ctx context.Context, env *envelope.Envelope) ([]byte, error)

// message is one enqueued unit of work.
type message struct {
	env      *envelope.Envelope
	chainID  string
	deadline time.Time // zero = none
	ctx      context.Context
	cancel   context.CancelFunc

	delivered atomic.Bool
	done      chan struct{}
	result    []byte
	err       error
}

func (m *message) complete(result []byte, err error) {
	if !m.delivered.CompareAndSwap(false, true) {
		return // already resolved (deadline fired first); discard this result.
	}
	m.result = result
	m.err = err
	close(m.done)
}

// Mailbox is a per-activation FIFO bounded queue with one consuming
// executor goroutine.
type Mailbox struct {
	cfg     Config
	handler HandlerFunc
	logger  *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*message
	capacity int
	state    atomic.Int32

	runningChainIDs map[string]int

	adaptSamplesHigh int
	adaptSamplesLow  int

	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter

	deadLetter *deadletter.Queue

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Mailbox that dispatches turns to handler, and starts its
// executor goroutine.
func New(cfg Config, handler HandlerFunc, logger *slog.Logger) *Mailbox {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}

	mb := &Mailbox{
		cfg:             cfg,
		handler:         handler,
		logger:          logger,
		capacity:        cfg.Capacity,
		runningChainIDs: make(map[string]int),
		deadLetter:      cfg.DeadLetter,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
	mb.cond = sync.NewCond(&mb.mu)

	if cfg.CircuitBreaker.Enabled {
		mb.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "mailbox",
			MaxRequests: maxUint32(1, cfg.CircuitBreaker.SuccessThreshold),
			Interval:    cfg.CircuitBreaker.SamplingWindow,
			Timeout:     cfg.CircuitBreaker.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.CircuitBreaker.FailureThreshold
			},
		})
	}
	if cfg.RateLimit.Enabled {
		window := cfg.RateLimit.Window
		if window <= 0 {
			window = time.Second
		}
		perSecond := float64(cfg.RateLimit.MaxPerWindow) / window.Seconds()
		mb.limiter = rate.NewLimiter(rate.Limit(perSecond), maxInt(1, cfg.RateLimit.MaxPerWindow))
	}

	go mb.run()
	return mb
}

// State returns the mailbox's current lifecycle state.
func (mb *Mailbox) State() State {
	return State(mb.state.Load())
}

// recordRejection dead-letters env for reason, if a queue was configured.
func (mb *Mailbox) recordRejection(env *envelope.Envelope, reason deadletter.Reason) {
	if mb.deadLetter != nil {
		mb.deadLetter.Add(env, reason, nil)
	}
}

// Enqueue submits env for execution and returns immediately with the
// enqueue-time outcome: Enqueued (it will run, or already ran via the
// reentrant bypass), Dropped, or Rejected. Use Wait (or EnqueueAndWait) to
// obtain the turn's result.
func (mb *Mailbox) Enqueue(ctx context.Context, env *envelope.Envelope) (EnqueueResult, *Handle, error) {
	state := mb.State()
	if state == StateStopped || state == StateFaulted {
		return Rejected, nil, fmt.Errorf("mailbox: cannot enqueue, mailbox is %s", state)
	}
	if state == StateDraining {
		return Rejected, nil, fmt.Errorf("mailbox: cannot enqueue, mailbox is draining")
	}

	if mb.breaker != nil && mb.breaker.State() == gobreaker.StateOpen {
		mb.recordRejection(env, deadletter.ReasonCircuitOpen)
		return Rejected, nil, frameerrors.NewRejected(frameerrors.RejectReasonCircuitOpen, fmt.Errorf("circuit breaker open"))
	}

	if mb.limiter != nil && !mb.limiter.Allow() {
		switch mb.cfg.RateLimit.Overflow {
		case OverflowDrop:
			return Dropped, nil, nil
		case OverflowBlock:
			waitCtx := ctx
			if dl, ok := env.Deadline(); ok {
				var cancel context.CancelFunc
				waitCtx, cancel = context.WithDeadline(ctx, dl)
				defer cancel()
			}
			if err := mb.limiter.Wait(waitCtx); err != nil {
				return Rejected, nil, frameerrors.New(frameerrors.KindDeadlineExceeded, err)
			}
		default: // OverflowReject
			mb.recordRejection(env, deadletter.ReasonRateLimited)
			return Rejected, nil, frameerrors.NewRejected(frameerrors.RejectReasonRateLimited, fmt.Errorf("rate limited"))
		}
	}

	deadline, hasDeadline := env.Deadline()
	msgCtx := ctx
	var cancel context.CancelFunc
	if hasDeadline {
		msgCtx, cancel = context.WithDeadline(ctx, deadline)
	} else {
		msgCtx, cancel = context.WithCancel(ctx)
	}

	msg := &message{
		env:      env,
		chainID:  env.ChainID,
		deadline: deadline,
		ctx:      msgCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	mb.mu.Lock()
	if mb.runningChainIDs[msg.chainID] > 0 {
		if mb.cfg.Reentrant {
			mb.mu.Unlock()
			mb.runReentrant(msg)
			return Enqueued, &Handle{msg: msg}, nil
		}
		// Non-reentrant self re-entry would deadlock the single executor:
		// detect it immediately instead of hanging.
		mb.mu.Unlock()
		cancel()
		mb.recordRejection(env, deadletter.ReasonReentrancyConflict)
		return Rejected, nil, frameerrors.New(frameerrors.KindRejectedByMailbox,
			fmt.Errorf("non-reentrant actor cannot re-enter chain %q while running", msg.chainID))
	}

	if len(mb.queue) >= mb.capacity {
		mb.mu.Unlock()
		switch mb.cfg.Overflow {
		case OverflowDrop:
			cancel()
			return Dropped, nil, nil
		case OverflowBlock:
			return mb.blockingEnqueue(msg)
		default: // OverflowReject
			cancel()
			mb.recordRejection(env, deadletter.ReasonQueueFull)
			return Rejected, nil, frameerrors.New(frameerrors.KindRejectedByMailbox, fmt.Errorf("mailbox queue full"))
		}
	}

	mb.queue = append(mb.queue, msg)
	mb.sampleDepthLocked()
	mb.cond.Signal()
	mb.mu.Unlock()

	return Enqueued, &Handle{msg: msg}, nil
}

func (mb *Mailbox) blockingEnqueue(msg *message) (EnqueueResult, *Handle, error) {
	for {
		select {
		case <-msg.ctx.Done():
			return Rejected, nil, frameerrors.New(frameerrors.KindDeadlineExceeded, msg.ctx.Err())
		default:
		}
		mb.mu.Lock()
		if len(mb.queue) < mb.capacity {
			mb.queue = append(mb.queue, msg)
			mb.sampleDepthLocked()
			mb.cond.Signal()
			mb.mu.Unlock()
			return Enqueued, &Handle{msg: msg}, nil
		}
		mb.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

// runReentrant executes msg immediately on its own goroutine, bypassing the
// single executor, because its chain-id matches a turn already running.
func (mb *Mailbox) runReentrant(msg *message) {
	mb.mu.Lock()
	mb.runningChainIDs[msg.chainID]++
	mb.mu.Unlock()

	go func() {
		defer func() {
			mb.mu.Lock()
			mb.runningChainIDs[msg.chainID]--
			if mb.runningChainIDs[msg.chainID] <= 0 {
				delete(mb.runningChainIDs, msg.chainID)
			}
			mb.mu.Unlock()
		}()
		mb.execute(msg)
	}()
}

// Handle lets the caller await a message's turn result.
type Handle struct {
	msg *message
}

// Wait blocks until the turn completes, the message's own context (its
// envelope deadline, or the context it was enqueued with) is done, or ctx is
// done, whichever is first. In the latter two cases Wait returns a
// DeadlineExceeded error and the eventual handler result (if any) is
// discarded.
func (h *Handle) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-h.msg.done:
		return h.msg.result, h.msg.err
	case <-h.msg.ctx.Done():
		h.msg.complete(nil, frameerrors.New(frameerrors.KindDeadlineExceeded, h.msg.ctx.Err()))
		<-h.msg.done
		return h.msg.result, h.msg.err
	case <-ctx.Done():
		h.msg.complete(nil, frameerrors.New(frameerrors.KindDeadlineExceeded, ctx.Err()))
		h.msg.cancel()
		return nil, h.msg.err
	}
}

// EnqueueAndWait is a convenience combining Enqueue and Handle.Wait, which is
// how the activator drives a local dispatch to completion.
func (mb *Mailbox) EnqueueAndWait(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
	result, handle, err := mb.Enqueue(ctx, env)
	if err != nil {
		return nil, err
	}
	switch result {
	case Dropped:
		return nil, frameerrors.New(frameerrors.KindRejectedByMailbox, fmt.Errorf("message dropped"))
	case Rejected:
		return nil, frameerrors.New(frameerrors.KindRejectedByMailbox, fmt.Errorf("message rejected"))
	}
	return handle.Wait(ctx)
}

func (mb *Mailbox) run() {
	defer close(mb.doneCh)
	for {
		mb.mu.Lock()
		for len(mb.queue) == 0 {
			select {
			case <-mb.stopCh:
				mb.mu.Unlock()
				return
			default:
			}
			mb.cond.Wait()
			select {
			case <-mb.stopCh:
				mb.mu.Unlock()
				return
			default:
			}
		}
		msg := mb.queue[0]
		mb.queue = mb.queue[1:]
		mb.runningChainIDs[msg.chainID]++
		mb.sampleDepthLocked()
		mb.mu.Unlock()

		if !msg.deadline.IsZero() && time.Now().After(msg.deadline) {
			msg.complete(nil, frameerrors.New(frameerrors.KindDeadlineExceeded, fmt.Errorf("deadline exceeded before turn started")))
			msg.cancel()
		} else {
			mb.state.Store(int32(StateRunning))
			mb.execute(msg)
			mb.state.Store(int32(StateIdle))
		}

		mb.mu.Lock()
		mb.runningChainIDs[msg.chainID]--
		if mb.runningChainIDs[msg.chainID] <= 0 {
			delete(mb.runningChainIDs, msg.chainID)
		}
		mb.mu.Unlock()
	}
}

func (mb *Mailbox) execute(msg *message) {
	runHandler := func() ([]byte, error) {
		return mb.handler(msg.ctx, msg.env)
	}

	var (
		result []byte
		err    error
	)
	if mb.breaker != nil {
		v, bErr := mb.breaker.Execute(func() (interface{}, error) {
			return runHandler()
		})
		if bErr == gobreaker.ErrOpenState || bErr == gobreaker.ErrTooManyRequests {
			err = frameerrors.New(frameerrors.KindRejectedByMailbox, bErr)
		} else if v != nil {
			result, _ = v.([]byte)
			err = bErr
		} else {
			err = bErr
		}
	} else {
		result, err = runHandler()
	}

	msg.complete(result, err)
	msg.cancel()
}

// Drain moves the mailbox to Draining: no further Enqueue calls succeed,
// the current and already-queued turns are allowed to finish (reason is
// advisory, passed through by the activator for logging), and then the
// mailbox transitions to Stopped. Blocks until drained.
func (mb *Mailbox) Drain(ctx context.Context, reason string) error {
	mb.state.Store(int32(StateDraining))
	mb.logger.Info("mailbox draining", "reason", reason)

	for {
		mb.mu.Lock()
		empty := len(mb.queue) == 0 && len(mb.runningChainIDs) == 0
		mb.mu.Unlock()
		if empty {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("mailbox: drain cancelled: %w", ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}

	close(mb.stopCh)
	mb.cond.Broadcast()
	<-mb.doneCh
	mb.state.Store(int32(StateStopped))
	return nil
}

// Fault forces the mailbox into the Faulted state, used when the executor
// itself (not a handler) panics; only supervision can recover from here.
func (mb *Mailbox) Fault() {
	mb.state.Store(int32(StateFaulted))
}

func (mb *Mailbox) sampleDepthLocked() {
	if !mb.cfg.Adaptive.Enabled || mb.capacity == 0 {
		return
	}
	utilization := float64(len(mb.queue)) / float64(mb.capacity)
	switch {
	case utilization >= mb.cfg.Adaptive.GrowThreshold:
		mb.adaptSamplesHigh++
		mb.adaptSamplesLow = 0
	case utilization <= mb.cfg.Adaptive.ShrinkThreshold:
		mb.adaptSamplesLow++
		mb.adaptSamplesHigh = 0
	default:
		mb.adaptSamplesHigh = 0
		mb.adaptSamplesLow = 0
	}

	samples := mb.cfg.Adaptive.SamplesBeforeAdapt
	if samples <= 0 {
		samples = 1
	}
	if mb.adaptSamplesHigh >= samples {
		newCap := mb.capacity * 2
		if newCap > mb.cfg.Adaptive.Max {
			newCap = mb.cfg.Adaptive.Max
		}
		mb.capacity = newCap
		mb.adaptSamplesHigh = 0
	} else if mb.adaptSamplesLow >= samples {
		newCap := mb.capacity / 2
		if newCap < mb.cfg.Adaptive.Min {
			newCap = mb.cfg.Adaptive.Min
		}
		mb.capacity = newCap
		mb.adaptSamplesLow = 0
	}
}

// Capacity returns the mailbox's current (possibly adapted) capacity.
func (mb *Mailbox) Capacity() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.capacity
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
