package mailbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orbitrt/orbit/pkg/deadletter"
	"github.com/orbitrt/orbit/pkg/envelope"
	"github.com/orbitrt/orbit/pkg/frameerrors"
)

func newEnv(chainID string) *envelope.Envelope {
	return &envelope.Envelope{
		EnvelopeID: 1,
		ChainID:    chainID,
		Target:     envelope.Target{TypeID: "t", ActorID: "a"},
		Method:     "Do",
	}
}

func TestMailboxRunsTurnsInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int

	mb := New(DefaultConfig(), func(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
		n := int(env.Payload[0])
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
		return nil, nil
	}, nil)
	defer mb.Drain(context.Background(), "test done")

	for i := 0; i < 5; i++ {
		env := newEnv(fmt.Sprintf("chain-%d", i))
		env.Payload = []byte{byte(i)}
		_, err := mb.EnqueueAndWait(context.Background(), env)
		require.NoError(t, err)
	}

	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestMailboxNonReentrantSelfReentryIsRejected(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})

	var recurseOnce sync.Once
	var reentryErr error

	cfg := DefaultConfig()
	var mb *Mailbox
	mb = New(cfg, func(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
		close(started)
		recurseOnce.Do(func() {
			_, _, reentryErr = mb.Enqueue(context.Background(), newEnv(env.ChainID))
		})
		<-release
		return nil, nil
	}, nil)
	defer mb.Drain(context.Background(), "test done")

	env := newEnv("chain-A")
	_, handle, err := mb.Enqueue(context.Background(), env)
	require.NoError(t, err)

	<-started
	time.Sleep(10 * time.Millisecond) // let the recursive Enqueue run.
	require.Error(t, reentryErr)
	require.True(t, frameerrors.Is(reentryErr, frameerrors.KindRejectedByMailbox))

	close(release)
	_, err = handle.Wait(context.Background())
	require.NoError(t, err)
}

func TestMailboxReentrantBypassesQueue(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var innerRan atomic.Bool

	cfg := DefaultConfig()
	cfg.Reentrant = true

	var mb *Mailbox
	mb = New(cfg, func(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
		if env.Payload == nil {
			close(started)
			<-release
			return nil, nil
		}
		innerRan.Store(true)
		return nil, nil
	}, nil)
	defer mb.Drain(context.Background(), "test done")

	outer := newEnv("chain-A")
	_, outerHandle, err := mb.Enqueue(context.Background(), outer)
	require.NoError(t, err)

	<-started
	inner := newEnv("chain-A")
	inner.Payload = []byte{1}
	result, innerHandle, err := mb.Enqueue(context.Background(), inner)
	require.NoError(t, err)
	require.Equal(t, Enqueued, result)
	_, err = innerHandle.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, innerRan.Load())

	close(release)
	_, err = outerHandle.Wait(context.Background())
	require.NoError(t, err)
}

func TestMailboxQueueFullRejects(t *testing.T) {
	block := make(chan struct{})
	cfg := DefaultConfig()
	cfg.Capacity = 1

	mb := New(cfg, func(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
		<-block
		return nil, nil
	}, nil)
	defer func() {
		close(block)
		mb.Drain(context.Background(), "test done")
	}()

	_, _, err := mb.Enqueue(context.Background(), newEnv("chain-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		result, _, err := mb.Enqueue(context.Background(), newEnv("chain-2"))
		return err != nil && result == Rejected
	}, time.Second, time.Millisecond)
}

func TestMailboxDeadlineExceededBeforeTurnStarts(t *testing.T) {
	block := make(chan struct{})
	cfg := DefaultConfig()
	cfg.Capacity = 8

	mb := New(cfg, func(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
		<-block
		return nil, nil
	}, nil)
	defer func() {
		close(block)
		mb.Drain(context.Background(), "test done")
	}()

	_, _, err := mb.Enqueue(context.Background(), newEnv("chain-1"))
	require.NoError(t, err)

	late := newEnv("chain-2")
	late.DeadlineUnix = time.Now().Add(-time.Second).UnixNano()
	_, handle, err := mb.Enqueue(context.Background(), late)
	require.NoError(t, err)

	_, err = handle.Wait(context.Background())
	require.Error(t, err)
	require.True(t, frameerrors.Is(err, frameerrors.KindDeadlineExceeded))
}

func TestMailboxQueueFullRejectionIsDeadLettered(t *testing.T) {
	block := make(chan struct{})
	dlq := deadletter.New(10)
	cfg := DefaultConfig()
	cfg.Capacity = 1
	cfg.DeadLetter = dlq

	mb := New(cfg, func(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
		<-block
		return nil, nil
	}, nil)
	defer func() {
		close(block)
		mb.Drain(context.Background(), "test done")
	}()

	_, _, err := mb.Enqueue(context.Background(), newEnv("chain-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		result, _, err := mb.Enqueue(context.Background(), newEnv("chain-2"))
		return err != nil && result == Rejected
	}, time.Second, time.Millisecond)

	records := dlq.Peek()
	require.Len(t, records, 1)
	require.Equal(t, deadletter.ReasonQueueFull, records[0].Reason)
}

// TestMailboxCircuitBreakerTripsAndRejectsWhileOpen drives the first half of
// the failure_threshold/open_timeout scenario: three consecutive handler
// faults trip the breaker, and every Enqueue while it's open is rejected
// before the handler ever runs, tagged with the circuit-open reason.
func TestMailboxCircuitBreakerTripsAndRejectsWhileOpen(t *testing.T) {
	dlq := deadletter.New(10)
	cfg := DefaultConfig()
	cfg.DeadLetter = dlq
	cfg.CircuitBreaker = CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      100 * time.Millisecond,
		SamplingWindow:   time.Minute,
	}

	mb := New(cfg, func(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
		return nil, fmt.Errorf("boom")
	}, nil)
	defer mb.Drain(context.Background(), "test done")

	for i := 0; i < 3; i++ {
		_, err := mb.EnqueueAndWait(context.Background(), newEnv(fmt.Sprintf("chain-fail-%d", i)))
		require.Error(t, err)
	}

	_, _, err := mb.Enqueue(context.Background(), newEnv("chain-open"))
	require.Error(t, err)
	require.True(t, frameerrors.Is(err, frameerrors.KindRejectedByMailbox))
	reason, ok := frameerrors.RejectReasonOf(err)
	require.True(t, ok)
	require.Equal(t, frameerrors.RejectReasonCircuitOpen, reason)

	records := dlq.Peek()
	require.NotEmpty(t, records)
	require.Equal(t, deadletter.ReasonCircuitOpen, records[len(records)-1].Reason)
}

// TestMailboxCircuitBreakerClosesAfterSuccessesInHalfOpen covers the second
// half: once open_timeout elapses, the breaker allows trial calls again; two
// consecutive successes (success_threshold) close it.
func TestMailboxCircuitBreakerClosesAfterSuccessesInHalfOpen(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)

	cfg := DefaultConfig()
	cfg.CircuitBreaker = CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      50 * time.Millisecond,
		SamplingWindow:   time.Minute,
	}

	mb := New(cfg, func(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
		if fail.Load() {
			return nil, fmt.Errorf("boom")
		}
		return nil, nil
	}, nil)
	defer mb.Drain(context.Background(), "test done")

	for i := 0; i < 3; i++ {
		_, _ = mb.EnqueueAndWait(context.Background(), newEnv(fmt.Sprintf("chain-fail-%d", i)))
	}

	time.Sleep(75 * time.Millisecond)
	fail.Store(false)

	for i := 0; i < 2; i++ {
		_, err := mb.EnqueueAndWait(context.Background(), newEnv(fmt.Sprintf("chain-ok-%d", i)))
		require.NoError(t, err)
	}

	// The breaker is closed now: a handler success goes through without the
	// Enqueue-time rejection that would fire if it were still open.
	_, err := mb.EnqueueAndWait(context.Background(), newEnv("chain-verify-closed"))
	require.NoError(t, err)
}

// TestMailboxCircuitBreakerReopensOnFailureInHalfOpen covers the "a third
// immediate fault reopens it" half of the scenario: a single failed trial
// call while the breaker is half-open (rather than a fresh run of
// failure_threshold faults) reopens it right away.
func TestMailboxCircuitBreakerReopensOnFailureInHalfOpen(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)

	cfg := DefaultConfig()
	cfg.CircuitBreaker = CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      50 * time.Millisecond,
		SamplingWindow:   time.Minute,
	}

	mb := New(cfg, func(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
		return nil, fmt.Errorf("boom")
	}, nil)
	defer mb.Drain(context.Background(), "test done")

	for i := 0; i < 3; i++ {
		_, _ = mb.EnqueueAndWait(context.Background(), newEnv(fmt.Sprintf("chain-fail-%d", i)))
	}

	time.Sleep(75 * time.Millisecond)

	// The lone half-open trial call fails, reopening the breaker immediately.
	_, err := mb.EnqueueAndWait(context.Background(), newEnv("chain-half-open-fault"))
	require.Error(t, err)

	_, _, err = mb.Enqueue(context.Background(), newEnv("chain-reopened"))
	require.Error(t, err)
	reason, ok := frameerrors.RejectReasonOf(err)
	require.True(t, ok)
	require.Equal(t, frameerrors.RejectReasonCircuitOpen, reason)
}

func TestMailboxRateLimitRejectsOverflow(t *testing.T) {
	dlq := deadletter.New(10)
	cfg := DefaultConfig()
	cfg.DeadLetter = dlq
	cfg.RateLimit = RateLimitConfig{
		Enabled:      true,
		MaxPerWindow: 1,
		Window:       time.Minute,
		Overflow:     OverflowReject,
	}

	mb := New(cfg, func(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
		return nil, nil
	}, nil)
	defer mb.Drain(context.Background(), "test done")

	_, err := mb.EnqueueAndWait(context.Background(), newEnv("chain-1"))
	require.NoError(t, err)

	_, _, err = mb.Enqueue(context.Background(), newEnv("chain-2"))
	require.Error(t, err)
	require.True(t, frameerrors.Is(err, frameerrors.KindRejectedByMailbox))
	reason, ok := frameerrors.RejectReasonOf(err)
	require.True(t, ok)
	require.Equal(t, frameerrors.RejectReasonRateLimited, reason)

	records := dlq.Peek()
	require.Len(t, records, 1)
	require.Equal(t, deadletter.ReasonRateLimited, records[0].Reason)
}

func TestMailboxRateLimitDropsOverflowWhenConfigured(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = RateLimitConfig{
		Enabled:      true,
		MaxPerWindow: 1,
		Window:       time.Minute,
		Overflow:     OverflowDrop,
	}

	mb := New(cfg, func(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
		return nil, nil
	}, nil)
	defer mb.Drain(context.Background(), "test done")

	_, err := mb.EnqueueAndWait(context.Background(), newEnv("chain-1"))
	require.NoError(t, err)

	result, _, err := mb.Enqueue(context.Background(), newEnv("chain-2"))
	require.NoError(t, err)
	require.Equal(t, Dropped, result)
}
