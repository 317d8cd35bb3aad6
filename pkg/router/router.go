// Package router implements the Envelope Router (§4.6): it resolves a
// target through the directory, takes the local fast path when the
// activator already owns the key, otherwise hands the envelope to a
// transport for the remote silo, and retries routing failures with bounded
// exponential backoff.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/orbitrt/orbit/pkg/deadletter"
	"github.com/orbitrt/orbit/pkg/envelope"
	"github.com/orbitrt/orbit/pkg/frameerrors"
)

// Directory is the subset of pkg/directory's surface the router needs.
type Directory interface {
	OwnerOf(typeID, actorID string) (string, error)
	IsLocal(typeID, actorID string) (bool, error)
}

// LocalDispatcher is the subset of pkg/activator's surface the router needs
// for the local fast path.
type LocalDispatcher interface {
	LocalDispatch(ctx context.Context, env *envelope.Envelope) ([]byte, error)
}

// AddressResolver maps a silo_id to a transport-dialable address, typically
// backed by pkg/membership's Registry.
type AddressResolver interface {
	Address(siloID string) (string, error)
}

// Transport sends env to a remote silo at address and returns its response
// envelope. Implementations (e.g. pkg/transport/grpctransport) own their own
// connection pooling and per-connection envelope_id correlation.
type Transport interface {
	Send(ctx context.Context, address string, env *envelope.Envelope) (*envelope.Envelope, error)
}

// BackpressurePolicy governs what the router does when the local activator
// reports it is saturated (RejectedByMailbox) rather than cleanly absent.
type BackpressurePolicy int

const (
	// BackpressureReject surfaces the rejection to the caller immediately.
	BackpressureReject BackpressurePolicy = iota
	// BackpressureBlock retries the same local dispatch after Config.RetryBackoff,
	// up to Config.Retries times, instead of failing fast.
	BackpressureBlock
)

// Config configures a Router.
type Config struct {
	SelfSiloID   string
	Retries      int
	RetryBackoff time.Duration
	Backpressure BackpressurePolicy
	DeadLetter   *deadletter.Queue // optional; routing failures after exhausted retries are recorded here
	Logger       *slog.Logger
}

// Router routes envelopes to their owning silo, locally or remotely.
type Router struct {
	cfg        Config
	dir        Directory
	local      LocalDispatcher
	transport  Transport
	addrs      AddressResolver
	counter    *envelope.Counter
	deadLetter *deadletter.Queue
	logger     *slog.Logger
}

// New creates a Router. transport and addrs may be nil for a router that
// only ever serves local targets (e.g. single-silo tests).
func New(dir Directory, local LocalDispatcher, transport Transport, addrs AddressResolver, cfg Config) *Router {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		cfg:        cfg,
		dir:        dir,
		local:      local,
		transport:  transport,
		addrs:      addrs,
		counter:    &envelope.Counter{},
		deadLetter: cfg.DeadLetter,
		logger:     cfg.Logger,
	}
}

type chainIDKeyType struct{}

var chainIDKey = chainIDKeyType{}

// WithChainID attaches a chain-id to ctx so that nested Call invocations
// made while servicing the current turn share it, enabling reentrancy.
func WithChainID(ctx context.Context, chainID string) context.Context {
	return context.WithValue(ctx, chainIDKey, chainID)
}

// ChainIDFromContext returns the chain-id attached to ctx, if any.
func ChainIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(chainIDKey).(string)
	return id, ok
}

// Call builds an envelope addressed to (typeID, actorID) for method, routes
// it to completion (local or remote, with retries), and returns the
// response payload. The chain-id is taken from ctx if WithChainID was used
// upstream (reentrant call chains), otherwise a new one is minted.
func (r *Router) Call(ctx context.Context, typeID, actorID, method string, payload []byte) ([]byte, error) {
	chainID, ok := ChainIDFromContext(ctx)
	if !ok {
		chainID = envelope.NewChainID()
	}

	env := &envelope.Envelope{
		EnvelopeID: r.counter.Next(),
		ChainID:    chainID,
		Target:     envelope.Target{TypeID: typeID, ActorID: actorID},
		Method:     method,
		Payload:    payload,
	}
	if dl, ok := ctx.Deadline(); ok {
		env.DeadlineUnix = dl.UnixNano()
	}

	resp, err := r.route(ctx, env)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != envelope.StatusOK {
		return nil, statusToErr(resp.StatusCode, resp.ErrorMessage)
	}
	return resp.Payload, nil
}

// CallOneWay is like Call but does not wait for a response; it still routes
// through the same local/remote path so ordering and placement semantics
// are identical.
func (r *Router) CallOneWay(ctx context.Context, typeID, actorID, method string, payload []byte) error {
	chainID, ok := ChainIDFromContext(ctx)
	if !ok {
		chainID = envelope.NewChainID()
	}
	env := &envelope.Envelope{
		EnvelopeID: r.counter.Next(),
		ChainID:    chainID,
		Target:     envelope.Target{TypeID: typeID, ActorID: actorID},
		Method:     method,
		Payload:    payload,
		IsOneWay:   true,
	}
	_, err := r.route(ctx, env)
	return err
}

// route resolves env's target and dispatches it, retrying routing failures
// with bounded exponential backoff (§4.6).
func (r *Router) route(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := r.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		resp, err := r.dispatchOnce(ctx, env)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return nil, err
		}
	}

	if r.deadLetter != nil {
		r.deadLetter.Add(env, deadletter.ReasonRoutingExhausted, &deadletter.RetryPolicy{
			MaxAttempts: r.cfg.Retries,
			Backoff:     r.cfg.RetryBackoff,
		})
	}
	return nil, frameerrors.New(frameerrors.KindRoutingFailure,
		fmt.Errorf("router: exhausted %d retries for %s: %w", r.cfg.Retries, env.Target.RoutingKey(), lastErr))
}

func (r *Router) dispatchOnce(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	local, err := r.dir.IsLocal(env.Target.TypeID, env.Target.ActorID)
	if err != nil {
		return nil, frameerrors.New(frameerrors.KindRoutingFailure, fmt.Errorf("router: error resolving owner: %w", err))
	}

	if local {
		payload, err := r.local.LocalDispatch(ctx, env)
		if err != nil {
			if frameerrors.Is(err, frameerrors.KindRejectedByMailbox) && r.cfg.Backpressure == BackpressureBlock {
				return nil, retryableErr(err)
			}
			return nil, err
		}
		return env.Response(payload), nil
	}

	if r.transport == nil || r.addrs == nil {
		return nil, frameerrors.New(frameerrors.KindRoutingFailure,
			fmt.Errorf("router: %s is not local and no transport is configured", env.Target.RoutingKey()))
	}

	owner, err := r.dir.OwnerOf(env.Target.TypeID, env.Target.ActorID)
	if err != nil {
		return nil, frameerrors.New(frameerrors.KindRoutingFailure, fmt.Errorf("router: error resolving owner: %w", err))
	}
	address, err := r.addrs.Address(owner)
	if err != nil {
		return nil, retryableErr(frameerrors.New(frameerrors.KindRoutingFailure,
			fmt.Errorf("router: error resolving address for silo %s: %w", owner, err)))
	}

	resp, err := r.transport.Send(ctx, address, env)
	if err != nil {
		return nil, retryableErr(frameerrors.New(frameerrors.KindRoutingFailure,
			fmt.Errorf("router: error sending to silo %s (%s): %w", owner, address, err)))
	}
	return resp, nil
}

type retryable struct{ err error }

func (r retryable) Error() string { return r.err.Error() }
func (r retryable) Unwrap() error { return r.err }

func retryableErr(err error) error { return retryable{err: err} }

func isRetryable(err error) bool {
	_, ok := err.(retryable)
	if ok {
		return true
	}
	return frameerrors.Is(err, frameerrors.KindRoutingFailure)
}

func (r *Router) backoff(ctx context.Context, attempt int) error {
	base := r.cfg.RetryBackoff
	d := base * time.Duration(1<<uint(attempt-1))
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	select {
	case <-time.After(d + jitter):
		return nil
	case <-ctx.Done():
		return frameerrors.New(frameerrors.KindDeadlineExceeded, ctx.Err())
	}
}

func statusToErr(code envelope.StatusCode, msg string) error {
	var kind frameerrors.Kind
	switch code {
	case envelope.StatusRoutingFailure:
		kind = frameerrors.KindRoutingFailure
	case envelope.StatusDeadlineExceeded:
		kind = frameerrors.KindDeadlineExceeded
	case envelope.StatusRejectedRateLimited, envelope.StatusRejectedCircuitOpen, envelope.StatusRejectedQueueFull:
		kind = frameerrors.KindRejectedByMailbox
	case envelope.StatusActivationFailure:
		kind = frameerrors.KindActivationFailure
	case envelope.StatusHandlerFault:
		kind = frameerrors.KindHandlerFault
	case envelope.StatusConcurrencyFailure:
		kind = frameerrors.KindConcurrencyFailure
	case envelope.StatusUnknownType:
		kind = frameerrors.KindUnknownType
	case envelope.StatusUnknownMethod:
		kind = frameerrors.KindUnknownMethod
	case envelope.StatusCancelled:
		kind = frameerrors.KindCancelled
	default:
		kind = frameerrors.KindUnknown
	}
	return frameerrors.New(kind, fmt.Errorf("%s", msg))
}
