// Package activator implements the Activator / Lifecycle Manager (§4.5):
// lazy activation on first touch, striped keyed locks guaranteeing exactly
// one local Activation per (type_id, actor_id), idle-GC, and the
// migration handoff described in §4.5/§9 where the target acquires the
// activation lock first and the source drains on its next touch once it
// observes the directory override has moved elsewhere. The fine-grained
// "release the lock before any expensive or high-latency call" discipline
// follows the inherited environment's activations map.
package activator

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/orbitrt/orbit/pkg/deadletter"
	"github.com/orbitrt/orbit/pkg/envelope"
	"github.com/orbitrt/orbit/pkg/frameerrors"
	"github.com/orbitrt/orbit/pkg/mailbox"
	"github.com/orbitrt/orbit/pkg/statestore"
	"github.com/orbitrt/orbit/pkg/typeregistry"
)

const defaultLockStripes = 256

// OwnerChecker is the subset of pkg/directory's surface the activator needs
// to detect that ownership of an already-active actor has moved elsewhere,
// without activator depending on the directory package directly.
type OwnerChecker interface {
	IsLocal(typeID, actorID string) (bool, error)
}

// Config configures an Activator.
type Config struct {
	SelfSiloID            string
	LockStripes           int // default 256
	IdleTimeout           time.Duration
	IdleSweepInterval      time.Duration
	MailboxConfig         func(typeregistry.Entry) mailbox.Config
	Owner                 OwnerChecker // optional; enables migration-out detection
	Store                 statestore.Store
	StoreNamespace        func(typeID string) string
	ConflictPolicy        statestore.ConflictPolicy
	DeadLetter            *deadletter.Queue // optional; threaded into every activation's mailbox
	Logger                *slog.Logger
}

type key struct {
	typeID  string
	actorID string
}

func (k key) routingKey() string { return k.typeID + ":" + k.actorID }

type activation struct {
	key        key
	actor      typeregistry.Actor
	mailbox    *mailbox.Mailbox
	entry      typeregistry.Entry
	generation uint64
	lastActive atomicTime
}

// Activator owns the local activation table for one silo.
type Activator struct {
	cfg     Config
	types   *typeregistry.Registry
	logger  *slog.Logger
	stripes []sync.Mutex

	mu          sync.RWMutex
	activations map[key]*activation
	generation  uint64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates an Activator resolving types against reg.
func New(reg *typeregistry.Registry, cfg Config) *Activator {
	if cfg.LockStripes <= 0 {
		cfg.LockStripes = defaultLockStripes
	}
	if cfg.IdleSweepInterval <= 0 {
		cfg.IdleSweepInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StoreNamespace == nil {
		cfg.StoreNamespace = func(typeID string) string { return typeID }
	}
	a := &Activator{
		cfg:         cfg,
		types:       reg,
		logger:      cfg.Logger,
		stripes:     make([]sync.Mutex, cfg.LockStripes),
		activations: make(map[key]*activation),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	if cfg.IdleTimeout > 0 {
		go a.idleSweepLoop()
	} else {
		close(a.doneCh)
	}
	return a
}

func (a *Activator) stripe(k key) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.routingKey()))
	return &a.stripes[h.Sum32()%uint32(len(a.stripes))]
}

// NumActivations returns the number of currently activated actors.
func (a *Activator) NumActivations() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.activations)
}

// LocalDispatch runs env's turn against the local activation for its
// target, lazily activating it if necessary. Returns a frameerrors.Error of
// KindRoutingFailure if ownership has migrated away and the caller (the
// router) should re-resolve.
func (a *Activator) LocalDispatch(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
	k := key{typeID: env.Target.TypeID, actorID: env.Target.ActorID}

	act, err := a.getOrActivate(ctx, k)
	if err != nil {
		return nil, err
	}
	act.lastActive.Store(time.Now())

	return act.mailbox.EnqueueAndWait(ctx, env)
}

func (a *Activator) getOrActivate(ctx context.Context, k key) (*activation, error) {
	a.mu.RLock()
	act, ok := a.activations[k]
	a.mu.RUnlock()
	if ok {
		if migrated, err := a.checkMigratedAway(ctx, act); err != nil {
			return nil, err
		} else if migrated {
			return nil, frameerrors.New(frameerrors.KindRoutingFailure,
				fmt.Errorf("activator: %s has migrated away from silo %s", k.routingKey(), a.cfg.SelfSiloID))
		}
		return act, nil
	}

	entry, ok := a.types.Lookup(k.typeID)
	if !ok {
		return nil, frameerrors.New(frameerrors.KindUnknownType, fmt.Errorf("activator: unregistered type_id %q", k.typeID))
	}

	stripe := a.stripe(k)
	stripe.Lock()
	defer stripe.Unlock()

	// Re-check under the stripe lock: another goroutine may have activated
	// this key while we were waiting for it. This mirrors the inherited
	// environment's re-check-after-unlock discipline.
	a.mu.RLock()
	act, ok = a.activations[k]
	a.mu.RUnlock()
	if ok {
		return act, nil
	}

	act, err := a.activate(ctx, k, entry)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.generation++
	act.generation = a.generation
	a.activations[k] = act
	a.mu.Unlock()

	return act, nil
}

func (a *Activator) activate(ctx context.Context, k key, entry typeregistry.Entry) (*activation, error) {
	actorInstance, err := entry.Constructor(k.actorID)
	if err != nil {
		return nil, frameerrors.New(frameerrors.KindActivationFailure,
			fmt.Errorf("activator: constructor failed for %s: %w", k.routingKey(), err))
	}

	if entry.StatefulStore && a.cfg.Store != nil {
		stateful, ok := actorInstance.(typeregistry.StatefulActor)
		if ok {
			rec, err := a.cfg.Store.Load(ctx, statestore.Key{Namespace: a.cfg.StoreNamespace(k.typeID), ActorID: k.actorID})
			if err != nil {
				return nil, frameerrors.New(frameerrors.KindActivationFailure,
					fmt.Errorf("activator: error loading state for %s: %w", k.routingKey(), err))
			}
			if err := stateful.LoadState(ctx, rec); err != nil {
				return nil, frameerrors.New(frameerrors.KindActivationFailure,
					fmt.Errorf("activator: LoadState failed for %s: %w", k.routingKey(), err))
			}
		}
	}

	if err := actorInstance.OnActivate(ctx); err != nil {
		return nil, frameerrors.New(frameerrors.KindActivationFailure,
			fmt.Errorf("activator: OnActivate failed for %s: %w", k.routingKey(), err))
	}

	act := &activation{
		key:   k,
		actor: actorInstance,
		entry: entry,
	}
	act.lastActive.Store(time.Now())

	mbCfg := mailbox.DefaultConfig()
	mbCfg.Reentrant = entry.Reentrant
	if a.cfg.MailboxConfig != nil {
		mbCfg = a.cfg.MailboxConfig(entry)
	}
	mbCfg.DeadLetter = a.cfg.DeadLetter
	act.mailbox = mailbox.New(mbCfg, a.turnHandler(act), a.logger)

	a.logger.Debug("activator: activated", "type_id", k.typeID, "actor_id", k.actorID)
	return act, nil
}

// turnHandler adapts a typeregistry.Actor's Dispatch method into a
// mailbox.HandlerFunc.
func (a *Activator) turnHandler(act *activation) mailbox.HandlerFunc {
	return func(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
		result, err := act.actor.Dispatch(ctx, env.Method, env.Payload)
		if err != nil {
			return nil, frameerrors.New(frameerrors.KindHandlerFault, err)
		}
		return result, nil
	}
}

// checkMigratedAway reports whether act's key is now owned by another silo
// per the directory, per §4.5's "source observes the sticky override and,
// on its next touch, transitions its local activation through Draining ->
// Stopped."
func (a *Activator) checkMigratedAway(ctx context.Context, act *activation) (bool, error) {
	if a.cfg.Owner == nil {
		return false, nil
	}
	local, err := a.cfg.Owner.IsLocal(act.key.typeID, act.key.actorID)
	if err != nil {
		return false, nil // directory lookup failure is not itself a migration signal.
	}
	if local {
		return false, nil
	}
	go a.Deactivate(context.Background(), act.key.typeID, act.key.actorID, "migrated")
	return true, nil
}

// Deactivate drains and tears down the local activation for (typeID,
// actorID), if one exists. Safe to call concurrently with LocalDispatch;
// idempotent.
func (a *Activator) Deactivate(ctx context.Context, typeID, actorID, reason string) error {
	k := key{typeID: typeID, actorID: actorID}

	stripe := a.stripe(k)
	stripe.Lock()
	defer stripe.Unlock()

	a.mu.RLock()
	act, ok := a.activations[k]
	a.mu.RUnlock()
	if !ok {
		return nil
	}

	if err := act.mailbox.Drain(ctx, reason); err != nil {
		return fmt.Errorf("activator: error draining %s: %w", k.routingKey(), err)
	}
	if err := act.actor.OnDeactivate(ctx); err != nil {
		a.logger.Warn("activator: OnDeactivate failed", "type_id", typeID, "actor_id", actorID, "error", err)
	}

	a.mu.Lock()
	delete(a.activations, k)
	a.mu.Unlock()

	a.logger.Debug("activator: deactivated", "type_id", typeID, "actor_id", actorID, "reason", reason)
	return nil
}

// Reactivate eagerly (re)activates (typeID, actorID). Lazy activation means
// the next touch would do this anyway; supervision's Restart directive calls
// this explicitly right after Deactivate so the child is warm again
// immediately rather than on its next incoming envelope.
func (a *Activator) Reactivate(ctx context.Context, typeID, actorID string) error {
	_, err := a.getOrActivate(ctx, key{typeID: typeID, actorID: actorID})
	return err
}

// DeactivateAll drains and tears down every local activation, used by
// Silo.DrainAsync during a controlled shutdown.
func (a *Activator) DeactivateAll(ctx context.Context, reason string) error {
	a.mu.RLock()
	keys := make([]key, 0, len(a.activations))
	for k := range a.activations {
		keys = append(keys, k)
	}
	a.mu.RUnlock()

	var firstErr error
	for _, k := range keys {
		if err := a.Deactivate(ctx, k.typeID, k.actorID, reason); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *Activator) idleSweepLoop() {
	defer close(a.doneCh)
	ticker := time.NewTicker(a.cfg.IdleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.sweepIdle()
		case <-a.stopCh:
			return
		}
	}
}

func (a *Activator) sweepIdle() {
	now := time.Now()
	a.mu.RLock()
	var idle []key
	for k, act := range a.activations {
		if now.Sub(act.lastActive.Load()) > a.cfg.IdleTimeout {
			idle = append(idle, k)
		}
	}
	a.mu.RUnlock()

	for _, k := range idle {
		if err := a.Deactivate(context.Background(), k.typeID, k.actorID, "idle_timeout"); err != nil {
			a.logger.Warn("activator: idle sweep deactivate failed", "type_id", k.typeID, "actor_id", k.actorID, "error", err)
		}
	}
}

// Stop halts the idle sweep loop, if running.
func (a *Activator) Stop() {
	select {
	case <-a.stopCh:
	default:
		close(a.stopCh)
	}
	<-a.doneCh
}

// atomicTime is a tiny helper around an atomically-swapped time.Time,
// avoiding a mutex for the hot lastActive update path.
type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) Store(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomicTime) Load() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}
