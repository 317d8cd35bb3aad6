// Package typeregistry implements the "type registry contract" that §6 and
// the design notes in §9 treat as an external collaborator: an explicit
// startup-time registration step replacing source-generated factories. Each
// actor type contributes an Entry (type_id, constructor, codec and flags);
// dispatch goes through the constructed Actor's Dispatch method, preserving
// zero-reflection dispatch without language-specific code generation.
package typeregistry

import (
	"context"
	"fmt"
	"sync"

	"github.com/orbitrt/orbit/pkg/statestore"
)

// Codec is opaque to the core: it may be length-prefixed JSON, tagged
// binary, or anything whose field identity is positional.
type Codec interface {
	Encode(call any) ([]byte, error)
	Decode(data []byte, out any) error
}

// Constructor builds a new, un-activated instance of an actor type for the
// given actor id. Called synchronously by the activator.
type Constructor func(actorID string) (Actor, error)

// Actor is the behavior surface every activated actor implements.
type Actor interface {
	// OnActivate runs once right after construction, before the actor accepts
	// any turns. A non-nil error aborts activation.
	OnActivate(ctx context.Context) error
	// OnDeactivate runs once before the activation is torn down. Must be
	// idempotent; implementations are not required to await unsaved timers.
	OnDeactivate(ctx context.Context) error
	// Dispatch invokes the named method with the given opaque payload and
	// returns the opaque response payload.
	Dispatch(ctx context.Context, method string, payload []byte) ([]byte, error)
}

// StatefulActor is implemented by actor instances whose type Entry sets
// StatefulStore. The activator calls LoadState once, after construction and
// before OnActivate, with whatever record (possibly empty, Version 0) the
// state store currently holds for this actor. Persisting new state on a
// turn is left to the actor, which calls statestore.SaveWithPolicy itself
// against the store handle it was constructed with.
type StatefulActor interface {
	LoadState(ctx context.Context, rec statestore.Record) error
}

// Entry is the quadruple registered for one actor type.
type Entry struct {
	TypeID      string
	Constructor Constructor
	Codec       Codec
	// Reentrant, when true, permits the mailbox to run turns sharing a
	// chain-id concurrently with an outer turn for this type.
	Reentrant bool
	// StatefulStore indicates whether activations of this type load their
	// state through the state store contract on activation (see
	// StatefulActor). The activator does not save state on deactivation;
	// saving is done by the actor itself.
	StatefulStore bool
}

// Registry maps a type_id to its registered Entry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates an empty type Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds typeID's quadruple to the registry. Returns an error if
// typeID is already registered.
func (r *Registry) Register(e Entry) error {
	if e.TypeID == "" {
		return fmt.Errorf("typeregistry: type_id cannot be empty")
	}
	if e.Constructor == nil {
		return fmt.Errorf("typeregistry: type_id %q: constructor cannot be nil", e.TypeID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.TypeID]; ok {
		return fmt.Errorf("typeregistry: type_id %q already registered", e.TypeID)
	}
	r.entries[e.TypeID] = e
	return nil
}

// Lookup returns the Entry registered for typeID.
func (r *Registry) Lookup(typeID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[typeID]
	return e, ok
}
