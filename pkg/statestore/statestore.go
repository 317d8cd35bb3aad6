// Package statestore implements the versioned load/save/delete contract
// (§4.7) that activations use, plus the in-memory reference implementation
// §6 says the core must supply for tests and well-defined test vectors. The
// optimistic-concurrency shape (expected_version compare-and-swap) follows
// the same pattern as the inherited registry's actor-KV transactions, which
// fence writes on a (ServerID, ServerVersion) pair instead of a raw version
// counter — here the version counter itself is the fence.
package statestore

import (
	"context"
	"fmt"
	"sync"

	"github.com/orbitrt/orbit/pkg/frameerrors"
)

// Key identifies one versioned record within a namespace.
type Key struct {
	Namespace string
	ActorID   string
}

// Record is a versioned payload as returned by Load.
type Record struct {
	Payload []byte
	Version uint64
}

// Store is the versioned load/save/delete contract. Implementations must
// make Save atomic: either it succeeds and the stored version becomes
// expected_version+1, or it fails with a ConcurrencyFailure and the stored
// value is untouched.
type Store interface {
	// Load returns (default, 0, nil) if no record exists for key.
	Load(ctx context.Context, key Key) (Record, error)
	// Save performs a compare-and-swap: it succeeds only if the currently
	// stored version equals expectedVersion, in which case the new version is
	// expectedVersion+1. expectedVersion of 0 means "no prior record".
	Save(ctx context.Context, key Key, payload []byte, expectedVersion uint64) (newVersion uint64, err error)
	// Delete removes the record at key, gated by the same expected-version
	// precondition as Save.
	Delete(ctx context.Context, key Key, expectedVersion uint64) error
}

// ConcurrencyFailure reports the version actually observed in storage so
// callers implementing the reload-and-retry pattern don't need an extra Load.
type ConcurrencyFailure struct {
	Key             Key
	ExpectedVersion uint64
	ActualVersion   uint64
}

func (e *ConcurrencyFailure) Error() string {
	return fmt.Sprintf(
		"statestore: concurrency failure for %s/%s: expected version %d, actual version %d",
		e.Key.Namespace, e.Key.ActorID, e.ExpectedVersion, e.ActualVersion)
}

func newConcurrencyErr(key Key, expected, actual uint64) error {
	return frameerrors.New(frameerrors.KindConcurrencyFailure, &ConcurrencyFailure{
		Key:             key,
		ExpectedVersion: expected,
		ActualVersion:   actual,
	})
}

type memRecord struct {
	payload []byte
	version uint64
}

// InMemoryStore is the in-memory reference implementation of Store. Safe for
// concurrent use; one lock guards the whole map, which is acceptable for a
// reference/test implementation (see DESIGN.md).
type InMemoryStore struct {
	mu      sync.Mutex
	records map[Key]memRecord
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[Key]memRecord)}
}

func (s *InMemoryStore) Load(_ context.Context, key Key) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	if !ok {
		return Record{Payload: nil, Version: 0}, nil
	}
	return Record{Payload: append([]byte(nil), r.payload...), Version: r.version}, nil
}

func (s *InMemoryStore) Save(_ context.Context, key Key, payload []byte, expectedVersion uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	actual := uint64(0)
	if ok {
		actual = r.version
	}
	if actual != expectedVersion {
		return 0, newConcurrencyErr(key, expectedVersion, actual)
	}
	newVersion := expectedVersion + 1
	s.records[key] = memRecord{payload: append([]byte(nil), payload...), version: newVersion}
	return newVersion, nil
}

func (s *InMemoryStore) Delete(_ context.Context, key Key, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	actual := uint64(0)
	if ok {
		actual = r.version
	}
	if actual != expectedVersion {
		return newConcurrencyErr(key, expectedVersion, actual)
	}
	delete(s.records, key)
	return nil
}

// ConflictPolicy is the activation-side strategy selected per §4.7: on a
// ConcurrencyFailure during Save, an activation either reloads and re-applies
// a domain merge function, or aborts the turn and surfaces the conflict.
type ConflictPolicy int

const (
	// ConflictPolicyAbort surfaces the ConcurrencyFailure to the caller.
	ConflictPolicyAbort ConflictPolicy = iota
	// ConflictPolicyReloadAndMerge reloads the latest record and re-applies
	// the caller-supplied merge function, retrying Save once.
	ConflictPolicyReloadAndMerge
)

// MergeFunc re-derives the payload to save given the latest stored record.
// Used only under ConflictPolicyReloadAndMerge.
type MergeFunc func(latest Record) ([]byte, error)

// SaveWithPolicy performs Save, and on a ConcurrencyFailure applies policy.
// Under ConflictPolicyReloadAndMerge it reloads once, calls merge, and
// retries Save exactly once more; a second failure is surfaced as-is.
func SaveWithPolicy(
	ctx context.Context,
	store Store,
	key Key,
	payload []byte,
	expectedVersion uint64,
	policy ConflictPolicy,
	merge MergeFunc,
) (uint64, error) {
	newVersion, err := store.Save(ctx, key, payload, expectedVersion)
	if err == nil {
		return newVersion, nil
	}
	if policy != ConflictPolicyReloadAndMerge || merge == nil {
		return 0, err
	}

	latest, loadErr := store.Load(ctx, key)
	if loadErr != nil {
		return 0, fmt.Errorf("statestore: reload after conflict failed: %w", loadErr)
	}
	merged, mergeErr := merge(latest)
	if mergeErr != nil {
		return 0, fmt.Errorf("statestore: merge after conflict failed: %w", mergeErr)
	}
	return store.Save(ctx, key, merged, latest.Version)
}

// IsConcurrencyFailure reports whether err is (or wraps) a ConcurrencyFailure.
func IsConcurrencyFailure(err error) bool {
	return frameerrors.Is(err, frameerrors.KindConcurrencyFailure)
}
