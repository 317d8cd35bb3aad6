package statestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInMemoryStoreLoadMissingReturnsZeroVersion(t *testing.T) {
	s := NewInMemoryStore()
	rec, err := s.Load(context.Background(), Key{Namespace: "ns", ActorID: "a1"})
	require.NoError(t, err)
	require.Equal(t, uint64(0), rec.Version)
	require.Nil(t, rec.Payload)
}

func TestInMemoryStoreSaveAndLoadRoundTrip(t *testing.T) {
	s := NewInMemoryStore()
	key := Key{Namespace: "ns", ActorID: "a1"}

	v, err := s.Save(context.Background(), key, []byte("v1"), 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), v)

	rec, err := s.Load(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), rec.Payload)
	require.Equal(t, uint64(1), rec.Version)
}

func TestInMemoryStoreSaveRejectsStaleVersion(t *testing.T) {
	s := NewInMemoryStore()
	key := Key{Namespace: "ns", ActorID: "a1"}

	_, err := s.Save(context.Background(), key, []byte("v1"), 0)
	require.NoError(t, err)

	_, err = s.Save(context.Background(), key, []byte("v2"), 0)
	require.Error(t, err)
	require.True(t, IsConcurrencyFailure(err))
}

func TestInMemoryStoreDeleteRejectsStaleVersion(t *testing.T) {
	s := NewInMemoryStore()
	key := Key{Namespace: "ns", ActorID: "a1"}

	v, err := s.Save(context.Background(), key, []byte("v1"), 0)
	require.NoError(t, err)

	err = s.Delete(context.Background(), key, 0)
	require.Error(t, err)
	require.True(t, IsConcurrencyFailure(err))

	err = s.Delete(context.Background(), key, v)
	require.NoError(t, err)

	rec, err := s.Load(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, uint64(0), rec.Version)
}

func TestSaveWithPolicyReloadAndMerge(t *testing.T) {
	s := NewInMemoryStore()
	key := Key{Namespace: "ns", ActorID: "counter"}

	_, err := s.Save(context.Background(), key, []byte("5"), 0)
	require.NoError(t, err)

	// Stale write: caller thinks version is still 0, but it's now 1.
	merge := func(latest Record) ([]byte, error) {
		require.Equal(t, []byte("5"), latest.Payload)
		return []byte("6"), nil
	}
	newVersion, err := SaveWithPolicy(context.Background(), s, key, []byte("stale"), 0, ConflictPolicyReloadAndMerge, merge)
	require.NoError(t, err)
	require.Equal(t, uint64(2), newVersion)

	rec, err := s.Load(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, []byte("6"), rec.Payload)
}

func TestSaveWithPolicyAbortSurfacesConflict(t *testing.T) {
	s := NewInMemoryStore()
	key := Key{Namespace: "ns", ActorID: "counter"}

	_, err := s.Save(context.Background(), key, []byte("5"), 0)
	require.NoError(t, err)

	_, err = SaveWithPolicy(context.Background(), s, key, []byte("stale"), 0, ConflictPolicyAbort, nil)
	require.Error(t, err)
	require.True(t, IsConcurrencyFailure(err))
}
