package directory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orbitrt/orbit/pkg/ring"
)

func newTestDirectory(t *testing.T, selfSiloID string) *Directory {
	r := ring.New(50)
	r.SetNodes([]ring.Node{{SiloID: "silo-1"}, {SiloID: "silo-2"}})
	d, err := New(selfSiloID, r, Options{CacheTTL: time.Minute, OverrideTTL: time.Minute})
	require.NoError(t, err)
	return d
}

func TestDirectoryOwnerOfFollowsRing(t *testing.T) {
	d := newTestDirectory(t, "silo-1")

	owner, err := d.OwnerOf("widget", "a1")
	require.NoError(t, err)
	require.Contains(t, []string{"silo-1", "silo-2"}, owner)

	isLocal, err := d.IsLocal("widget", "a1")
	require.NoError(t, err)
	require.Equal(t, owner == "silo-1", isLocal)
}

func TestDirectoryOverrideTakesPrecedenceOverRing(t *testing.T) {
	d := newTestDirectory(t, "silo-1")

	ringOwner, err := d.OwnerOf("widget", "a1")
	require.NoError(t, err)

	other := "silo-2"
	if ringOwner == "silo-2" {
		other = "silo-1"
	}

	d.SetOverride("widget", "a1", other, time.Minute)
	owner, err := d.OwnerOf("widget", "a1")
	require.NoError(t, err)
	require.Equal(t, other, owner)
}

func TestDirectoryClearOverrideFallsBackToRing(t *testing.T) {
	d := newTestDirectory(t, "silo-1")

	ringOwner, err := d.OwnerOf("widget", "a1")
	require.NoError(t, err)

	d.SetOverride("widget", "a1", "silo-9", time.Minute)
	owner, err := d.OwnerOf("widget", "a1")
	require.NoError(t, err)
	require.Equal(t, "silo-9", owner)

	d.ClearOverride("widget", "a1")
	owner, err = d.OwnerOf("widget", "a1")
	require.NoError(t, err)
	require.Equal(t, ringOwner, owner)
}

func TestDirectoryOverrideExpiresAfterTTL(t *testing.T) {
	r := ring.New(50)
	r.SetNodes([]ring.Node{{SiloID: "silo-1"}, {SiloID: "silo-2"}})
	d, err := New("silo-1", r, Options{CacheTTL: time.Minute, OverrideTTL: time.Minute})
	require.NoError(t, err)

	ringOwner, err := d.OwnerOf("widget", "a1")
	require.NoError(t, err)

	d.SetOverride("widget", "a1", "silo-9", 10*time.Millisecond)
	owner, err := d.OwnerOf("widget", "a1")
	require.NoError(t, err)
	require.Equal(t, "silo-9", owner)

	require.Eventually(t, func() bool {
		owner, err := d.OwnerOf("widget", "a1")
		return err == nil && owner == ringOwner
	}, time.Second, 5*time.Millisecond)
}
