package activator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orbitrt/orbit/pkg/envelope"
	"github.com/orbitrt/orbit/pkg/frameerrors"
	"github.com/orbitrt/orbit/pkg/statestore"
	"github.com/orbitrt/orbit/pkg/typeregistry"
)

type counterActor struct {
	activated   atomic.Bool
	deactivated atomic.Bool
	loadedRec   statestore.Record
	store       *statestore.InMemoryStore
	actorID     string
}

func (a *counterActor) OnActivate(ctx context.Context) error   { a.activated.Store(true); return nil }
func (a *counterActor) OnDeactivate(ctx context.Context) error { a.deactivated.Store(true); return nil }
func (a *counterActor) LoadState(ctx context.Context, rec statestore.Record) error {
	a.loadedRec = rec
	return nil
}
func (a *counterActor) Dispatch(ctx context.Context, method string, payload []byte) ([]byte, error) {
	switch method {
	case "Echo":
		return payload, nil
	case "Fail":
		return nil, errors.New("boom")
	default:
		return nil, errors.New("unknown method")
	}
}

func newEnv(typeID, actorID, method string) *envelope.Envelope {
	return &envelope.Envelope{
		EnvelopeID: 1,
		ChainID:    envelope.NewChainID(),
		Target:     envelope.Target{TypeID: typeID, ActorID: actorID},
		Method:     method,
	}
}

func TestLocalDispatchActivatesLazily(t *testing.T) {
	reg := typeregistry.New()
	var instance *counterActor
	require.NoError(t, reg.Register(typeregistry.Entry{
		TypeID: "counter",
		Constructor: func(actorID string) (typeregistry.Actor, error) {
			instance = &counterActor{actorID: actorID}
			return instance, nil
		},
	}))

	a := New(reg, Config{SelfSiloID: "silo-1"})
	defer a.Stop()

	require.Equal(t, 0, a.NumActivations())

	resp, err := a.LocalDispatch(context.Background(), newEnv("counter", "a1", "Echo"))
	require.NoError(t, err)
	require.Nil(t, resp)
	require.Equal(t, 1, a.NumActivations())
	require.True(t, instance.activated.Load())
}

func TestLocalDispatchUnknownTypeErrors(t *testing.T) {
	reg := typeregistry.New()
	a := New(reg, Config{SelfSiloID: "silo-1"})
	defer a.Stop()

	_, err := a.LocalDispatch(context.Background(), newEnv("missing", "a1", "Echo"))
	require.Error(t, err)
	require.True(t, frameerrors.Is(err, frameerrors.KindUnknownType))
}

func TestLocalDispatchWrapsHandlerFault(t *testing.T) {
	reg := typeregistry.New()
	require.NoError(t, reg.Register(typeregistry.Entry{
		TypeID:      "counter",
		Constructor: func(actorID string) (typeregistry.Actor, error) { return &counterActor{actorID: actorID}, nil },
	}))

	a := New(reg, Config{SelfSiloID: "silo-1"})
	defer a.Stop()

	_, err := a.LocalDispatch(context.Background(), newEnv("counter", "a1", "Fail"))
	require.Error(t, err)
	require.True(t, frameerrors.Is(err, frameerrors.KindHandlerFault))
}

func TestDeactivateRunsOnDeactivateAndRemovesActivation(t *testing.T) {
	reg := typeregistry.New()
	var instance *counterActor
	require.NoError(t, reg.Register(typeregistry.Entry{
		TypeID: "counter",
		Constructor: func(actorID string) (typeregistry.Actor, error) {
			instance = &counterActor{actorID: actorID}
			return instance, nil
		},
	}))

	a := New(reg, Config{SelfSiloID: "silo-1"})
	defer a.Stop()

	_, err := a.LocalDispatch(context.Background(), newEnv("counter", "a1", "Echo"))
	require.NoError(t, err)
	require.Equal(t, 1, a.NumActivations())

	err = a.Deactivate(context.Background(), "counter", "a1", "test")
	require.NoError(t, err)
	require.Equal(t, 0, a.NumActivations())
	require.True(t, instance.deactivated.Load())
}

func TestStatefulActorLoadsStateOnActivation(t *testing.T) {
	reg := typeregistry.New()
	store := statestore.NewInMemoryStore()
	_, err := store.Save(context.Background(), statestore.Key{Namespace: "counter", ActorID: "a1"}, []byte("seed"), 0)
	require.NoError(t, err)

	var instance *counterActor
	require.NoError(t, reg.Register(typeregistry.Entry{
		TypeID:        "counter",
		StatefulStore: true,
		Constructor: func(actorID string) (typeregistry.Actor, error) {
			instance = &counterActor{actorID: actorID, store: store}
			return instance, nil
		},
	}))

	a := New(reg, Config{SelfSiloID: "silo-1", Store: store})
	defer a.Stop()

	_, err = a.LocalDispatch(context.Background(), newEnv("counter", "a1", "Echo"))
	require.NoError(t, err)
	require.Equal(t, []byte("seed"), instance.loadedRec.Payload)
	require.Equal(t, uint64(1), instance.loadedRec.Version)
}

type denyOwner struct{}

func (denyOwner) IsLocal(typeID, actorID string) (bool, error) { return false, nil }

func TestLocalDispatchDetectsMigrationAway(t *testing.T) {
	reg := typeregistry.New()
	require.NoError(t, reg.Register(typeregistry.Entry{
		TypeID:      "counter",
		Constructor: func(actorID string) (typeregistry.Actor, error) { return &counterActor{actorID: actorID}, nil },
	}))

	a := New(reg, Config{SelfSiloID: "silo-1"})
	defer a.Stop()

	_, err := a.LocalDispatch(context.Background(), newEnv("counter", "a1", "Echo"))
	require.NoError(t, err)

	a.cfg.Owner = denyOwner{}

	_, err = a.LocalDispatch(context.Background(), newEnv("counter", "a1", "Echo"))
	require.Error(t, err)
	require.True(t, frameerrors.Is(err, frameerrors.KindRoutingFailure))

	require.Eventually(t, func() bool { return a.NumActivations() == 0 }, time.Second, 5*time.Millisecond)
}

func TestIdleSweepDeactivatesAfterTimeout(t *testing.T) {
	reg := typeregistry.New()
	var instance *counterActor
	require.NoError(t, reg.Register(typeregistry.Entry{
		TypeID: "counter",
		Constructor: func(actorID string) (typeregistry.Actor, error) {
			instance = &counterActor{actorID: actorID}
			return instance, nil
		},
	}))

	a := New(reg, Config{
		SelfSiloID:        "silo-1",
		IdleTimeout:       10 * time.Millisecond,
		IdleSweepInterval: 5 * time.Millisecond,
	})
	defer a.Stop()

	_, err := a.LocalDispatch(context.Background(), newEnv("counter", "a1", "Echo"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.NumActivations() == 0 && instance.deactivated.Load()
	}, time.Second, 5*time.Millisecond)
}
