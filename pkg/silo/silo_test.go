package silo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orbitrt/orbit/pkg/envelope"
	"github.com/orbitrt/orbit/pkg/membership"
	"github.com/orbitrt/orbit/pkg/typeregistry"
)

type echoActor struct{}

func (echoActor) OnActivate(ctx context.Context) error   { return nil }
func (echoActor) OnDeactivate(ctx context.Context) error { return nil }
func (echoActor) Dispatch(ctx context.Context, method string, payload []byte) ([]byte, error) {
	return payload, nil
}

func newTestSilo(t *testing.T, reg membership.Registry) *Silo {
	types := typeregistry.New()
	require.NoError(t, types.Register(typeregistry.Entry{
		TypeID:      "echo",
		Constructor: func(actorID string) (typeregistry.Actor, error) { return echoActor{}, nil },
	}))

	s, err := New(Config{
		SiloID:            "silo-1",
		Address:           "127.0.0.1:9000",
		Registry:          reg,
		Types:             types,
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  200 * time.Millisecond,
	})
	require.NoError(t, err)
	return s
}

func TestSiloStartCallStop(t *testing.T) {
	reg := membership.NewInMemoryRegistry()
	s := newTestSilo(t, reg)

	require.NoError(t, s.StartAsync(context.Background()))
	require.Equal(t, membership.StatusActive, s.Status())

	resp, err := s.Call(context.Background(), "echo", "a1", "Ping", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), resp)

	require.Equal(t, 1, s.Ring().NumSilos())

	require.NoError(t, s.DrainAsync(context.Background()))
	require.Equal(t, membership.StatusStopped, s.Status())
	require.NoError(t, s.StopAsync(context.Background()))
}

func TestSiloWithoutRegistryServesLocalOnly(t *testing.T) {
	types := typeregistry.New()
	require.NoError(t, types.Register(typeregistry.Entry{
		TypeID:      "echo",
		Constructor: func(actorID string) (typeregistry.Actor, error) { return echoActor{}, nil },
	}))

	s, err := New(Config{SiloID: "silo-1", Address: "127.0.0.1:9000", Types: types})
	require.NoError(t, err)

	require.NoError(t, s.StartAsync(context.Background()))
	defer s.StopAsync(context.Background())

	resp, err := s.Call(context.Background(), "echo", "a1", "Ping", []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), resp)
}

func TestSiloUnknownTypeCallErrors(t *testing.T) {
	reg := membership.NewInMemoryRegistry()
	s := newTestSilo(t, reg)
	require.NoError(t, s.StartAsync(context.Background()))
	defer s.StopAsync(context.Background())

	_, err := s.Call(context.Background(), "missing", "a1", "Ping", nil)
	require.Error(t, err)
	_ = envelope.Envelope{}
}
