package envelope

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := &Envelope{
		EnvelopeID: 42,
		ChainID:    NewChainID(),
		Target:     Target{TypeID: "widget", ActorID: "a1"},
		Method:     "Ping",
		Payload:    []byte("hello"),
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, e))

	got, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, e.EnvelopeID, got.EnvelopeID)
	require.Equal(t, e.ChainID, got.ChainID)
	require.Equal(t, e.Target, got.Target)
	require.Equal(t, e.Method, got.Method)
	require.Equal(t, e.Payload, got.Payload)
}

func TestEncodeDecodeMultipleFramesSequentially(t *testing.T) {
	var buf bytes.Buffer
	first := &Envelope{EnvelopeID: 1, Method: "A"}
	second := &Envelope{EnvelopeID: 2, Method: "B"}
	require.NoError(t, Encode(&buf, first))
	require.NoError(t, Encode(&buf, second))

	got1, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got1.EnvelopeID)

	got2, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, uint64(2), got2.EnvelopeID)
}

func TestDecodeOnEmptyReaderReturnsEOF(t *testing.T) {
	_, err := Decode(&bytes.Buffer{})
	require.ErrorIs(t, err, io.EOF)
}

func TestEncodeBytesDecodeBytesRoundTrip(t *testing.T) {
	e := &Envelope{EnvelopeID: 7, Method: "Echo", Payload: []byte("x")}
	body, err := EncodeBytes(e)
	require.NoError(t, err)

	got, err := DecodeBytes(body)
	require.NoError(t, err)
	require.Equal(t, e.EnvelopeID, got.EnvelopeID)
	require.Equal(t, e.Method, got.Method)
	require.Equal(t, e.Payload, got.Payload)
}

func TestResponseBuildsOKEnvelopeWithSameIdentity(t *testing.T) {
	req := &Envelope{EnvelopeID: 9, ChainID: "c1", Target: Target{TypeID: "t", ActorID: "a"}, Method: "M"}
	resp := req.Response([]byte("ok"))

	require.Equal(t, req.EnvelopeID, resp.EnvelopeID)
	require.Equal(t, req.ChainID, resp.ChainID)
	require.True(t, resp.IsResponse)
	require.Equal(t, StatusOK, resp.StatusCode)
	require.Equal(t, []byte("ok"), resp.Payload)
}

func TestErrorResponseCarriesStatusAndMessage(t *testing.T) {
	req := &Envelope{EnvelopeID: 9, ChainID: "c1"}
	resp := req.ErrorResponse(StatusHandlerFault, errors.New("boom"))

	require.True(t, resp.IsResponse)
	require.Equal(t, StatusHandlerFault, resp.StatusCode)
	require.Equal(t, "boom", resp.ErrorMessage)
}

func TestErrorResponseWithNilErrorHasEmptyMessage(t *testing.T) {
	req := &Envelope{EnvelopeID: 1}
	resp := req.ErrorResponse(StatusRoutingFailure, nil)
	require.Empty(t, resp.ErrorMessage)
}

func TestDeadlineUnsetReturnsFalse(t *testing.T) {
	e := &Envelope{}
	_, ok := e.Deadline()
	require.False(t, ok)
}

func TestDeadlineSetRoundTripsThroughUnixNano(t *testing.T) {
	want := time.Now().Add(time.Minute)
	e := &Envelope{DeadlineUnix: want.UnixNano()}

	got, ok := e.Deadline()
	require.True(t, ok)
	require.Equal(t, want.UnixNano(), got.UnixNano())
}

func TestTargetRoutingKeyCombinesTypeAndActor(t *testing.T) {
	target := Target{TypeID: "widget", ActorID: "a1"}
	require.Equal(t, "widget:a1", target.RoutingKey())
}

func TestStatusCodeStringCoversKnownAndUnknownValues(t *testing.T) {
	require.Equal(t, "OK", StatusOK.String())
	require.Equal(t, "Cancelled", StatusCancelled.String())
	require.Contains(t, StatusCode(999).String(), "StatusCode")
}

func TestNewChainIDIsUniqueEachCall(t *testing.T) {
	require.NotEqual(t, NewChainID(), NewChainID())
}
