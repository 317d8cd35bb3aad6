package grpctransport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orbitrt/orbit/pkg/envelope"
	"github.com/orbitrt/orbit/pkg/frameerrors"
)

func TestRawCodecMarshalUnmarshalRoundTrip(t *testing.T) {
	c := rawCodec{}
	msg := frameMsg([]byte("hello world"))

	body, err := c.Marshal(&msg)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), body)

	var out frameMsg
	require.NoError(t, c.Unmarshal(body, &out))
	require.Equal(t, []byte("hello world"), []byte(out))
}

func TestRawCodecMarshalRejectsWrongType(t *testing.T) {
	c := rawCodec{}
	_, err := c.Marshal("not a frameMsg")
	require.Error(t, err)
}

func TestRawCodecUnmarshalRejectsWrongType(t *testing.T) {
	c := rawCodec{}
	var out string
	err := c.Unmarshal([]byte("x"), &out)
	require.Error(t, err)
}

func TestRawCodecNameMatchesRegisteredCodec(t *testing.T) {
	require.Equal(t, "orbit-raw", rawCodec{}.Name())
}

func TestFullMethodNameAndCallOptions(t *testing.T) {
	require.Equal(t, "/orbit.transport.Transport/Route", fullMethodName())
	require.Len(t, callOptions(), 1)
}

func TestKindToStatusCoversEveryFrameerrorsKind(t *testing.T) {
	cases := []struct {
		kind frameerrors.Kind
		want envelope.StatusCode
	}{
		{frameerrors.KindRoutingFailure, envelope.StatusRoutingFailure},
		{frameerrors.KindDeadlineExceeded, envelope.StatusDeadlineExceeded},
		{frameerrors.KindRejectedByMailbox, envelope.StatusRejectedQueueFull},
		{frameerrors.KindActivationFailure, envelope.StatusActivationFailure},
		{frameerrors.KindHandlerFault, envelope.StatusHandlerFault},
		{frameerrors.KindConcurrencyFailure, envelope.StatusConcurrencyFailure},
		{frameerrors.KindUnknownType, envelope.StatusUnknownType},
		{frameerrors.KindUnknownMethod, envelope.StatusUnknownMethod},
		{frameerrors.KindCancelled, envelope.StatusCancelled},
		{frameerrors.KindUnknown, envelope.StatusRoutingFailure},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, kindToStatus(tc.kind), "kind=%s", tc.kind)
	}
}

func TestStatusForErrDistinguishesRejectReasons(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want envelope.StatusCode
	}{
		{"circuit open", frameerrors.NewRejected(frameerrors.RejectReasonCircuitOpen, nil), envelope.StatusRejectedCircuitOpen},
		{"rate limited", frameerrors.NewRejected(frameerrors.RejectReasonRateLimited, nil), envelope.StatusRejectedRateLimited},
		{"unspecified falls back to queue full", frameerrors.New(frameerrors.KindRejectedByMailbox, nil), envelope.StatusRejectedQueueFull},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusForErr(tc.err), tc.name)
	}
}
