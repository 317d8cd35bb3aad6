package frameerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWrapsCauseAndKind(t *testing.T) {
	cause := errors.New("boom")
	err := New(KindHandlerFault, cause)

	require.True(t, Is(err, KindHandlerFault))
	require.False(t, Is(err, KindRoutingFailure))
	require.Equal(t, KindHandlerFault, KindOf(err))
	require.ErrorIs(t, err, cause)
}

func TestIsAndKindOfOnPlainError(t *testing.T) {
	err := errors.New("not ours")
	require.False(t, Is(err, KindHandlerFault))
	require.Equal(t, KindUnknown, KindOf(err))
}

func TestErrorUnwrapsThroughFmtWrapping(t *testing.T) {
	cause := errors.New("root cause")
	tagged := New(KindRoutingFailure, cause)
	wrapped := fmt.Errorf("router: attempt failed: %w", tagged)

	require.True(t, Is(wrapped, KindRoutingFailure))
	require.Equal(t, KindRoutingFailure, KindOf(wrapped))
	require.ErrorIs(t, wrapped, cause)
}

func TestNewRejectedCarriesReasonSubcode(t *testing.T) {
	err := NewRejected(RejectReasonCircuitOpen, errors.New("circuit breaker open"))

	require.True(t, Is(err, KindRejectedByMailbox))
	reason, ok := RejectReasonOf(err)
	require.True(t, ok)
	require.Equal(t, RejectReasonCircuitOpen, reason)
}

func TestRejectReasonOfIsFalseForUnspecifiedOrOtherKinds(t *testing.T) {
	_, ok := RejectReasonOf(New(KindRejectedByMailbox, errors.New("queue full")))
	require.False(t, ok)

	_, ok = RejectReasonOf(New(KindHandlerFault, errors.New("boom")))
	require.False(t, ok)
}

func TestKindStringCoversEveryKind(t *testing.T) {
	kinds := []Kind{
		KindUnknown, KindRoutingFailure, KindDeadlineExceeded, KindRejectedByMailbox,
		KindActivationFailure, KindHandlerFault, KindConcurrencyFailure,
		KindUnknownType, KindUnknownMethod, KindCancelled,
	}
	seen := map[string]bool{}
	for _, k := range kinds {
		s := k.String()
		require.NotEmpty(t, s)
		seen[s] = true
	}
	require.Len(t, seen, len(kinds))
}
