// Package frameerrors defines the error taxonomy surfaced to callers and to
// supervision, per the error handling design. Every taxonomy error is an
// *Error tagged with a Kind, so callers can branch with Is or KindOf (both
// built on errors.As) instead of string matching.
package frameerrors

import "errors"

// Kind identifies which row of the error taxonomy an error belongs to.
type Kind int

const (
	KindUnknown Kind = iota
	// KindRoutingFailure: no silo assigned to the key, or the chosen silo is
	// unreachable and retries are exhausted.
	KindRoutingFailure
	// KindDeadlineExceeded: the envelope's deadline elapsed before a response
	// returned.
	KindDeadlineExceeded
	// KindRejectedByMailbox: rate-limited, circuit-open, or a bounded queue
	// full under the Reject overflow policy.
	KindRejectedByMailbox
	// KindActivationFailure: the actor constructor or OnActivate hook failed.
	KindActivationFailure
	// KindHandlerFault: the user handler itself faulted.
	KindHandlerFault
	// KindConcurrencyFailure: a state Save used a stale expected_version.
	KindConcurrencyFailure
	// KindUnknownType: the type registry has no entry for the requested type_id.
	KindUnknownType
	// KindUnknownMethod: the dispatcher has no entry for the requested method.
	KindUnknownMethod
	// KindCancelled: the call was cancelled cooperatively, not via deadline.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindRoutingFailure:
		return "RoutingFailure"
	case KindDeadlineExceeded:
		return "DeadlineExceeded"
	case KindRejectedByMailbox:
		return "RejectedByMailbox"
	case KindActivationFailure:
		return "ActivationFailure"
	case KindHandlerFault:
		return "HandlerFault"
	case KindConcurrencyFailure:
		return "ConcurrencyFailure"
	case KindUnknownType:
		return "UnknownType"
	case KindUnknownMethod:
		return "UnknownMethod"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// RejectReason refines KindRejectedByMailbox with which specific rejection
// cause fired. Circuit-open, rate-limited, and queue-full all share one
// Kind at the errors.Is/errors.As level, but the wire layer maps them onto
// distinct envelope.StatusCode values, so the cause has to survive as a
// subcode alongside Kind.
type RejectReason int

const (
	RejectReasonUnspecified RejectReason = iota
	RejectReasonCircuitOpen
	RejectReasonRateLimited
)

func (r RejectReason) String() string {
	switch r {
	case RejectReasonCircuitOpen:
		return "CircuitOpen"
	case RejectReasonRateLimited:
		return "RateLimited"
	default:
		return "Unspecified"
	}
}

// Error wraps an underlying cause with a taxonomy Kind so callers can branch
// on Kind via As, while %w-wrapping is preserved for the underlying cause.
type Error struct {
	Kind   Kind
	Reason RejectReason // only meaningful when Kind == KindRejectedByMailbox
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a taxonomy Error of the given Kind wrapping cause.
func New(kind Kind, cause error) error {
	return &Error{Kind: kind, Cause: cause}
}

// NewRejected constructs a KindRejectedByMailbox error carrying a reason
// subcode, so the wire layer can distinguish circuit-open from
// rate-limited instead of collapsing both onto the same status.
func NewRejected(reason RejectReason, cause error) error {
	return &Error{Kind: KindRejectedByMailbox, Reason: reason, Cause: cause}
}

// RejectReasonOf extracts the Reason subcode of err if it is a
// KindRejectedByMailbox frameerrors.Error carrying one, and
// (RejectReasonUnspecified, false) otherwise.
func RejectReasonOf(err error) (RejectReason, bool) {
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == KindRejectedByMailbox && fe.Reason != RejectReasonUnspecified {
		return fe.Reason, true
	}
	return RejectReasonUnspecified, false
}

// Is reports whether err (or anything it wraps) is a frameerrors.Error of
// the given Kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err if it (or anything it wraps) is a
// frameerrors.Error, and KindUnknown otherwise.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}
