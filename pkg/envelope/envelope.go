// Package envelope defines the wire-level message unit (§3 "Envelope") that
// carries a call or its response between silos, plus the length-prefixed
// JSON framing the router and transport use to put it on the wire.
package envelope

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// StatusCode classifies the outcome of a dispatched envelope.
type StatusCode uint32

const (
	StatusOK StatusCode = iota
	StatusRoutingFailure
	StatusDeadlineExceeded
	StatusRejectedRateLimited
	StatusRejectedCircuitOpen
	StatusRejectedQueueFull
	StatusActivationFailure
	StatusHandlerFault
	StatusConcurrencyFailure
	StatusUnknownType
	StatusUnknownMethod
	StatusCancelled
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusRoutingFailure:
		return "RoutingFailure"
	case StatusDeadlineExceeded:
		return "DeadlineExceeded"
	case StatusRejectedRateLimited:
		return "RejectedRateLimited"
	case StatusRejectedCircuitOpen:
		return "RejectedCircuitOpen"
	case StatusRejectedQueueFull:
		return "RejectedQueueFull"
	case StatusActivationFailure:
		return "ActivationFailure"
	case StatusHandlerFault:
		return "HandlerFault"
	case StatusConcurrencyFailure:
		return "ConcurrencyFailure"
	case StatusUnknownType:
		return "UnknownType"
	case StatusUnknownMethod:
		return "UnknownMethod"
	case StatusCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("StatusCode(%d)", uint32(s))
	}
}

// Target identifies the actor an envelope is addressed to.
type Target struct {
	TypeID  string `json:"type_id"`
	ActorID string `json:"actor_id"`
}

func (t Target) RoutingKey() string {
	return t.TypeID + ":" + t.ActorID
}

// Envelope is the immutable wire-level unit described in §3. Once sent it is
// never mutated; the caller retains the response future keyed by EnvelopeID.
type Envelope struct {
	EnvelopeID   uint64     `json:"envelope_id"`
	ChainID      string     `json:"chain_id"`
	Target       Target     `json:"target"`
	Method       string     `json:"method"`
	Payload      []byte     `json:"payload,omitempty"`
	DeadlineUnix int64      `json:"deadline_unix,omitempty"` // UnixNano, 0 = no deadline
	IsOneWay     bool       `json:"is_one_way,omitempty"`
	IsResponse   bool       `json:"is_response,omitempty"`
	StatusCode   StatusCode `json:"status_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Deadline returns the envelope's deadline and whether one was set.
func (e *Envelope) Deadline() (time.Time, bool) {
	if e.DeadlineUnix == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, e.DeadlineUnix), true
}

// NewChainID generates a new, edge-level chain identifier. Distinct from
// EnvelopeID: a chain-id is propagated across every envelope spawned while
// servicing one logical call, to allow reentrancy.
func NewChainID() string {
	return uuid.NewString()
}

// Response builds the response envelope for a successfully handled request.
func (e *Envelope) Response(payload []byte) *Envelope {
	return &Envelope{
		EnvelopeID: e.EnvelopeID,
		ChainID:    e.ChainID,
		Target:     e.Target,
		Method:     e.Method,
		Payload:    payload,
		IsResponse: true,
		StatusCode: StatusOK,
	}
}

// ErrorResponse builds the error response envelope for a failed request.
func (e *Envelope) ErrorResponse(code StatusCode, err error) *Envelope {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Envelope{
		EnvelopeID:   e.EnvelopeID,
		ChainID:      e.ChainID,
		Target:       e.Target,
		Method:       e.Method,
		IsResponse:   true,
		StatusCode:   code,
		ErrorMessage: msg,
	}
}

// Encode serializes the envelope as a length-prefixed JSON frame: a 4-byte
// big-endian length followed by that many bytes of JSON. JSON is one of the
// framing choices the wire format explicitly allows, and keeps the core free
// of a second schema-compiled codec for its own control-plane fields (the
// *payload* inside the envelope remains opaque to this layer and is encoded
// by whatever codec the target actor type registered).
func Encode(w io.Writer, e *Envelope) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("envelope: error marshaling: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("envelope: error writing length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("envelope: error writing body: %w", err)
	}
	return nil
}

// Decode reads one length-prefixed JSON frame from r.
func Decode(r io.Reader) (*Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err // may be io.EOF, deliberately not wrapped.
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("envelope: error reading body: %w", err)
	}
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("envelope: error unmarshaling: %w", err)
	}
	return &e, nil
}

// EncodeBytes is a convenience for transports that want the envelope's JSON
// bytes (e.g. to hand to a gRPC codec) rather than an io.Writer. Unlike
// Encode it writes no length prefix.
func EncodeBytes(e *Envelope) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("envelope: error marshaling: %w", err)
	}
	return body, nil
}

// DecodeBytes is the inverse of EncodeBytes (no length prefix — the caller's
// transport already knows the message boundary).
func DecodeBytes(body []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("envelope: error unmarshaling: %w", err)
	}
	return &e, nil
}
