package grpctransport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"google.golang.org/grpc"

	"github.com/orbitrt/orbit/pkg/envelope"
	"github.com/orbitrt/orbit/pkg/frameerrors"
)

// Dispatcher is the silo-local entry point the server hands incoming
// envelopes to, typically a silo's router.LocalDispatcher or the silo
// itself restricted to locally-owned targets.
type Dispatcher interface {
	LocalDispatch(ctx context.Context, env *envelope.Envelope) ([]byte, error)
}

// Server is the gRPC-registrable implementation of the Route stream: it
// decodes incoming envelopes, dispatches each one concurrently against
// Dispatcher, and writes responses back onto the same stream as they
// complete, tagged by EnvelopeID for the client's correlation table.
type Server struct {
	dispatch Dispatcher
	logger   *slog.Logger
}

// NewServer creates a Server that dispatches incoming envelopes to dispatch.
func NewServer(dispatch Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{dispatch: dispatch, logger: logger}
}

// Register attaches Server to gs under the manually-declared ServiceDesc.
func Register(gs *grpc.Server, s *Server) {
	gs.RegisterService(&serviceDesc, s)
}

func (s *Server) handleRouteStream(stream grpc.ServerStream) error {
	var sendMu sync.Mutex
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var msg frameMsg
		if err := stream.RecvMsg(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		env, err := envelope.DecodeBytes(msg)
		if err != nil {
			s.logger.Warn("grpctransport: error decoding envelope", "error", err)
			continue
		}

		wg.Add(1)
		go func(env *envelope.Envelope) {
			defer wg.Done()
			resp := s.handleOne(stream.Context(), env)
			if env.IsOneWay {
				return
			}
			body, err := envelope.EncodeBytes(resp)
			if err != nil {
				s.logger.Warn("grpctransport: error encoding response", "error", err)
				return
			}
			out := frameMsg(body)

			sendMu.Lock()
			sendErr := stream.SendMsg(&out)
			sendMu.Unlock()
			if sendErr != nil {
				s.logger.Warn("grpctransport: error sending response", "error", sendErr)
			}
		}(env)
	}
}

func (s *Server) handleOne(ctx context.Context, env *envelope.Envelope) *envelope.Envelope {
	if dl, ok := env.Deadline(); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, dl)
		defer cancel()
	}

	payload, err := s.dispatch.LocalDispatch(ctx, env)
	if err != nil {
		return env.ErrorResponse(statusForErr(err), err)
	}
	return env.Response(payload)
}

// statusForErr maps err onto a wire StatusCode. A KindRejectedByMailbox
// error carrying a RejectReason subcode (circuit-open, rate-limited) maps
// onto its own StatusCode instead of collapsing onto the generic
// queue-full one kindToStatus assumes.
func statusForErr(err error) envelope.StatusCode {
	if reason, ok := frameerrors.RejectReasonOf(err); ok {
		switch reason {
		case frameerrors.RejectReasonCircuitOpen:
			return envelope.StatusRejectedCircuitOpen
		case frameerrors.RejectReasonRateLimited:
			return envelope.StatusRejectedRateLimited
		}
	}
	return kindToStatus(frameerrors.KindOf(err))
}

func kindToStatus(k frameerrors.Kind) envelope.StatusCode {
	switch k {
	case frameerrors.KindRoutingFailure:
		return envelope.StatusRoutingFailure
	case frameerrors.KindDeadlineExceeded:
		return envelope.StatusDeadlineExceeded
	case frameerrors.KindRejectedByMailbox:
		return envelope.StatusRejectedQueueFull
	case frameerrors.KindActivationFailure:
		return envelope.StatusActivationFailure
	case frameerrors.KindHandlerFault:
		return envelope.StatusHandlerFault
	case frameerrors.KindConcurrencyFailure:
		return envelope.StatusConcurrencyFailure
	case frameerrors.KindUnknownType:
		return envelope.StatusUnknownType
	case frameerrors.KindUnknownMethod:
		return envelope.StatusUnknownMethod
	case frameerrors.KindCancelled:
		return envelope.StatusCancelled
	default:
		return envelope.StatusRoutingFailure
	}
}
