package grpctransport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/orbitrt/orbit/pkg/envelope"
	"github.com/orbitrt/orbit/pkg/frameerrors"
)

// pendingCall is the correlation-table entry a Client waits on for the
// response to one outgoing envelope.
type pendingCall struct {
	resp chan *envelope.Envelope
}

// conn is one address's bidi stream: a single grpc.ClientStream multiplexing
// every Call against that address, guarded by a send-side mutex (gRPC streams
// are not safe for concurrent SendMsg) and drained by one background reader
// goroutine that demultiplexes responses by EnvelopeID.
type conn struct {
	cc     *grpc.ClientConn
	stream grpc.ClientStream

	sendMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	closed  bool
}

func (c *conn) readLoop(logger *slog.Logger) {
	for {
		var msg frameMsg
		if err := c.stream.RecvMsg(&msg); err != nil {
			c.closeWith(err, logger)
			return
		}
		env, err := envelope.DecodeBytes(msg)
		if err != nil {
			logger.Warn("grpctransport: error decoding response envelope", "error", err)
			continue
		}

		c.mu.Lock()
		p, ok := c.pending[env.EnvelopeID]
		if ok {
			delete(c.pending, env.EnvelopeID)
		}
		c.mu.Unlock()

		if !ok {
			continue // response for a call that already timed out locally.
		}
		p.resp <- env
	}
}

func (c *conn) closeWith(err error, logger *slog.Logger) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if err != io.EOF {
		logger.Warn("grpctransport: stream closed", "error", err)
	}
	for _, p := range pending {
		close(p.resp)
	}
}

func (c *conn) register(envelopeID uint64) chan *envelope.Envelope {
	ch := make(chan *envelope.Envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch
	}
	c.pending[envelopeID] = &pendingCall{resp: ch}
	c.mu.Unlock()
	return ch
}

func (c *conn) unregister(envelopeID uint64) {
	c.mu.Lock()
	delete(c.pending, envelopeID)
	c.mu.Unlock()
}

func (c *conn) send(env *envelope.Envelope) error {
	body, err := envelope.EncodeBytes(env)
	if err != nil {
		return fmt.Errorf("grpctransport: error encoding envelope: %w", err)
	}
	msg := frameMsg(body)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.SendMsg(&msg)
}

// Client implements router.Transport over per-address gRPC connections, one
// long-lived bidi stream per address shared by every concurrent Call to that
// address.
type Client struct {
	dialOpts []grpc.DialOption
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]*conn

	nextID atomic.Uint64
}

// NewClient builds a Client. Pass additional grpc.DialOption values (TLS
// credentials in particular) via opts; insecure transport credentials are
// used by default for intra-cluster links, matching the teacher's default of
// trusting its own private network.
func NewClient(logger *slog.Logger, opts ...grpc.DialOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	return &Client{
		dialOpts: dialOpts,
		logger:   logger,
		conns:    make(map[string]*conn),
	}
}

// Send implements router.Transport: it tags env with a locally-unique
// EnvelopeID, sends it on the address's shared stream, and waits for the
// correlated response or ctx cancellation.
func (c *Client) Send(ctx context.Context, address string, env *envelope.Envelope) (*envelope.Envelope, error) {
	cn, err := c.connFor(address)
	if err != nil {
		return nil, fmt.Errorf("grpctransport: error dialing %s: %w", address, err)
	}

	out := *env
	out.EnvelopeID = c.nextID.Add(1)

	if out.IsOneWay {
		if err := cn.send(&out); err != nil {
			return nil, fmt.Errorf("grpctransport: error sending one-way envelope: %w", err)
		}
		return nil, nil
	}

	respCh := cn.register(out.EnvelopeID)
	if err := cn.send(&out); err != nil {
		cn.unregister(out.EnvelopeID)
		return nil, fmt.Errorf("grpctransport: error sending envelope: %w", err)
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, frameerrors.New(frameerrors.KindRoutingFailure, fmt.Errorf("grpctransport: connection to %s closed", address))
		}
		return resp, nil
	case <-ctx.Done():
		cn.unregister(out.EnvelopeID)
		return nil, ctx.Err()
	}
}

func (c *Client) connFor(address string) (*conn, error) {
	c.mu.Lock()
	if cn, ok := c.conns[address]; ok {
		c.mu.Unlock()
		cn.mu.Lock()
		closed := cn.closed
		cn.mu.Unlock()
		if !closed {
			return cn, nil
		}
		c.mu.Lock()
		delete(c.conns, address)
	}
	c.mu.Unlock()

	cc, err := grpc.NewClient(address, c.dialOpts...)
	if err != nil {
		return nil, err
	}

	stream, err := cc.NewStream(context.Background(), &serviceDesc.Streams[0], fullMethodName(), callOptions()...)
	if err != nil {
		cc.Close()
		return nil, err
	}

	cn := &conn{
		cc:      cc,
		stream:  stream,
		pending: make(map[uint64]*pendingCall),
	}
	go cn.readLoop(c.logger)

	c.mu.Lock()
	c.conns[address] = cn
	c.mu.Unlock()

	return cn, nil
}

// Close tears down every open connection.
func (c *Client) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*conn)
	c.mu.Unlock()

	var firstErr error
	for _, cn := range conns {
		cn.closeWith(io.EOF, c.logger)
		if err := cn.cc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
