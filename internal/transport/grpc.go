package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/procmesh/internal/messages"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	fleetServiceName   = "procmesh.v1.Fleet"
	fleetDeliverMethod = "/procmesh.v1.Fleet/Deliver"
)

// FleetServer is the server API for the Fleet service. A single unary RPC
// carries one encoded envelope.
type FleetServer interface {
	Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

// RegisterFleetServer registers srv on a gRPC server.
func RegisterFleetServer(s grpc.ServiceRegistrar, srv FleetServer) {
	s.RegisterService(&fleetServiceDesc, srv)
}

func fleetDeliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FleetServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: fleetDeliverMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FleetServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var fleetServiceDesc = grpc.ServiceDesc{
	ServiceName: fleetServiceName,
	HandlerType: (*FleetServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    fleetDeliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "procmesh/v1/fleet.proto",
}

// GrpcConfig configures a GrpcTransport
type GrpcConfig struct {
	NodeID      string
	Peers       []string // addresses of every other node
	Codec       messages.Codec
	QueueSize   int           // per-peer outbound buffer
	SendTimeout time.Duration // per-RPC deadline
	Logger      *slog.Logger
}

// GrpcTransport is a full-mesh fleet transport: each broadcast is sent to
// every peer with one unary RPC, and delivered to the local handler directly.
type GrpcTransport struct {
	config GrpcConfig
	logger *slog.Logger

	mu      sync.RWMutex
	handler Handler
	closed  bool

	peers  []*grpcPeer
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type grpcPeer struct {
	addr    string
	conn    *grpc.ClientConn
	out     chan []byte
	failing bool
}

var (
	_ Transport   = (*GrpcTransport)(nil)
	_ FleetServer = (*GrpcTransport)(nil)
)

// NewGrpcTransport creates client connections to every peer and starts one
// sender goroutine per peer. Connections are established lazily by gRPC.
func NewGrpcTransport(config GrpcConfig) (*GrpcTransport, error) {
	if config.Codec == nil {
		config.Codec = messages.JSONCodec{}
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 500 * time.Millisecond
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &GrpcTransport{
		config: config,
		logger: logger.With("component", "grpc-transport", "node", config.NodeID),
		ctx:    ctx,
		cancel: cancel,
	}

	for _, addr := range config.Peers {
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			t.closeConns()
			cancel()
			return nil, fmt.Errorf("failed to create client for peer %s: %w", addr, err)
		}
		t.peers = append(t.peers, &grpcPeer{
			addr: addr,
			conn: conn,
			out:  make(chan []byte, config.QueueSize),
		})
	}

	for _, p := range t.peers {
		t.wg.Add(1)
		go t.sendLoop(p)
	}
	return t, nil
}

func (t *GrpcTransport) Subscribe(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *GrpcTransport) Broadcast(_ context.Context, env messages.Envelope) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	data, err := messages.Encode(t.config.Codec, env)
	if err != nil {
		return err
	}

	t.deliverLocal(env)

	for _, p := range t.peers {
		select {
		case p.out <- data:
		default:
			t.logger.Warn("Outbound queue full, dropping message", "peer", p.addr, "kind", env.Message.Kind())
		}
	}
	return nil
}

// Deliver implements FleetServer.
func (t *GrpcTransport) Deliver(_ context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	env, err := messages.Decode(t.config.Codec, in.GetValue())
	if err != nil {
		t.logger.Warn("Dropping undecodable message", "error", err)
		return &emptypb.Empty{}, nil
	}
	t.deliverLocal(env)
	return &emptypb.Empty{}, nil
}

func (t *GrpcTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	return t.closeConns()
}

func (t *GrpcTransport) closeConns() error {
	var firstErr error
	for _, p := range t.peers {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *GrpcTransport) deliverLocal(env messages.Envelope) {
	t.mu.RLock()
	h, closed := t.handler, t.closed
	t.mu.RUnlock()
	if h != nil && !closed {
		h(env)
	}
}

// sendLoop drains one peer's queue in order, so a sender's messages reach
// that peer FIFO.
func (t *GrpcTransport) sendLoop(p *grpcPeer) {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case data := <-p.out:
			t.send(p, data)
		}
	}
}

func (t *GrpcTransport) send(p *grpcPeer, data []byte) {
	ctx, cancel := context.WithTimeout(t.ctx, t.config.SendTimeout)
	defer cancel()

	err := p.conn.Invoke(ctx, fleetDeliverMethod, wrapperspb.Bytes(data), new(emptypb.Empty))
	if err != nil {
		if !p.failing {
			p.failing = true
			t.logger.Warn("Peer unreachable", "peer", p.addr, "error", err)
		}
		return
	}

	if p.failing {
		p.failing = false
		t.logger.Info("Peer reachable again", "peer", p.addr)
		t.deliverLocal(messages.Envelope{SenderID: t.config.NodeID, Message: messages.ConnectionRestored{}})
	}
}
