// Package server implements the host side of mini-binder: an object table,
// transaction-code dispatch, ordered one-way delivery, cooperative
// cancellation, a middleware chain, registry advertisement and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → Request:  go handleRequest (parallel, cancellable by a Cancel frame)
//	  → OneWay:   post to the serial queue of (conn, object) (send order preserved)
//	    → Codec.Decode → Middleware Chain → dispatch (object → Stub.OnTransact) → reply
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mini-binder/binder"
	"mini-binder/codec"
	"mini-binder/message"
	"mini-binder/middleware"
	"mini-binder/protocol"
	"mini-binder/registry"
)

// ErrNotListening is returned when an operation needs the host address
// before Listen was called.
var ErrNotListening = errors.New("server: not listening")

type object struct {
	id    uint64
	stub  Stub
	named bool // Advertised in the registry under its descriptor
}

// Server hosts binder objects and serves transactions addressed to them.
type Server struct {
	mu         sync.RWMutex
	objects    map[uint64]*object // Live objects: id → object
	named      map[string]uint64  // Named services: descriptor → id
	nextObject atomic.Uint64
	conns      map[*serverConn]struct{}

	listener      net.Listener
	wg            sync.WaitGroup          // Tracks in-flight transactions for graceful shutdown
	shutdown      atomic.Bool             // Set to true during shutdown to suppress Accept errors
	middlewares   []middleware.Middleware // Registered middlewares (applied in order)
	handler       middleware.HandlerFunc  // middleware(middleware(...(dispatch)))
	registry      registry.Registry       // Service registry, nil if not using discovery
	registryTTL   int64
	advertiseAddr string // Address advertised in handles and the registry
	logger        zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithRegistry advertises named services in reg with the given lease TTL.
func WithRegistry(reg registry.Registry, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.registryTTL = ttl
	}
}

// WithAdvertiseAddr sets the address placed in handles and the registry.
// It differs from the listen address when listening on ":port".
func WithAdvertiseAddr(addr string) Option {
	return func(s *Server) { s.advertiseAddr = addr }
}

// WithLogger sets the server logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a new host with an empty object table.
func NewServer(opts ...Option) *Server {
	s := &Server{
		objects:     make(map[uint64]*object),
		named:       make(map[string]uint64),
		conns:       make(map[*serverConn]struct{}),
		registryTTL: 10,
		logger:      log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.dispatch
	return s
}

// Use registers a middleware. Middlewares are applied in the order they are
// added and must be registered before Listen.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Register publishes rcvr as the named service descriptor, dispatched by table.
// If the server is already listening the service is advertised immediately.
func (svr *Server) Register(descriptor string, rcvr any, table TransactionTable) error {
	stub, err := NewService(descriptor, rcvr, table)
	if err != nil {
		return err
	}
	return svr.RegisterStub(stub)
}

// RegisterStub publishes stub as a named service under its descriptor.
func (svr *Server) RegisterStub(stub Stub) error {
	svr.mu.Lock()
	if _, dup := svr.named[stub.Descriptor()]; dup {
		svr.mu.Unlock()
		return fmt.Errorf("server: service %s already registered", stub.Descriptor())
	}
	obj := svr.addObjectLocked(stub, true)
	svr.named[stub.Descriptor()] = obj.id
	listening := svr.listener != nil
	svr.mu.Unlock()

	if listening {
		svr.advertise(stub.Descriptor(), obj.id)
	}
	return nil
}

// Publish adds an anonymous object (typically a callback) and returns its handle.
// The server must be listening, since the handle carries the host address.
func (svr *Server) Publish(descriptor string, rcvr any, table TransactionTable) (binder.Handle, error) {
	stub, err := NewService(descriptor, rcvr, table)
	if err != nil {
		return binder.Handle{}, err
	}
	return svr.PublishStub(stub)
}

// PublishStub adds stub as an anonymous object and returns its handle.
func (svr *Server) PublishStub(stub Stub) (binder.Handle, error) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return binder.Handle{}, ErrNotListening
	}
	obj := svr.addObjectLocked(stub, false)
	return binder.Handle{Addr: svr.advertiseAddr, Object: obj.id, Descriptor: stub.Descriptor()}, nil
}

// Revoke removes an object. Later transactions to it fail as dead objects.
// It reports whether the object existed.
func (svr *Server) Revoke(h binder.Handle) bool {
	svr.mu.Lock()
	obj, ok := svr.objects[h.Object]
	if ok {
		delete(svr.objects, h.Object)
		if obj.named {
			delete(svr.named, obj.stub.Descriptor())
		}
	}
	svr.mu.Unlock()

	if ok && obj.named && svr.registry != nil {
		if err := svr.registry.Deregister(obj.stub.Descriptor(), svr.advertiseAddr); err != nil {
			svr.logger.Warn().Err(err).Str("descriptor", obj.stub.Descriptor()).Msg("deregister failed")
		}
	}
	return ok
}

// Handle returns the handle of the named service descriptor.
func (svr *Server) Handle(descriptor string) (binder.Handle, bool) {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	id, ok := svr.named[descriptor]
	if !ok || svr.listener == nil {
		return binder.Handle{}, false
	}
	return binder.Handle{Addr: svr.advertiseAddr, Object: id, Descriptor: descriptor}, true
}

// Addr returns the advertised address, or "" before Listen.
func (svr *Server) Addr() string {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	return svr.advertiseAddr
}

func (svr *Server) addObjectLocked(stub Stub, named bool) *object {
	obj := &object{id: svr.nextObject.Add(1), stub: stub, named: named}
	svr.objects[obj.id] = obj
	return obj
}

// Listen binds the listener, builds the middleware chain and advertises the
// named services registered so far.
func (svr *Server) Listen(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ListenOn(listener)
}

// ListenOn is Listen with an existing listener.
func (svr *Server) ListenOn(listener net.Listener) error {
	// Build the middleware chain once at startup (not per-request)
	// Chain wraps middlewares in reverse order to create the onion model:
	//   Chain(A, B, C)(handler) → A(B(C(handler)))
	svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatch)

	svr.mu.Lock()
	svr.listener = listener
	if svr.advertiseAddr == "" {
		svr.advertiseAddr = listener.Addr().String()
	}
	named := make(map[string]uint64, len(svr.named))
	for d, id := range svr.named {
		named[d] = id
	}
	svr.mu.Unlock()

	for descriptor, id := range named {
		svr.advertise(descriptor, id)
	}
	svr.logger.Info().Str("addr", svr.advertiseAddr).Int("services", len(named)).Msg("host listening")
	return nil
}

// Serve runs the accept loop until Shutdown. Listen must be called first.
func (svr *Server) Serve() error {
	svr.mu.RLock()
	listener := svr.listener
	svr.mu.RUnlock()
	if listener == nil {
		return ErrNotListening
	}

	// Accept loop: one goroutine per connection
	for {
		conn, err := listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			// Check the shutdown flag to distinguish intentional close from real errors.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// ListenAndServe is Listen followed by Serve.
func (svr *Server) ListenAndServe(network, address string) error {
	if err := svr.Listen(network, address); err != nil {
		return err
	}
	return svr.Serve()
}

func (svr *Server) advertise(descriptor string, id uint64) {
	if svr.registry == nil {
		return
	}
	err := svr.registry.Register(descriptor, registry.ServiceInstance{
		Addr:   svr.advertiseAddr,
		Object: id,
	}, svr.registryTTL)
	if err != nil {
		svr.logger.Error().Err(err).Str("descriptor", descriptor).Msg("service advertisement failed")
	}
}

// handleConn processes a single TCP connection.
// It runs a read loop in a single goroutine (reads must be sequential to parse frame boundaries);
// two-way requests are dispatched to their own goroutine, one-way transactions to the
// serial queue of their target object on this connection.
func (svr *Server) handleConn(conn net.Conn) {
	sc := newServerConn(svr, conn)

	svr.mu.Lock()
	svr.conns[sc] = struct{}{}
	svr.mu.Unlock()

	defer func() {
		sc.close()
		svr.mu.Lock()
		delete(svr.conns, sc)
		svr.mu.Unlock()
	}()

	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			var pe *binder.ProtocolError
			if errors.As(err, &pe) {
				svr.logger.Warn().Err(err).Str("remote", sc.remote).Msg("dropping connection")
			}
			return // Connection closed or protocol error
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue

		case protocol.MsgTypeCancel:
			sc.cancel(header.Seq)

		case protocol.MsgTypeRequest:
			txn, err := decodeTransaction(header, body)
			if err != nil {
				sc.reply(header, message.ErrorReply(&message.Transaction{}, err))
				continue
			}
			ctx, ok := sc.begin(header.Seq)
			if !ok {
				return
			}
			svr.wg.Add(1)
			go svr.handleRequest(ctx, sc, header, txn)

		case protocol.MsgTypeOneWay:
			txn, err := decodeTransaction(header, body)
			if err != nil {
				svr.logger.Warn().Err(err).Str("remote", sc.remote).Msg("malformed one-way transaction")
				continue
			}
			// The frame type decides, whatever the sender put in Flags.
			txn.Flags |= binder.FlagOneWay
			svr.wg.Add(1)
			if !sc.post(txn.Object, func(ctx context.Context) {
				defer svr.wg.Done()
				svr.handleOneWay(ctx, txn)
			}) {
				svr.wg.Done()
			}

		default:
			svr.logger.Warn().Stringer("type", header.MsgType).Msg("unexpected frame on host connection")
		}
	}
}

func decodeTransaction(header *protocol.Header, body []byte) (*message.Transaction, error) {
	txn := &message.Transaction{}
	if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// handleRequest runs one two-way transaction and always writes its reply,
// also when the caller cancelled it.
func (svr *Server) handleRequest(ctx context.Context, sc *serverConn, header *protocol.Header, txn *message.Transaction) {
	defer svr.wg.Done()
	defer sc.end(header.Seq)

	sc.reply(header, svr.handler(ctx, txn))
}

// handleOneWay runs one one-way transaction. Failures are reported, never
// returned: there is nobody waiting for them.
func (svr *Server) handleOneWay(ctx context.Context, txn *message.Transaction) {
	reply := svr.handler(ctx, txn)
	if reply.Failed() {
		svr.logger.Warn().
			Str("descriptor", txn.Descriptor).
			Uint64("object", txn.Object).
			Stringer("code", txn.Code).
			Err(reply.Err()).
			Msg("one-way transaction failed")
	}
}

// dispatch is the core handler that routes a transaction to its object.
// It is wrapped by the middleware chain and has the HandlerFunc signature.
func (svr *Server) dispatch(ctx context.Context, req *message.Transaction) *message.Transaction {
	svr.mu.RLock()
	obj, ok := svr.objects[req.Object]
	svr.mu.RUnlock()
	if !ok {
		return message.ErrorReply(req, binder.Dead(svr.advertiseAddr, fmt.Errorf("no object %d", req.Object)))
	}

	descriptor := obj.stub.Descriptor()
	if req.Descriptor != "" && req.Descriptor != descriptor {
		return message.ErrorReply(req, &binder.ProtocolError{
			Descriptor: req.Descriptor,
			Code:       req.Code,
			Reason:     fmt.Sprintf("interface mismatch: object implements %s", descriptor),
		})
	}

	switch req.Code {
	case binder.PingTransaction:
		return message.NewReply(req, nil)
	case binder.InterfaceTransaction:
		payload, _ := json.Marshal(descriptor)
		return message.NewReply(req, payload)
	}

	payload, err := obj.stub.OnTransact(ctx, req.Code, req.Payload, req.Flags)
	if err != nil {
		return message.ErrorReply(req, err)
	}
	return message.NewReply(req, payload)
}

// Shutdown performs graceful shutdown:
//  1. Deregister named services (clients stop resolving this host)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listener (stop accepting new connections)
//  4. Wait for in-flight transactions to finish (with timeout)
//  5. Close remaining connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.RLock()
	named := make([]string, 0, len(svr.named))
	for d := range svr.named {
		named = append(named, d)
	}
	listener := svr.listener
	svr.mu.RUnlock()

	if svr.registry != nil {
		for _, descriptor := range named {
			if err := svr.registry.Deregister(descriptor, svr.advertiseAddr); err != nil {
				svr.logger.Warn().Err(err).Str("descriptor", descriptor).Msg("deregister failed")
			}
		}
	}

	svr.shutdown.Store(true)
	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing transactions to finish")
	}

	svr.mu.RLock()
	conns := make([]*serverConn, 0, len(svr.conns))
	for sc := range svr.conns {
		conns = append(conns, sc)
	}
	svr.mu.RUnlock()
	for _, sc := range conns {
		sc.conn.Close()
	}
	return err
}
