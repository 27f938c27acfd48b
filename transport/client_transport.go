// Package transport implements the client-side transport layer with multiplexing,
// one-way calls, cancellation, heartbeat and death notification.
//
// ClientTransport enables multiple concurrent calls over a single TCP connection.
// Each two-way request gets a unique sequence ID, and a background goroutine (recvLoop)
// continuously reads replies and routes them to the correct caller via pending channels.
//
//	goroutine-1 ──Send(seq=1)──────┐
//	goroutine-2 ──Send(seq=2)──────┼──→ single TCP conn ──→ host
//	goroutine-3 ──SendOneWay()─────┘     (frames written in lock order)
//
//	recvLoop:  ←── reply(seq=2) → pending[2] chan ← reply → goroutine-2 wakes up
//
// When the connection breaks, every pending caller receives a dead-object error
// and every linked death recipient is called once.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mini-binder/binder"
	"mini-binder/codec"
	"mini-binder/message"
	"mini-binder/protocol"
)

// DefaultHeartbeat is the heartbeat interval used when none is configured.
const DefaultHeartbeat = 30 * time.Second

// DeathRecipient is called once when the transport dies.
type DeathRecipient func(err error)

// Reply is the terminal outcome of a two-way call: a reply transaction or a
// transport/protocol error.
type Reply struct {
	Txn *message.Transaction
	Err error
}

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn      net.Conn        // Underlying TCP connection
	addr      string          // Remote address, for errors and logs
	codec     codec.CodecType // Serialization format for this transport
	heartbeat time.Duration
	logger    zerolog.Logger

	seq     uint32     // Monotonically increasing sequence number (protected by sending mutex)
	pending sync.Map   // seq → chan Reply, one per waiting request
	sending sync.Mutex // Frames from different goroutines must not interleave

	mu         sync.Mutex
	dead       bool
	deathErr   error
	recipients map[uint64]DeathRecipient
	nextID     uint64
	done       chan struct{}
}

// Option configures a ClientTransport.
type Option func(*ClientTransport)

// WithHeartbeat sets the heartbeat interval. Zero or negative disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(t *ClientTransport) { t.heartbeat = d }
}

// WithLogger sets the transport logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *ClientTransport) { t.logger = l }
}

// NewClientTransport creates a transport for the given connection and starts two background goroutines:
//   - recvLoop: continuously reads replies from the connection and dispatches to pending callers
//   - heartbeatLoop: sends periodic heartbeat frames to detect dead connections
func NewClientTransport(conn net.Conn, codecType codec.CodecType, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		conn:       conn,
		addr:       conn.RemoteAddr().String(),
		codec:      codecType,
		heartbeat:  DefaultHeartbeat,
		logger:     log.Logger,
		recipients: make(map[uint64]DeathRecipient),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With().Str("remote", t.addr).Logger()
	go t.recvLoop()
	if t.heartbeat > 0 {
		go t.heartbeatLoop(t.heartbeat)
	}
	return t
}

// Addr returns the remote address.
func (t *ClientTransport) Addr() string { return t.addr }

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn { return t.conn }

// Done is closed when the transport is dead.
func (t *ClientTransport) Done() <-chan struct{} { return t.done }

// IsAlive reports whether the connection is still usable.
func (t *ClientTransport) IsAlive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.dead
}

func (t *ClientTransport) deadErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dead {
		return nil
	}
	return binder.Dead(t.addr, t.deathErr)
}

// encode serializes txn with the configured codec.
func (t *ClientTransport) encode(txn *message.Transaction) ([]byte, error) {
	return codec.GetCodec(t.codec).Encode(txn)
}

// write sends one frame. Callers hold the sending lock.
func (t *ClientTransport) write(msgType protocol.MsgType, seq uint32, body []byte) error {
	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   msgType,
		Seq:       seq,
	}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		var pe *binder.ProtocolError
		if errors.As(err, &pe) {
			return err
		}
		return binder.Dead(t.addr, err)
	}
	return nil
}

// Send writes a two-way transaction and returns its sequence number and a
// channel that will receive exactly one reply, or a transport error.
//
// Thread safety: the sending mutex ensures that the entire frame (header + body)
// is written atomically and that seq assignment follows write order.
func (t *ClientTransport) Send(txn *message.Transaction) (uint32, <-chan Reply, error) {
	body, err := t.encode(txn)
	if err != nil {
		return 0, nil, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	if err := t.deadErr(); err != nil {
		return 0, nil, err
	}

	t.seq++
	seq := t.seq

	// Register a reply channel BEFORE sending (avoid race with recvLoop)
	ch := make(chan Reply, 1) // Buffered to prevent recvLoop from blocking
	t.pending.Store(seq, ch)

	// The connection may have died between the check above and the Store;
	// closeAllPending would then have missed this entry.
	if err := t.deadErr(); err != nil {
		t.pending.Delete(seq)
		return 0, nil, err
	}

	if err := t.write(protocol.MsgTypeRequest, seq, body); err != nil {
		t.pending.Delete(seq)
		return 0, nil, err
	}
	return seq, ch, nil
}

// SendOneWay writes a fire-and-forget transaction. One-way frames written by
// one goroutine reach the host in call order.
func (t *ClientTransport) SendOneWay(txn *message.Transaction) error {
	txn.Flags |= binder.FlagOneWay
	body, err := t.encode(txn)
	if err != nil {
		return err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	if err := t.deadErr(); err != nil {
		return err
	}
	t.seq++
	return t.write(protocol.MsgTypeOneWay, t.seq, body)
}

// SendCancel asks the host to cancel the two-way call seq. It is itself a
// one-way message: the call still completes with a terminal reply.
func (t *ClientTransport) SendCancel(seq uint32) error {
	t.sending.Lock()
	defer t.sending.Unlock()

	if err := t.deadErr(); err != nil {
		return err
	}
	return t.write(protocol.MsgTypeCancel, seq, nil)
}

// Transact performs a synchronous call. If ctx ends first, a cancel is sent
// and Transact keeps waiting for the terminal reply, which the host always sends.
func (t *ClientTransport) Transact(ctx context.Context, txn *message.Transaction) (*message.Transaction, error) {
	seq, ch, err := t.Send(txn)
	if err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.Txn, r.Err
	case <-ctx.Done():
	}

	if err := t.SendCancel(seq); err != nil {
		t.logger.Debug().Err(err).Uint32("seq", seq).Msg("cancel not sent")
	}
	r := <-ch
	return r.Txn, r.Err
}

// LinkToDeath registers fn to be called once when the transport dies.
// It fails with a dead-object error if the transport is already dead.
func (t *ClientTransport) LinkToDeath(fn DeathRecipient) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return 0, binder.Dead(t.addr, t.deathErr)
	}
	t.nextID++
	t.recipients[t.nextID] = fn
	return t.nextID, nil
}

// UnlinkToDeath removes a recipient. It reports whether the recipient was
// still linked.
func (t *ClientTransport) UnlinkToDeath(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.recipients[id]
	delete(t.recipients, id)
	return ok
}

// Close closes the connection. Pending callers and death recipients are
// notified as for a remote death.
func (t *ClientTransport) Close() error {
	err := t.conn.Close()
	<-t.done
	return err
}

// recvLoop runs in a dedicated goroutine, continuously reading replies from the connection.
// For each reply, it looks up the sequence number in the pending map, finds the caller's
// channel, and sends the reply. Replies can arrive in any order.
//
// TCP is a byte stream: reads must be sequential to correctly parse frame boundaries.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.die(err)
			return
		}

		if header.MsgType != protocol.MsgTypeReply {
			t.logger.Warn().Stringer("type", header.MsgType).Msg("unexpected frame on client transport")
			continue
		}

		txn := &message.Transaction{}
		cdc := codec.GetCodec(codec.CodecType(header.CodecType))
		decodeErr := cdc.Decode(body, txn)

		if channel, ok := t.pending.LoadAndDelete(header.Seq); ok {
			if decodeErr != nil {
				channel.(chan Reply) <- Reply{Err: decodeErr}
				continue
			}
			channel.(chan Reply) <- Reply{Txn: txn}
		}
	}
}

// die marks the transport dead, fails every pending caller and fires the
// death recipients outside the lock.
func (t *ClientTransport) die(err error) {
	t.mu.Lock()
	if t.dead {
		t.mu.Unlock()
		return
	}
	t.dead = true
	t.deathErr = err
	recipients := t.recipients
	t.recipients = make(map[uint64]DeathRecipient)
	t.mu.Unlock()

	t.conn.Close()
	t.closeAllPending(binder.Dead(t.addr, err))
	close(t.done)

	t.logger.Debug().Err(err).Int("recipients", len(recipients)).Msg("transport died")
	for _, fn := range recipients {
		fn(err)
	}
}

// closeAllPending is called when the connection breaks. It sends an error
// to every pending caller so they don't block forever waiting for a reply.
func (t *ClientTransport) closeAllPending(err error) {
	t.pending.Range(func(key, _ any) bool {
		if channel, ok := t.pending.LoadAndDelete(key); ok {
			channel.(chan Reply) <- Reply{Err: err}
		}
		return true
	})
}

// heartbeatLoop sends periodic heartbeat frames to keep the connection alive
// and to surface a broken connection even when no call is in flight.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		t.sending.Lock()
		err := t.write(protocol.MsgTypeHeartbeat, 0, nil)
		t.sending.Unlock()
		if err != nil {
			t.conn.Close() // recvLoop observes the failure and runs die
			return
		}
	}
}
