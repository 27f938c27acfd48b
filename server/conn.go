package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"mini-binder/binder"
	"mini-binder/codec"
	"mini-binder/message"
	"mini-binder/protocol"
	"mini-binder/queue"
)

// serverConn is the host-side state of one client connection.
type serverConn struct {
	svr    *Server
	conn   net.Conn
	remote string

	writeMu sync.Mutex // Prevents concurrent writes from interleaving frames

	mu       sync.Mutex
	closed   bool
	inflight map[uint32]context.CancelFunc // Two-way calls still running: seq → cancel
	queues   map[uint64]*queue.Queue       // One-way delivery: object → serial queue
}

func newServerConn(svr *Server, conn net.Conn) *serverConn {
	return &serverConn{
		svr:      svr,
		conn:     conn,
		remote:   conn.RemoteAddr().String(),
		inflight: make(map[uint32]context.CancelFunc),
		queues:   make(map[uint64]*queue.Queue),
	}
}

// begin registers a two-way call and returns its context.
func (sc *serverConn) begin(seq uint32) (context.Context, bool) {
	ctx, cancel := context.WithCancel(context.Background())
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		cancel()
		return nil, false
	}
	sc.inflight[seq] = cancel
	return ctx, true
}

func (sc *serverConn) end(seq uint32) {
	sc.mu.Lock()
	cancel, ok := sc.inflight[seq]
	delete(sc.inflight, seq)
	sc.mu.Unlock()
	if ok {
		cancel()
	}
}

// cancel cancels the context of call seq. Unknown seqs (already replied) are ignored.
func (sc *serverConn) cancel(seq uint32) {
	sc.mu.Lock()
	cancel, ok := sc.inflight[seq]
	sc.mu.Unlock()
	if ok {
		cancel()
	}
}

// post appends a one-way task to the serial queue of object. One-way
// transactions for the same object on this connection run in arrival order.
func (sc *serverConn) post(object uint64, task queue.Task) bool {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return false
	}
	q, ok := sc.queues[object]
	if !ok {
		q = queue.New(fmt.Sprintf("%s/%d", sc.remote, object), queue.WithLogger(sc.svr.logger))
		sc.queues[object] = q
	}
	sc.mu.Unlock()
	return q.Post(task)
}

// reply writes a reply frame for the request described by header.
func (sc *serverConn) reply(header *protocol.Header, txn *message.Transaction) {
	c := codec.GetCodec(codec.CodecType(header.CodecType))
	body, err := c.Encode(txn)
	if err == nil && uint32(len(body)) > protocol.MaxBodyLen {
		err = &binder.ProtocolError{Reason: fmt.Sprintf("reply too large: %d bytes", len(body))}
	}
	if err != nil {
		// The caller still needs a terminal reply.
		sc.svr.logger.Warn().Err(err).Str("descriptor", txn.Descriptor).Uint32("seq", header.Seq).Msg("reply not encodable, sending error")
		body, err = c.Encode(message.ErrorReply(txn, err))
		if err != nil {
			sc.svr.logger.Error().Err(err).Uint32("seq", header.Seq).Msg("encode reply failed")
			return
		}
	}
	replyHeader := &protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeReply,
		Seq:       header.Seq,
	}
	sc.writeMu.Lock()
	err = protocol.Encode(sc.conn, replyHeader, body)
	sc.writeMu.Unlock()
	if err != nil {
		sc.svr.logger.Debug().Err(err).Str("remote", sc.remote).Uint32("seq", header.Seq).Msg("reply not delivered")
	}
}

// close cancels running calls and lets the one-way queues drain.
func (sc *serverConn) close() {
	sc.mu.Lock()
	sc.closed = true
	inflight := sc.inflight
	sc.inflight = make(map[uint32]context.CancelFunc)
	queues := sc.queues
	sc.queues = make(map[uint64]*queue.Queue)
	sc.mu.Unlock()

	for _, cancel := range inflight {
		cancel()
	}
	for _, q := range queues {
		q.Close()
	}
	sc.conn.Close()
}
