package client

import (
	"context"

	"github.com/rs/zerolog"

	"mini-binder/binder"
	"mini-binder/codec"
	"mini-binder/message"
	"mini-binder/queue"
	"mini-binder/transport"
)

// Proxy is the caller side of a remote object. All calls travel over one
// channel, so one-way calls made through it keep their order.
type Proxy struct {
	handle binder.Handle
	t      *transport.ClientTransport
	logger zerolog.Logger
}

// Handle returns the remote object handle.
func (p *Proxy) Handle() binder.Handle { return p.handle }

func (p *Proxy) transaction(code binder.Code, args any) (*message.Transaction, error) {
	payload, err := codec.Marshal(args)
	if err != nil {
		return nil, err
	}
	return &message.Transaction{
		Descriptor: p.handle.Descriptor,
		Object:     p.handle.Object,
		Code:       code,
		Payload:    payload,
	}, nil
}

// checkQueue refuses synchronous calls from a queue to a channel bound to it.
// Channels are per object, so this covers calls from a task to the callback
// objects that queue services, such as a receiver calling its own handle.
// Calls to any other object, the activity manager included, pass.
func (p *Proxy) checkQueue(ctx context.Context) error {
	if q := queue.FromContext(ctx); q != nil && q.Serves(p.handle.Channel()) {
		return binder.ErrWouldDeadlock
	}
	return nil
}

// Transact performs a synchronous call and decodes the reply into reply,
// which may be nil. When ctx ends first, a cancel is sent and Transact
// returns the terminal result, binder.ErrCanceled unless the call completed anyway.
func (p *Proxy) Transact(ctx context.Context, code binder.Code, args, reply any) error {
	if err := p.checkQueue(ctx); err != nil {
		return err
	}
	txn, err := p.transaction(code, args)
	if err != nil {
		return err
	}
	r, err := p.t.Transact(ctx, txn)
	if err != nil {
		return err
	}
	if err := r.Err(); err != nil {
		return err
	}
	return codec.Unmarshal(r.Payload, reply)
}

// TransactOneWay sends a fire-and-forget call. It only fails when the call
// cannot be sent.
func (p *Proxy) TransactOneWay(ctx context.Context, code binder.Code, args any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn, err := p.transaction(code, args)
	if err != nil {
		return err
	}
	return p.t.SendOneWay(txn)
}

// TransactAsync starts a two-way call and returns at once. The call is
// cancelled when ctx ends; it still completes with a terminal reply.
func (p *Proxy) TransactAsync(ctx context.Context, code binder.Code, args any) (*Call, error) {
	txn, err := p.transaction(code, args)
	if err != nil {
		return nil, err
	}
	seq, ch, err := p.t.Send(txn)
	if err != nil {
		return nil, err
	}
	call := &Call{seq: seq, t: p.t, logger: p.logger, done: make(chan struct{})}
	go call.wait(ctx, ch)
	return call, nil
}

// Ping checks that the remote object is alive.
func (p *Proxy) Ping(ctx context.Context) error {
	return p.Transact(ctx, binder.PingTransaction, nil, nil)
}

// InterfaceDescriptor asks the remote object for its descriptor.
func (p *Proxy) InterfaceDescriptor(ctx context.Context) (string, error) {
	var descriptor string
	if err := p.Transact(ctx, binder.InterfaceTransaction, nil, &descriptor); err != nil {
		return "", err
	}
	return descriptor, nil
}

// LinkToDeath registers fn to run once when the remote host dies.
func (p *Proxy) LinkToDeath(fn transport.DeathRecipient) (uint64, error) {
	return p.t.LinkToDeath(fn)
}

// UnlinkToDeath removes a death recipient.
func (p *Proxy) UnlinkToDeath(id uint64) bool {
	return p.t.UnlinkToDeath(id)
}

// IsBinderAlive reports whether the channel to the remote host is alive.
func (p *Proxy) IsBinderAlive() bool {
	return p.t.IsAlive()
}

// Call is a two-way call in flight.
type Call struct {
	seq    uint32
	t      *transport.ClientTransport
	logger zerolog.Logger
	done   chan struct{}

	reply *message.Transaction
	err   error
}

func (c *Call) wait(ctx context.Context, ch <-chan transport.Reply) {
	var r transport.Reply
	select {
	case r = <-ch:
	case <-ctx.Done():
		if err := c.t.SendCancel(c.seq); err != nil {
			c.logger.Debug().Err(err).Uint32("seq", c.seq).Msg("cancel not sent")
		}
		r = <-ch
	}
	c.reply, c.err = r.Txn, r.Err
	if c.err == nil {
		c.err = r.Txn.Err()
	}
	close(c.done)
}

// Done is closed when the terminal reply has arrived.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call completes and decodes the reply into reply.
func (c *Call) Wait(reply any) error {
	<-c.done
	if c.err != nil {
		return c.err
	}
	return codec.Unmarshal(c.reply.Payload, reply)
}

// Cancel asks the host to cancel the call. The call still completes; Wait
// then usually reports binder.ErrCanceled.
func (c *Call) Cancel() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	return c.t.SendCancel(c.seq)
}
