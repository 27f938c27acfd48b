package am

import (
	"context"

	"mini-binder/binder"
	"mini-binder/client"
	"mini-binder/intent"
)

// Proxy is the typed client of IActivityManager.
type Proxy struct {
	remote *client.Proxy
}

// NewProxy wraps a proxy to an IActivityManager object.
func NewProxy(p *client.Proxy) *Proxy {
	return &Proxy{remote: p}
}

// GetService looks the activity manager up through c.
func GetService(ctx context.Context, c *client.Client) (*Proxy, error) {
	p, err := c.GetService(ctx, Descriptor)
	if err != nil {
		return nil, err
	}
	return NewProxy(p), nil
}

// Binder returns the untyped proxy.
func (p *Proxy) Binder() *client.Proxy { return p.remote }

func (p *Proxy) RegisterReceiver(ctx context.Context, receiver binder.Handle, filter intent.Filter, owner string) error {
	args := &RegisterReceiverArgs{Receiver: receiver, Filter: filter, Owner: owner}
	return p.remote.Transact(ctx, RegisterReceiverTransaction, args, &Empty{})
}

func (p *Proxy) UnregisterReceiver(ctx context.Context, receiver binder.Handle) (bool, error) {
	reply := &UnregisterReceiverReply{}
	err := p.remote.Transact(ctx, UnregisterReceiverTransaction, &UnregisterReceiverArgs{Receiver: receiver}, reply)
	return reply.Found, err
}

func (p *Proxy) BroadcastIntent(ctx context.Context, args *BroadcastArgs) (*BroadcastReply, error) {
	reply := &BroadcastReply{}
	if err := p.remote.Transact(ctx, BroadcastIntentTransaction, args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// FinishReceiver is one-way.
func (p *Proxy) FinishReceiver(ctx context.Context, args *FinishReceiverArgs) error {
	return p.remote.TransactOneWay(ctx, FinishReceiverTransaction, args)
}

func (p *Proxy) PublishService(ctx context.Context, name string, service binder.Handle) error {
	return p.remote.Transact(ctx, PublishServiceTransaction, &PublishServiceArgs{Name: name, Service: service}, &Empty{})
}

// BindService binds conn to the service name. published reports whether the
// service is already available; otherwise conn is called when it is published.
func (p *Proxy) BindService(ctx context.Context, name string, conn binder.Handle) (published bool, err error) {
	reply := &BindServiceReply{}
	err = p.remote.Transact(ctx, BindServiceTransaction, &BindServiceArgs{Name: name, Connection: conn}, reply)
	return reply.Published, err
}

func (p *Proxy) UnbindService(ctx context.Context, conn binder.Handle) (bool, error) {
	reply := &UnbindServiceReply{}
	err := p.remote.Transact(ctx, UnbindServiceTransaction, &UnbindServiceArgs{Connection: conn}, reply)
	return reply.Found, err
}

func (p *Proxy) GetReceiverCount(ctx context.Context, action string) (int, error) {
	reply := &GetReceiverCountReply{}
	err := p.remote.Transact(ctx, GetReceiverCountTransaction, &GetReceiverCountArgs{Action: action}, reply)
	return reply.Count, err
}
