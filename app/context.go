package app

import (
	"context"
	"errors"
	"sync"

	"mini-binder/am"
	"mini-binder/binder"
	"mini-binder/dispatch"
	"mini-binder/intent"
	"mini-binder/server"
)

// ErrContextClosed is returned by every Context method after Close.
var ErrContextClosed = errors.New("app: context closed")

// Context is one registering owner inside a Process. Receivers and service
// connections registered through it run on its queue.
type Context struct {
	proc  *Process
	owner *dispatch.Owner

	mu      sync.Mutex
	closed  bool
	retired []binder.Handle // Callback objects kept alive until Close to finish late deliveries
	oneShot []binder.Handle
}

func (c *Context) Owner() *dispatch.Owner { return c.owner }

func (c *Context) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrContextClosed
	}
	return nil
}

// RegisterReceiver registers r for the intents accepted by filter. Registering
// the same receiver again merges the filters.
func (c *Context) RegisterReceiver(ctx context.Context, r dispatch.Receiver, filter intent.Filter) error {
	if err := c.check(); err != nil {
		return err
	}
	rd, created, err := c.proc.table.ReceiverDispatcher(c.owner, r)
	if err != nil {
		return err
	}
	if created {
		h, err := c.proc.host.Publish(am.ReceiverDescriptor, &intentReceiver{proc: c.proc, rd: rd}, am.ReceiverTable)
		if err != nil {
			c.proc.table.ForgetReceiver(c.owner, r)
			return err
		}
		rd.SetHandle(h)
		// Synchronous calls to this object from the owner queue fail fast.
		c.owner.Queue().Bind(h.Channel())
	}
	return c.proc.am.RegisterReceiver(ctx, rd.Handle(), filter, c.owner.String())
}

// UnregisterReceiver unregisters r. It returns a *binder.RegistrationError
// if r was never registered or was already unregistered.
func (c *Context) UnregisterReceiver(ctx context.Context, r dispatch.Receiver) error {
	if err := c.check(); err != nil {
		return err
	}
	rd, err := c.proc.table.ForgetReceiver(c.owner, r)
	if err != nil {
		return err
	}
	c.retire(rd.Handle())
	_, err = c.proc.am.UnregisterReceiver(ctx, rd.Handle())
	return err
}

// SendBroadcast delivers in to every matching receiver in parallel.
func (c *Context) SendBroadcast(ctx context.Context, in *intent.Intent) error {
	if err := c.check(); err != nil {
		return err
	}
	_, err := c.proc.am.BroadcastIntent(ctx, &am.BroadcastArgs{Intent: in})
	return err
}

// SendOrderedBroadcast delivers in to matching receivers one at a time,
// passing the result along. resultReceiver, if not nil, gets the final
// result on this Context's queue.
func (c *Context) SendOrderedBroadcast(ctx context.Context, in *intent.Intent, resultReceiver dispatch.Receiver, initialCode int, initialData string) error {
	if err := c.check(); err != nil {
		return err
	}
	args := &am.BroadcastArgs{Intent: in, Ordered: true, ResultCode: initialCode, ResultData: initialData}
	if resultReceiver != nil {
		rd := dispatch.NewReceiverDispatcher(c.owner, resultReceiver, c.proc.logger)
		h, err := c.proc.host.Publish(am.ReceiverDescriptor, &intentReceiver{proc: c.proc, rd: rd, oneShot: true}, am.ReceiverTable)
		if err != nil {
			return err
		}
		rd.SetHandle(h)
		c.mu.Lock()
		c.oneShot = append(c.oneShot, h)
		c.mu.Unlock()
		args.ResultTo = h
	}
	_, err := c.proc.am.BroadcastIntent(ctx, args)
	return err
}

// BindService binds conn to the service name. conn is called on this
// Context's queue when the service is published, replaced or dies.
func (c *Context) BindService(ctx context.Context, name string, conn dispatch.ServiceConnection) error {
	if err := c.check(); err != nil {
		return err
	}
	sd, created, err := c.proc.table.ServiceDispatcher(c.owner, conn, c.proc)
	if err != nil {
		return err
	}
	if created {
		h, err := c.proc.host.Publish(am.ConnectionDescriptor, &serviceConnection{sd: sd}, am.ConnectionTable)
		if err != nil {
			c.proc.table.ForgetServiceDispatcher(c.owner, conn)
			return err
		}
		sd.SetHandle(h)
		c.owner.Queue().Bind(h.Channel())
	}
	_, err = c.proc.am.BindService(ctx, name, sd.Handle())
	return err
}

// UnbindService unbinds conn. conn is not called again.
func (c *Context) UnbindService(ctx context.Context, conn dispatch.ServiceConnection) error {
	if err := c.check(); err != nil {
		return err
	}
	sd, err := c.proc.table.ForgetServiceDispatcher(c.owner, conn)
	if err != nil {
		return err
	}
	c.retire(sd.Handle())
	_, err = c.proc.am.UnbindService(ctx, sd.Handle())
	return err
}

// PublishService publishes rcvr as the service name, reachable through descriptor.
func (c *Context) PublishService(ctx context.Context, name, descriptor string, rcvr any, table server.TransactionTable) (binder.Handle, error) {
	if err := c.check(); err != nil {
		return binder.Handle{}, err
	}
	h, err := c.proc.host.Publish(descriptor, rcvr, table)
	if err != nil {
		return binder.Handle{}, err
	}
	if err := c.proc.am.PublishService(ctx, name, h); err != nil {
		c.proc.host.Revoke(h)
		return binder.Handle{}, err
	}
	return h, nil
}

func (c *Context) retire(h binder.Handle) {
	c.mu.Lock()
	c.retired = append(c.retired, h)
	c.mu.Unlock()
}

// Close tears the Context down. Registrations still live are leaks: they are
// logged with their registration site, released at the activity manager and
// returned as *binder.RegistrationError values joined into one error.
func (c *Context) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.proc.table.RemoveOwner(ctx, c.owner, c)

	c.mu.Lock()
	handles := append(c.retired, c.oneShot...)
	c.retired, c.oneShot = nil, nil
	c.mu.Unlock()
	for _, h := range handles {
		c.proc.host.Revoke(h)
	}
	c.owner.Close()
	return err
}

// ReleaseReceiver implements dispatch.Releaser.
func (c *Context) ReleaseReceiver(ctx context.Context, rd *dispatch.ReceiverDispatcher) error {
	c.retire(rd.Handle())
	_, err := c.proc.am.UnregisterReceiver(ctx, rd.Handle())
	return err
}

// ReleaseService implements dispatch.Releaser.
func (c *Context) ReleaseService(ctx context.Context, sd *dispatch.ServiceDispatcher) error {
	c.retire(sd.Handle())
	_, err := c.proc.am.UnbindService(ctx, sd.Handle())
	return err
}
