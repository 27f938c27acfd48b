// Package app is the application side of the activity manager: a Process
// bundles the client, the host serving the process's callback objects, the
// dispatcher table and the activity manager proxy, and hands out Contexts.
//
// Nothing here is global. Everything a Context needs is passed in through
// its Process, and everything it registers is released by Context.Close.
package app

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mini-binder/am"
	"mini-binder/binder"
	"mini-binder/client"
	"mini-binder/dispatch"
	"mini-binder/server"
)

// Process is one application process.
type Process struct {
	name   string
	client *client.Client
	host   *server.Server
	table  *dispatch.Table
	am     *am.Proxy
	logger zerolog.Logger
}

// Option configures a Process.
type Option func(*Process)

// WithLogger sets the process logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Process) { p.logger = l }
}

// WithActivityManager uses the given proxy instead of looking the service up.
func WithActivityManager(m *am.Proxy) Option {
	return func(p *Process) { p.am = m }
}

// NewProcess creates a process. host must already be listening: callback
// objects are published on it and their handles travel to the activity manager.
func NewProcess(ctx context.Context, name string, cli *client.Client, host *server.Server, opts ...Option) (*Process, error) {
	if host.Addr() == "" {
		return nil, server.ErrNotListening
	}
	p := &Process{
		name:   name,
		client: cli,
		host:   host,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("process", name).Logger()
	p.table = dispatch.NewTable(dispatch.WithLogger(p.logger))

	if p.am == nil {
		m, err := am.GetService(ctx, cli)
		if err != nil {
			return nil, err
		}
		p.am = m
	}
	return p, nil
}

func (p *Process) Name() string               { return p.name }
func (p *Process) Client() *client.Client     { return p.client }
func (p *Process) Host() *server.Server       { return p.host }
func (p *Process) Table() *dispatch.Table     { return p.table }
func (p *Process) ActivityManager() *am.Proxy { return p.am }

// NewContext creates a Context with its own owner queue.
func (p *Process) NewContext(name string) *Context {
	return &Context{
		proc:  p,
		owner: dispatch.NewOwner(name, p.logger),
	}
}

// LinkToDeath implements dispatch.DeathLinker.
func (p *Process) LinkToDeath(h binder.Handle, fn func(error)) (func(), error) {
	proxy, id, err := p.client.LinkToDeath(h, fn)
	if err != nil {
		return nil, err
	}
	return func() { proxy.UnlinkToDeath(id) }, nil
}

// Finish implements dispatch.Finisher by acknowledging the delivery to the
// activity manager.
func (p *Process) Finish(ctx context.Context, token string, result dispatch.Result) error {
	return p.am.FinishReceiver(ctx, &am.FinishReceiverArgs{
		Token:        token,
		ResultCode:   result.Code,
		ResultData:   result.Data,
		ResultExtras: result.Extras,
		Abort:        result.Abort,
	})
}

// intentReceiver is the IIntentReceiver object published for one dispatcher.
type intentReceiver struct {
	proc *Process
	rd   *dispatch.ReceiverDispatcher

	// oneShot receivers get a single final result and then revoke themselves.
	oneShot bool
}

func (r *intentReceiver) PerformReceive(ctx context.Context, d *am.Delivery) error {
	if d.Intent == nil {
		return errors.New("app: delivery without intent")
	}
	r.rd.Perform(dispatch.Delivery(*d), r.proc)
	if r.oneShot {
		r.proc.host.Revoke(r.rd.Handle())
	}
	return nil
}

// serviceConnection is the IServiceConnection object published for one dispatcher.
type serviceConnection struct {
	sd *dispatch.ServiceDispatcher
}

func (c *serviceConnection) Connected(ctx context.Context, args *am.ConnectedArgs) error {
	c.sd.Connected(args.Name, args.Service, args.Dead)
	return nil
}
