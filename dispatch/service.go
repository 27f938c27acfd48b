package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"mini-binder/binder"
)

// ServiceConnection is notified as a bound service comes and goes.
// Both methods run on the owner's queue.
type ServiceConnection interface {
	OnServiceConnected(ctx context.Context, name string, service binder.Handle)
	OnServiceDisconnected(ctx context.Context, name string)
}

// BindingDiedListener is implemented by connections that want to know when
// a binding will never reconnect.
type BindingDiedListener interface {
	OnBindingDied(ctx context.Context, name string)
}

// DeathLinker links a callback to the death of the host serving a handle.
// The returned function unlinks it.
type DeathLinker interface {
	LinkToDeath(h binder.Handle, fn func(error)) (unlink func(), err error)
}

type connectionInfo struct {
	service binder.Handle
	unlink  func()
}

// ServiceDispatcher delivers service connection events to one ServiceConnection.
type ServiceDispatcher struct {
	owner  *Owner
	conn   ServiceConnection
	linker DeathLinker
	logger zerolog.Logger

	registeredAt []byte
	handle       atomic.Pointer[binder.Handle]

	mu        sync.Mutex
	active    map[string]*connectionInfo // component name → current connection
	forgotten bool
}

func newServiceDispatcher(owner *Owner, conn ServiceConnection, linker DeathLinker, logger zerolog.Logger) *ServiceDispatcher {
	return &ServiceDispatcher{
		owner:        owner,
		conn:         conn,
		linker:       linker,
		logger:       logger,
		registeredAt: binder.CallSite(),
		active:       make(map[string]*connectionInfo),
	}
}

func (sd *ServiceDispatcher) Owner() *Owner                 { return sd.owner }
func (sd *ServiceDispatcher) Connection() ServiceConnection { return sd.conn }

// Handle returns the handle of the callback object published for sd.
func (sd *ServiceDispatcher) Handle() binder.Handle {
	if h := sd.handle.Load(); h != nil {
		return *h
	}
	return binder.Handle{}
}

// SetHandle records the handle of the callback object published for sd.
func (sd *ServiceDispatcher) SetHandle(h binder.Handle) {
	sd.handle.Store(&h)
}

// Connected reports a new state of the binding to name: service is the
// handle now serving it, dead marks a binding whose service went away for good.
func (sd *ServiceDispatcher) Connected(name string, service binder.Handle, dead bool) {
	if !sd.owner.queue.Post(func(ctx context.Context) { sd.doConnected(ctx, name, service, dead) }) {
		sd.logger.Debug().Str("owner", sd.owner.String()).Str("service", name).Msg("owner queue closed, dropping connection event")
	}
}

// Death reports that the host serving service for name died.
func (sd *ServiceDispatcher) Death(name string, service binder.Handle) {
	sd.owner.queue.Post(func(ctx context.Context) { sd.doDeath(ctx, name, service) })
}

func (sd *ServiceDispatcher) doConnected(ctx context.Context, name string, service binder.Handle, dead bool) {
	sd.mu.Lock()
	if sd.forgotten {
		// Unbound before the event arrived.
		sd.mu.Unlock()
		return
	}
	old := sd.active[name]
	if old != nil && old.service == service && !dead {
		// Already connected to this service.
		sd.mu.Unlock()
		return
	}
	sd.mu.Unlock()

	var info *connectionInfo
	if !dead && !service.IsZero() {
		unlink, err := sd.linker.LinkToDeath(service, func(error) { sd.Death(name, service) })
		if err != nil {
			sd.logger.Debug().Err(err).Str("service", name).Msg("service died before connect")
			service = binder.Handle{}
		} else {
			info = &connectionInfo{service: service, unlink: unlink}
		}
	}

	sd.mu.Lock()
	if sd.forgotten {
		sd.mu.Unlock()
		if info != nil {
			info.unlink()
		}
		return
	}
	old = sd.active[name]
	if info != nil {
		sd.active[name] = info
	} else {
		delete(sd.active, name)
	}
	sd.mu.Unlock()

	if old != nil {
		old.unlink()
		sd.conn.OnServiceDisconnected(ctx, name)
	}
	if dead {
		if l, ok := sd.conn.(BindingDiedListener); ok {
			l.OnBindingDied(ctx, name)
		}
	}
	if info != nil {
		sd.conn.OnServiceConnected(ctx, name, service)
	}
}

func (sd *ServiceDispatcher) doDeath(ctx context.Context, name string, service binder.Handle) {
	sd.mu.Lock()
	old := sd.active[name]
	if sd.forgotten || old == nil || old.service != service {
		sd.mu.Unlock()
		return
	}
	delete(sd.active, name)
	sd.mu.Unlock()

	old.unlink()
	sd.conn.OnServiceDisconnected(ctx, name)
}

// Connections returns the names currently connected.
func (sd *ServiceDispatcher) Connections() []string {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	names := make([]string, 0, len(sd.active))
	for name := range sd.active {
		names = append(names, name)
	}
	return names
}

// forget drops every connection without notifying the ServiceConnection.
func (sd *ServiceDispatcher) forget() {
	sd.mu.Lock()
	sd.forgotten = true
	active := sd.active
	sd.active = make(map[string]*connectionInfo)
	sd.mu.Unlock()

	for _, info := range active {
		info.unlink()
	}
}
