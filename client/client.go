// Package client resolves services and turns handles into proxies.
//
// Call path:
//
//	GetService(descriptor) → Registry(Discover, cached + Watch) → LoadBalancer(Pick)
//	  → Handle{addr, object} → Pool.Get(handle.Channel()) → Proxy
//	Proxy.Transact → Codec → Protocol frame → host → reply
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mini-binder/binder"
	"mini-binder/codec"
	"mini-binder/loadbalance"
	"mini-binder/registry"
	"mini-binder/transport"
)

var (
	// ErrNoRegistry is returned by GetService on a client built without a registry.
	ErrNoRegistry = errors.New("client: no registry configured")
	// ErrNoService is returned when no host advertises the descriptor.
	ErrNoService = errors.New("client: no host serves the descriptor")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client: closed")
)

// Client resolves named services and owns the channel pools to every host it talks to.
type Client struct {
	registry    registry.Registry // find service instance from registry
	balancer    loadbalance.Balancer
	affinityKey string // Key for KeyedBalancer picks
	codecType   codec.CodecType
	poolSize    int
	dialTimeout time.Duration
	heartbeat   time.Duration
	logger      zerolog.Logger

	mu       sync.Mutex
	pools    map[string]*transport.Pool            // channel pool for each host address
	services map[string][]registry.ServiceInstance // descriptor → instances, kept fresh by Watch
	watches  map[string]*watchEntry                // One registry watch per descriptor
	closed   bool
	ctx      context.Context // Ends every watch on Close
	cancel   context.CancelFunc
}

type watchEntry struct {
	cancel context.CancelFunc
}

// Option configures a Client.
type Option func(*Client)

// WithRegistry sets the service manager used by GetService.
func WithRegistry(reg registry.Registry) Option {
	return func(c *Client) { c.registry = reg }
}

// WithBalancer sets the strategy picking among hosts of one descriptor.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) { c.balancer = b }
}

// WithAffinityKey sets the key used when the balancer is a KeyedBalancer.
func WithAffinityKey(key string) Option {
	return func(c *Client) { c.affinityKey = key }
}

// WithCodec sets the envelope codec.
func WithCodec(ct codec.CodecType) Option {
	return func(c *Client) { c.codecType = ct }
}

// WithPoolSize sets the number of channels per host.
func WithPoolSize(n int) Option {
	return func(c *Client) { c.poolSize = n }
}

// WithDialTimeout bounds connection setup.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithHeartbeat sets the heartbeat interval of every channel. Zero disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) { c.heartbeat = d }
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		balancer:    &loadbalance.RoundRobinBalancer{},
		codecType:   codec.CodecTypeJSON,
		poolSize:    4,
		dialTimeout: 5 * time.Second,
		heartbeat:   transport.DefaultHeartbeat,
		logger:      log.Logger,
		pools:       make(map[string]*transport.Pool),
		services:    make(map[string][]registry.ServiceInstance),
		watches:     make(map[string]*watchEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// GetService looks up descriptor in the registry and returns a proxy to the
// picked host's service object.
func (c *Client) GetService(ctx context.Context, descriptor string) (*Proxy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	instances, err := c.instances(descriptor)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoService, descriptor)
	}

	// Select an instance using load balancer
	var instance *registry.ServiceInstance
	if kb, ok := c.balancer.(loadbalance.KeyedBalancer); ok {
		instance, err = kb.PickKey(c.affinityKey, instances)
	} else {
		instance, err = c.balancer.Pick(instances)
	}
	if err != nil {
		return nil, err
	}

	return c.ProxyFor(binder.Handle{Addr: instance.Addr, Object: instance.Object, Descriptor: descriptor})
}

// ProxyFor returns a proxy pinned to the channel that serves h. The proxy dies
// with that channel; resolve the service again to reach a restarted host.
func (c *Client) ProxyFor(h binder.Handle) (*Proxy, error) {
	if h.IsZero() {
		return nil, fmt.Errorf("client: zero handle")
	}
	pool, err := c.pool(h.Addr)
	if err != nil {
		return nil, err
	}
	t, err := pool.Get(h.Channel())
	if err != nil {
		return nil, binder.Dead(h.Addr, err)
	}
	return &Proxy{handle: h, t: t, logger: c.logger}, nil
}

// LinkToDeath links fn to the death of the host serving h.
func (c *Client) LinkToDeath(h binder.Handle, fn transport.DeathRecipient) (*Proxy, uint64, error) {
	p, err := c.ProxyFor(h)
	if err != nil {
		return nil, 0, err
	}
	id, err := p.LinkToDeath(fn)
	if err != nil {
		return nil, 0, err
	}
	return p, id, nil
}

// Close stops the registry watches and closes every channel.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancel()
	pools := c.pools
	c.pools = make(map[string]*transport.Pool)
	c.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
	return nil
}

func (c *Client) pool(addr string) (*transport.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if p, ok := c.pools[addr]; ok {
		return p, nil
	}
	dialTimeout := c.dialTimeout
	p := transport.NewPool(addr, c.poolSize, func() (net.Conn, error) {
		return net.DialTimeout("tcp", addr, dialTimeout)
	}, c.codecType, transport.WithHeartbeat(c.heartbeat), transport.WithLogger(c.logger))
	c.pools[addr] = p
	return p, nil
}

// instances returns the cached instances of descriptor. The first lookup
// starts the one watch that keeps the cache current, then queries the registry.
func (c *Client) instances(descriptor string) ([]registry.ServiceInstance, error) {
	if c.registry == nil {
		return nil, ErrNoRegistry
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	cached, ok := c.services[descriptor]
	if ok && len(cached) > 0 {
		c.mu.Unlock()
		return cached, nil
	}
	// Subscribe before the first Discover so no change falls in between.
	var started *watchEntry
	if _, watching := c.watches[descriptor]; !watching {
		ctx, cancel := context.WithCancel(c.ctx)
		started = &watchEntry{cancel: cancel}
		c.watches[descriptor] = started
		go c.watch(ctx, descriptor, started, c.registry.Watch(ctx, descriptor))
	}
	c.mu.Unlock()

	instances, err := c.registry.Discover(descriptor)
	if err != nil {
		if started != nil {
			c.stopWatch(descriptor, started)
		}
		return nil, err
	}

	c.mu.Lock()
	// Cache only while a watch keeps the entry current.
	if _, watching := c.watches[descriptor]; watching {
		c.services[descriptor] = instances
	}
	c.mu.Unlock()
	return instances, nil
}

func (c *Client) watch(ctx context.Context, descriptor string, w *watchEntry, updates <-chan []registry.ServiceInstance) {
	defer c.stopWatch(descriptor, w)
	for {
		select {
		case <-ctx.Done():
			return
		case instances, ok := <-updates:
			if !ok {
				return
			}
			c.mu.Lock()
			if c.watches[descriptor] == w {
				c.services[descriptor] = instances
			}
			c.mu.Unlock()
			c.logger.Debug().Str("descriptor", descriptor).Int("instances", len(instances)).Msg("service instances updated")
		}
	}
}

// stopWatch ends w and forgets the instances it maintained, unless a newer
// watch has replaced it.
func (c *Client) stopWatch(descriptor string, w *watchEntry) {
	w.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watches[descriptor] == w {
		delete(c.watches, descriptor)
		delete(c.services, descriptor)
	}
}

// watching reports whether a registry watch is open for descriptor.
func (c *Client) watching(descriptor string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.watches[descriptor]
	return ok
}
