package transport

import (
	"fmt"
	"hash/crc32"
	"net"
	"sync"

	"mini-binder/codec"
)

// DialFunc opens a connection to the pool's address.
type DialFunc func() (net.Conn, error)

// Pool holds a fixed number of multiplexed channels to a single address.
//
// Unlike a borrow/return pool, channels are shared: a key (usually a
// binder.Handle channel key) always maps to the same slot, so every call for
// one remote object travels over one connection and one-way calls keep their
// order. Slots are dialed lazily and re-dialed when their transport has died.
type Pool struct {
	mu        sync.Mutex
	addr      string             // Target address
	slots     []*ClientTransport // Fixed size, nil until first use
	dial      DialFunc           // Connection factory function
	codecType codec.CodecType
	opts      []Option
	closed    bool
}

// NewPool creates a pool of size channels. A nil dial uses net.Dial("tcp", addr).
func NewPool(addr string, size int, dial DialFunc, codecType codec.CodecType, opts ...Option) *Pool {
	if size <= 0 {
		size = 1
	}
	if dial == nil {
		dial = func() (net.Conn, error) { return net.Dial("tcp", addr) }
	}
	return &Pool{
		addr:      addr,
		slots:     make([]*ClientTransport, size),
		dial:      dial,
		codecType: codecType,
		opts:      opts,
	}
}

// Addr returns the address the pool dials.
func (p *Pool) Addr() string { return p.addr }

// Get returns the channel for key, dialing it if the slot is empty or dead.
func (p *Pool) Get(key string) (*ClientTransport, error) {
	idx := int(crc32.ChecksumIEEE([]byte(key)) % uint32(len(p.slots)))

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("transport pool %s closed", p.addr)
	}

	if t := p.slots[idx]; t != nil && t.IsAlive() {
		return t, nil
	}

	conn, err := p.dial()
	if err != nil {
		return nil, err
	}
	t := NewClientTransport(conn, p.codecType, p.opts...)
	p.slots[idx] = t
	return t, nil
}

// Live returns the number of slots holding a live transport.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.slots {
		if t != nil && t.IsAlive() {
			n++
		}
	}
	return n
}

// Close shuts down the pool and closes all connections.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	slots := p.slots
	p.slots = make([]*ClientTransport, len(slots))
	p.mu.Unlock()

	for _, t := range slots {
		if t != nil {
			t.Close()
		}
	}
	return nil
}
