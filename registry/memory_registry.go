package registry

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry for single-host setups and tests.
// TTLs are ignored: entries live until deregistered.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string]map[string]ServiceInstance // descriptor → addr → instance
	watchers  map[string][]chan []ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string]map[string]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

func (m *MemoryRegistry) Register(descriptor string, inst ServiceInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.instances[descriptor] == nil {
		m.instances[descriptor] = make(map[string]ServiceInstance)
	}
	m.instances[descriptor][inst.Addr] = inst
	m.notify(descriptor)
	return nil
}

func (m *MemoryRegistry) Deregister(descriptor string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances[descriptor], addr)
	m.notify(descriptor)
	return nil
}

func (m *MemoryRegistry) Discover(descriptor string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(descriptor), nil
}

// Watch emits the full instance list after every change. Slow watchers only
// ever see the latest list.
func (m *MemoryRegistry) Watch(ctx context.Context, descriptor string) <-chan []ServiceInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan []ServiceInstance, 1)
	m.watchers[descriptor] = append(m.watchers[descriptor], ch)
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		m.watchers[descriptor] = slices.DeleteFunc(m.watchers[descriptor], func(c chan []ServiceInstance) bool { return c == ch })
		if len(m.watchers[descriptor]) == 0 {
			delete(m.watchers, descriptor)
		}
		close(ch)
	}()
	return ch
}

// watcherCount returns the number of open watches on descriptor.
func (m *MemoryRegistry) watcherCount(descriptor string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers[descriptor])
}

func (m *MemoryRegistry) list(descriptor string) []ServiceInstance {
	instances := make([]ServiceInstance, 0, len(m.instances[descriptor]))
	for _, inst := range m.instances[descriptor] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances
}

// notify is called with m.mu held.
func (m *MemoryRegistry) notify(descriptor string) {
	list := m.list(descriptor)
	for _, ch := range m.watchers[descriptor] {
		select {
		case <-ch: // drop the stale list
		default:
		}
		ch <- list
	}
}
