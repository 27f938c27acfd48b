package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/mini-binder/"

// EtcdRegistry implements the Registry interface using etcd v3.
//
// etcd is a distributed key-value store that provides strong consistency (Raft protocol).
// EtcdRegistry uses it as a "distributed phonebook" for services:
//
//	Key:   /mini-binder/{Descriptor}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if the host crashes, the lease expires
// and the entry is removed automatically, so dead hosts do not linger.
type EtcdRegistry struct {
	client  *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
	timeout time.Duration    // Per-operation timeout
	logger  zerolog.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, so Deregister can revoke it
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{
		client:  c,
		timeout: 5 * time.Second,
		logger:  log.Logger.With().Str("component", "etcd-registry").Logger(),
		leases:  make(map[string]clientv3.LeaseID),
	}, nil
}

func serviceKey(descriptor, addr string) string {
	return keyPrefix + descriptor + "/" + addr
}

// Register adds a service instance to etcd with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (e.g., 10 seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease
func (r *EtcdRegistry) Register(descriptor string, instance ServiceInstance, ttl int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := serviceKey(descriptor, instance.Addr)
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// KeepAlive must outlive this call, so it gets its own context.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
		r.logger.Debug().Str("key", key).Msg("lease keepalive stopped")
	}()
	return nil
}

// Deregister removes a service instance from etcd and revokes its lease.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Deregister(descriptor string, addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	key := serviceKey(descriptor, addr)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}

	r.mu.Lock()
	lease, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		if _, err := r.client.Revoke(ctx, lease); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("lease revoke failed")
		}
	}
	return nil
}

// Watch monitors a descriptor prefix in etcd and emits updated instance lists
// whenever changes occur (new registrations, deregistrations, lease expirations).
// The etcd watch ends with ctx.
func (r *EtcdRegistry) Watch(ctx context.Context, descriptor string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := keyPrefix + descriptor + "/"

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			// On any change, re-fetch the full instance list
			// (simpler than parsing individual watch events)
			instances, err := r.Discover(descriptor)
			if err != nil {
				r.logger.Warn().Err(err).Str("descriptor", descriptor).Msg("rediscover after watch event failed")
				continue
			}
			select {
			case <-ch:
			default:
			}
			ch <- instances
		}
	}()

	return ch
}

// Discover returns all currently registered instances for a descriptor.
func (r *EtcdRegistry) Discover(descriptor string) ([]ServiceInstance, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	resp, err := r.client.Get(ctx, keyPrefix+descriptor+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn().Str("key", string(kv.Key)).Msg("skipping malformed registry entry")
			continue
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

// Close releases the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
