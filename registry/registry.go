// Package registry is the service manager: hosts advertise named services
// under their interface descriptor and clients look them up.
package registry

import "context"

// ServiceInstance is one host serving a descriptor.
type ServiceInstance struct {
	Addr    string
	Object  uint64 // Object number of the service inside the host
	Weight  int    // Weight for load balancing
	Version string
}

type Registry interface {
	Register(descriptor string, instance ServiceInstance, ttl int64) error
	Deregister(descriptor string, addr string) error
	Discover(descriptor string) ([]ServiceInstance, error)
	// Watch emits the instance list after every change until ctx ends, then
	// closes the channel.
	Watch(ctx context.Context, descriptor string) <-chan []ServiceInstance
}
