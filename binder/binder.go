// Package binder defines the vocabulary shared by every layer of mini-binder:
// transaction codes, call flags, remote object handles and the error taxonomy.
//
// A remote object is addressed by a Handle: the address of the host that owns
// it, the object number inside that host, and the interface descriptor the
// object implements. A call on that object is identified by a transaction code
// that is stable for the lifetime of the interface.
package binder

import "fmt"

// Code identifies a method within an interface.
type Code uint32

const (
	// FirstCallTransaction is the first code available to interfaces.
	FirstCallTransaction Code = 0x00000001
	// LastCallTransaction is the last code available to interfaces.
	LastCallTransaction Code = 0x00ffffff

	// PingTransaction is answered by every host for every live object.
	PingTransaction Code = '_'<<24 | 'P'<<16 | 'N'<<8 | 'G'
	// InterfaceTransaction returns the descriptor of the target object.
	InterfaceTransaction Code = '_'<<24 | 'N'<<16 | 'T'<<8 | 'F'
)

// IsUserCode reports whether c is inside the range interfaces may use.
func (c Code) IsUserCode() bool {
	return c >= FirstCallTransaction && c <= LastCallTransaction
}

func (c Code) String() string {
	switch c {
	case PingTransaction:
		return "PING"
	case InterfaceTransaction:
		return "INTERFACE"
	}
	return fmt.Sprintf("%d", uint32(c))
}

// Flags modify how a transaction is delivered.
type Flags uint32

const (
	// FlagOneWay marks a fire-and-forget transaction: no reply is sent.
	FlagOneWay Flags = 0x01
)

// OneWay reports whether FlagOneWay is set.
func (f Flags) OneWay() bool { return f&FlagOneWay != 0 }

// Handle is a reference to an object living in a (possibly remote) host.
// Handles are comparable and may be used as map keys.
type Handle struct {
	Addr       string `json:"addr"`       // Host address, e.g. "127.0.0.1:7070"
	Object     uint64 `json:"object"`     // Object number inside the host, never 0 for a live object
	Descriptor string `json:"descriptor"` // Interface descriptor, e.g. "mini.app.IActivityManager"
}

// IsZero reports whether h refers to nothing.
func (h Handle) IsZero() bool { return h.Addr == "" && h.Object == 0 }

// Channel is the key of the transport channel used to reach h.
// All calls through proxies for the same handle share one channel, which is
// what gives one-way calls their ordering.
func (h Handle) Channel() string {
	return fmt.Sprintf("%s/%d", h.Addr, h.Object)
}

func (h Handle) String() string {
	return fmt.Sprintf("%s@%s#%d", h.Descriptor, h.Addr, h.Object)
}
