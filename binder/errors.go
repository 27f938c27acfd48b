package binder

import (
	"errors"
	"fmt"
	"runtime/debug"
)

var (
	// ErrDeadObject means the host owning the object has gone away.
	ErrDeadObject = errors.New("binder: dead object")
	// ErrCanceled is the terminal result of a call cancelled by its caller.
	ErrCanceled = errors.New("binder: transaction canceled")
	// ErrTimeout is returned when the remote handler ran out of time.
	ErrTimeout = errors.New("binder: transaction timed out")
	// ErrBusy is returned when the remote host refused the transaction.
	ErrBusy = errors.New("binder: host busy")
	// ErrWouldDeadlock is returned for a synchronous call issued from the
	// queue that services callbacks of the same channel.
	ErrWouldDeadlock = errors.New("binder: synchronous call from callback queue would deadlock")
)

// TransportError reports that the remote endpoint is unreachable or dead.
// Callers treat it exactly like death of the remote process.
type TransportError struct {
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("transport: %v", e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Dead wraps err as a TransportError that also matches ErrDeadObject.
func Dead(addr string, err error) *TransportError {
	if err == nil || errors.Is(err, ErrDeadObject) {
		return &TransportError{Addr: addr, Err: ErrDeadObject}
	}
	return &TransportError{Addr: addr, Err: fmt.Errorf("%w: %w", ErrDeadObject, err)}
}

// ProtocolError reports an unknown transaction code or a malformed payload.
type ProtocolError struct {
	Descriptor string
	Code       Code
	Reason     string
}

func (e *ProtocolError) Error() string {
	if e.Descriptor == "" && e.Code == 0 {
		return "protocol: " + e.Reason
	}
	return fmt.Sprintf("protocol %s code=%s: %s", e.Descriptor, e.Code, e.Reason)
}

// RegistrationErrorKind classifies a RegistrationError.
type RegistrationErrorKind uint8

const (
	// NotRegistered: the callback was never registered with this owner.
	NotRegistered RegistrationErrorKind = iota + 1
	// AlreadyUnregistered: the callback was registered, then unregistered.
	AlreadyUnregistered
	// Uncomparable: the callback cannot be used as a registration key.
	Uncomparable
	// Leaked: the owner was torn down while the callback was registered.
	Leaked
)

func (k RegistrationErrorKind) String() string {
	switch k {
	case NotRegistered:
		return "not registered"
	case AlreadyUnregistered:
		return "already unregistered"
	case Uncomparable:
		return "uncomparable callback"
	case Leaked:
		return "leaked"
	}
	return "unknown"
}

// RegistrationError reports duplicate, missing or leaked registrations.
// Stack holds the call site relevant to the failure: the original unregister
// site for AlreadyUnregistered, the registration site for Leaked.
type RegistrationError struct {
	Kind     RegistrationErrorKind
	Owner    string
	Callback string
	Stack    []byte
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration %s: %s (owner %s)", e.Callback, e.Kind, e.Owner)
}

// RemoteError carries an application error returned by a remote handler.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "remote: " + e.Message }

// CallSite captures the current goroutine stack for diagnostics.
func CallSite() []byte { return debug.Stack() }
