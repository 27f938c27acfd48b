// Package message defines the transaction envelope exchanged between hosts.
//
// Transaction is the "envelope" for every call. It gets serialized by the codec layer
// and wrapped in a protocol frame for transmission over TCP.
package message

import "mini-binder/binder"

// Transaction carries the data for a single call or its reply.
//
//   - On request:  Descriptor, Object and Code name the target; Payload contains the serialized args.
//   - On reply:    Payload contains the serialized reply, ErrorKind/Error are set if the call failed.
type Transaction struct {
	Descriptor string           // Interface descriptor the caller expects the target to implement
	Object     uint64           // Target object number inside the receiving host
	Code       binder.Code      // Method to invoke
	Flags      binder.Flags     // binder.FlagOneWay for fire-and-forget calls
	ErrorKind  binder.ErrorKind // Failure class, binder.KindNone on success
	Error      string           // Failure message
	Payload    []byte           // JSON-encoded args (request) or reply (reply)
}

// NewReply starts a successful reply to req.
func NewReply(req *Transaction, payload []byte) *Transaction {
	return &Transaction{
		Descriptor: req.Descriptor,
		Object:     req.Object,
		Code:       req.Code,
		Payload:    payload,
	}
}

// ErrorReply builds a failed reply to req.
func ErrorReply(req *Transaction, err error) *Transaction {
	kind, msg := binder.ToWire(err)
	return &Transaction{
		Descriptor: req.Descriptor,
		Object:     req.Object,
		Code:       req.Code,
		ErrorKind:  kind,
		Error:      msg,
	}
}

// Err rebuilds the typed error carried by t, or nil.
func (t *Transaction) Err() error {
	if t.ErrorKind == binder.KindNone && t.Error == "" {
		return nil
	}
	if t.ErrorKind == binder.KindNone {
		return &binder.RemoteError{Message: t.Error}
	}
	err := binder.FromWire(t.ErrorKind, t.Error)
	if pe, ok := err.(*binder.ProtocolError); ok {
		pe.Descriptor = t.Descriptor
		pe.Code = t.Code
	}
	return err
}

// Failed reports whether t carries an error.
func (t *Transaction) Failed() bool {
	return t.ErrorKind != binder.KindNone || t.Error != ""
}
