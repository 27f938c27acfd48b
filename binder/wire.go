package binder

import (
	"context"
	"errors"
)

// ErrorKind is the failure class carried on the wire next to the message.
type ErrorKind uint8

const (
	KindNone ErrorKind = iota
	KindRemote
	KindTransport
	KindProtocol
	KindRegistration
	KindCanceled
	KindTimeout
	KindBusy
)

// ToWire classifies err for transmission. A nil error maps to KindNone.
func ToWire(err error) (ErrorKind, string) {
	if err == nil {
		return KindNone, ""
	}
	var (
		te *TransportError
		pe *ProtocolError
		re *RegistrationError
	)
	switch {
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return KindCanceled, err.Error()
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout, err.Error()
	case errors.Is(err, ErrBusy):
		return KindBusy, err.Error()
	case errors.As(err, &te):
		return KindTransport, err.Error()
	case errors.As(err, &pe):
		return KindProtocol, pe.Reason
	case errors.As(err, &re):
		return KindRegistration, err.Error()
	}
	return KindRemote, err.Error()
}

// FromWire rebuilds a typed error from its wire form.
func FromWire(kind ErrorKind, msg string) error {
	switch kind {
	case KindNone:
		return nil
	case KindTransport:
		return Dead("", errors.New(msg))
	case KindProtocol:
		return &ProtocolError{Reason: msg}
	case KindRegistration:
		return &RegistrationError{Callback: msg}
	case KindCanceled:
		return ErrCanceled
	case KindTimeout:
		return ErrTimeout
	case KindBusy:
		return ErrBusy
	}
	return &RemoteError{Message: msg}
}
