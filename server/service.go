package server

import (
	"context"
	"fmt"
	"reflect"

	"mini-binder/binder"
	"mini-binder/codec"
)

// Stub is the host side of a remote object: it receives the transactions
// addressed to the object.
type Stub interface {
	Descriptor() string
	OnTransact(ctx context.Context, code binder.Code, data []byte, flags binder.Flags) ([]byte, error)
}

// TransactionTable maps method names of a receiver to their transaction codes.
// Codes are part of the interface contract and must never be renumbered.
type TransactionTable map[string]binder.Code

type methodType struct {
	method    reflect.Method
	code      binder.Code
	ArgType   reflect.Type
	ReplyType reflect.Type // nil for one-way-only methods
}

type service struct {
	descriptor string
	rcvr       reflect.Value
	typ        reflect.Type
	method     map[binder.Code]*methodType
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// NewService builds a Stub that dispatches transactions to rcvr's methods by code.
//
// Accepted method shapes:
//
//	func (r *T) Name(ctx context.Context, args *A, reply *R) error // two-way
//	func (r *T) Name(ctx context.Context, args *A) error           // one-way
//
// Every table entry must name such a method and codes must be unique user codes.
func NewService(descriptor string, rcvr any, table TransactionTable) (Stub, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("binder: rcvr must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("binder: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	if descriptor == "" {
		return nil, fmt.Errorf("binder: empty descriptor for %s", typ.Elem().Name())
	}
	if len(table) == 0 {
		return nil, fmt.Errorf("binder: %s has an empty transaction table", descriptor)
	}

	svc := &service{
		descriptor: descriptor,
		rcvr:       reflect.ValueOf(rcvr),
		typ:        typ,
		method:     make(map[binder.Code]*methodType),
	}
	if err := svc.registerMethods(table); err != nil {
		return nil, err
	}
	return svc, nil
}

// registerMethods resolves every table entry to a method with a valid signature.
func (s *service) registerMethods(table TransactionTable) error {
	for name, code := range table {
		if !code.IsUserCode() {
			return fmt.Errorf("binder: %s.%s: code %d outside the call range", s.descriptor, name, code)
		}
		if prev, dup := s.method[code]; dup {
			return fmt.Errorf("binder: %s: code %d used by both %s and %s", s.descriptor, code, prev.method.Name, name)
		}
		method, ok := s.typ.MethodByName(name)
		if !ok {
			return fmt.Errorf("binder: %s: no method %s on %s", s.descriptor, name, s.typ)
		}
		mt, err := methodShape(method)
		if err != nil {
			return fmt.Errorf("binder: %s.%s: %w", s.descriptor, name, err)
		}
		mt.code = code
		s.method[code] = mt
	}
	return nil
}

func methodShape(method reflect.Method) (*methodType, error) {
	mtype := method.Type
	if mtype.NumOut() != 1 || mtype.Out(0) != errorType {
		return nil, fmt.Errorf("must return exactly error")
	}
	if mtype.NumIn() != 3 && mtype.NumIn() != 4 {
		return nil, fmt.Errorf("must take (ctx, *args) or (ctx, *args, *reply)")
	}
	if mtype.In(1) != contextType {
		return nil, fmt.Errorf("first argument must be context.Context")
	}
	if mtype.In(2).Kind() != reflect.Ptr {
		return nil, fmt.Errorf("args must be a pointer")
	}
	mt := &methodType{method: method, ArgType: mtype.In(2).Elem()}
	if mtype.NumIn() == 4 {
		if mtype.In(3).Kind() != reflect.Ptr {
			return nil, fmt.Errorf("reply must be a pointer")
		}
		mt.ReplyType = mtype.In(3).Elem()
	}
	return mt, nil
}

func (s *service) Descriptor() string { return s.descriptor }

// OnTransact decodes the payload, calls the method and encodes the reply.
// Unknown codes and malformed payloads are protocol errors.
func (s *service) OnTransact(ctx context.Context, code binder.Code, data []byte, flags binder.Flags) ([]byte, error) {
	mType, ok := s.method[code]
	if !ok {
		return nil, &binder.ProtocolError{Descriptor: s.descriptor, Code: code, Reason: "unknown transaction code"}
	}

	argv := reflect.New(mType.ArgType)
	if err := codec.Unmarshal(data, argv.Interface()); err != nil {
		return nil, err
	}

	var replyv reflect.Value
	if mType.ReplyType != nil {
		replyv = reflect.New(mType.ReplyType)
	}
	if err := s.call(ctx, mType, argv, replyv); err != nil {
		return nil, err
	}

	if flags.OneWay() || mType.ReplyType == nil {
		return nil, nil
	}
	return codec.Marshal(replyv.Interface())
}

// call invokes the method via reflection: receiver.Method(ctx, args[, reply])
func (s *service) call(ctx context.Context, mType *methodType, argv, replyv reflect.Value) error {
	in := []reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv}
	if replyv.IsValid() {
		in = append(in, replyv)
	}
	results := mType.method.Func.Call(in)
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}
