package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"mini-binder/binder"
	"mini-binder/message"
)

// BinaryCodec lays a Transaction out as fixed-width fields:
//
//	descLen(2) desc object(8) code(4) flags(4) kind(1) payloadLen(4) payload errLen(2) err
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	// v must be *Transaction
	msg, ok := v.(*message.Transaction)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *Transaction")
	}
	if len(msg.Descriptor) > 0xffff || len(msg.Error) > 0xffff {
		return nil, &binder.ProtocolError{Reason: "descriptor or error too long"}
	}
	total := 2 + len(msg.Descriptor) + 8 + 4 + 4 + 1 + 4 + len(msg.Payload) + 2 + len(msg.Error)
	buf := make([]byte, total)

	offset := 0
	binary.BigEndian.PutUint16(buf[offset:], uint16(len(msg.Descriptor)))
	offset += 2
	offset += copy(buf[offset:], msg.Descriptor)

	binary.BigEndian.PutUint64(buf[offset:], msg.Object)
	offset += 8
	binary.BigEndian.PutUint32(buf[offset:], uint32(msg.Code))
	offset += 4
	binary.BigEndian.PutUint32(buf[offset:], uint32(msg.Flags))
	offset += 4
	buf[offset] = byte(msg.ErrorKind)
	offset++

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(msg.Payload)))
	offset += 4
	offset += copy(buf[offset:], msg.Payload)

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(msg.Error)))
	offset += 2
	copy(buf[offset:], msg.Error)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	// v must be *Transaction
	msg, ok := v.(*message.Transaction)
	if !ok {
		return errors.New("BinaryCodec: v must be *Transaction")
	}

	r := reader{data: data}

	descLen := int(r.uint16())
	msg.Descriptor = string(r.bytes(descLen))
	msg.Object = r.uint64()
	msg.Code = binder.Code(r.uint32())
	msg.Flags = binder.Flags(r.uint32())
	msg.ErrorKind = binder.ErrorKind(r.byte())

	payloadLen := int(r.uint32())
	payload := r.bytes(payloadLen)
	if payload != nil {
		msg.Payload = make([]byte, payloadLen)
		copy(msg.Payload, payload)
	}

	errLen := int(r.uint16())
	msg.Error = string(r.bytes(errLen))

	if r.err != nil {
		return r.err
	}
	if r.off != len(data) {
		return &binder.ProtocolError{Reason: fmt.Sprintf("trailing %d bytes in transaction", len(data)-r.off)}
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// reader walks a buffer and records the first out-of-bounds read.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = &binder.ProtocolError{Reason: fmt.Sprintf("malformed transaction: need %d bytes at offset %d, have %d", n, r.off, len(r.data)-r.off)}
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) bytes(n int) []byte { return r.take(n) }

func (r *reader) byte() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) uint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) uint64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}
