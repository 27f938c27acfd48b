// Package protocol implements the binary frame protocol for mini-binder.
//
// It solves TCP's sticky packet problem by using a fixed-size 14-byte header
// followed by a variable-length body. The receiver reads the header first to
// determine the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ mbd  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// Request frames expect a Reply with the same seq. OneWay frames never get one.
// A Cancel frame carries the seq of an in-flight Request and no body.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"mini-binder/binder"
)

// Magic number bytes: "mbd" (mini-binder).
// Used to quickly identify whether the incoming data is a valid frame,
// rejecting non-protocol connections (e.g., HTTP clients hitting the wrong port).
const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x62 // 'b'
	MagicByte3  byte = 0x64 // 'd'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen caps a single transaction, like the binder transaction buffer.
	MaxBodyLen uint32 = 4 << 20
)

// MsgType distinguishes the frame kinds.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Two-way transaction, waits for a Reply
	MsgTypeReply     MsgType = 1 // Reply to a Request, same seq
	MsgTypeHeartbeat MsgType = 2 // KeepAlive ping (no body)
	MsgTypeOneWay    MsgType = 3 // Fire-and-forget transaction
	MsgTypeCancel    MsgType = 4 // Cancel the Request with the same seq (no body)
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeReply:
		return "reply"
	case MsgTypeHeartbeat:
		return "heartbeat"
	case MsgTypeOneWay:
		return "oneway"
	case MsgTypeCancel:
		return "cancel"
	}
	return fmt.Sprintf("msgtype(%d)", byte(t))
}

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType byte    // Serialization format: 0=JSON, 1=Binary
	MsgType   MsgType // Request, Reply, Heartbeat, OneWay or Cancel
	Seq       uint32  // Matches a Reply or Cancel to its Request
	BodyLen   uint32  // Body length in bytes
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodyLen {
		return &binder.ProtocolError{Reason: fmt.Sprintf("body too large: %d bytes", len(body))}
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))

	// One Write per frame so a frame is never split between two writers
	// that forgot to lock.
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, message type and body size.
// I/O errors are returned as is; malformed frames as *binder.ProtocolError.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, &binder.ProtocolError{Reason: fmt.Sprintf("invalid magic number: %x", headerBuf[0:3])}
	}

	if headerBuf[3] != Version {
		return nil, nil, &binder.ProtocolError{Reason: fmt.Sprintf("unsupported version: %d", headerBuf[3])}
	}

	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, &binder.ProtocolError{Reason: fmt.Sprintf("unsupported codec type: %d", headerBuf[4])}
	}

	msgType := MsgType(headerBuf[5])
	if msgType > MsgTypeCancel {
		return nil, nil, &binder.ProtocolError{Reason: fmt.Sprintf("unsupported message type: %d", headerBuf[5])}
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, &binder.ProtocolError{Reason: fmt.Sprintf("body too large: %d bytes", bodyLen)}
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
