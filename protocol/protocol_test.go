package protocol

import (
	"bytes"
	"errors"
	"testing"

	"mini-binder/binder"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   MsgTypeRequest,
		Seq:       12345,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decodedHeader.CodecType != header.CodecType {
		t.Errorf("CodecType mismatch: got %d, want %d", decodedHeader.CodecType, header.CodecType)
	}
	if decodedHeader.MsgType != header.MsgType {
		t.Errorf("MsgType mismatch: got %s, want %s", decodedHeader.MsgType, header.MsgType)
	}
	if decodedHeader.Seq != header.Seq {
		t.Errorf("Seq mismatch: got %d, want %d", decodedHeader.Seq, header.Seq)
	}
	if decodedHeader.BodyLen != uint32(len(body)) {
		t.Errorf("BodyLen mismatch: got %d, want %d", decodedHeader.BodyLen, len(body))
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", string(decodedBody), string(body))
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	invalidHeader := []byte{0x00, 0x00, 0x00, Version, CodecTypeJSON, byte(MsgTypeRequest), 0x00, 0x00, 0x30, 0x39, 0x00, 0x00, 0x00, 0x0B}
	var buf bytes.Buffer
	buf.Write(invalidHeader)
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("Expected error for invalid magic number, but got nil")
	}

	var pe *binder.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expect *binder.ProtocolError, got %T", err)
	}
	if !bytes.Contains([]byte(err.Error()), []byte("invalid magic number")) {
		t.Errorf("Error message should contain 'invalid magic', instead: %v", err)
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   MsgTypeHeartbeat,
		Seq:       12345,
	}
	var buf bytes.Buffer
	if err := Encode(&buf, &header, nil); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decodedHeader.MsgType != MsgTypeHeartbeat {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, MsgTypeHeartbeat)
	}
	if decodedHeader.BodyLen != 0 {
		t.Errorf("BodyLen mismatch: got %d, want 0", decodedHeader.BodyLen)
	}
	if len(decodedBody) != 0 {
		t.Errorf("Expected empty body, got length %d", len(decodedBody))
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer

	// 手动构造错误 Version 的帧
	invalidFrame := []byte{
		MagicNumber, MagicByte2, MagicByte3,
		0xFF, // 错误的 Version
		CodecTypeJSON,
		byte(MsgTypeRequest),
		0, 0, 0, 1, // Seq
		0, 0, 0, 0, // BodyLen
	}
	buf.Write(invalidFrame)

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("expect error, Decode succeeded")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("unsupported version")) {
		t.Errorf("error should contain 'unsupported version', got: %v", err)
	}
}

func TestDecodeUnknownMsgType(t *testing.T) {
	frame := []byte{
		MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeBinary,
		0x09,
		0, 0, 0, 1,
		0, 0, 0, 0,
	}
	_, _, err := Decode(bytes.NewReader(frame))
	if err == nil || !bytes.Contains([]byte(err.Error()), []byte("unsupported message type")) {
		t.Fatalf("expect unsupported message type, got %v", err)
	}
}

func TestDecodeOversizedBody(t *testing.T) {
	frame := []byte{
		MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeBinary,
		byte(MsgTypeOneWay),
		0, 0, 0, 1,
		0xFF, 0xFF, 0xFF, 0xFF,
	}
	_, _, err := Decode(bytes.NewReader(frame))
	var pe *binder.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expect protocol error for oversized body, got %v", err)
	}
}

func TestDecodeTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{MsgType: MsgTypeOneWay, Seq: 1}, []byte("abcdef")); err != nil {
		t.Fatal(err)
	}
	truncated := buf.Bytes()[:HeaderSize+3]
	if _, _, err := Decode(bytes.NewReader(truncated)); err == nil {
		t.Fatal("expect error for truncated body")
	}
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer

	// 1MB 的消息体
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	header := &Header{
		CodecType: CodecTypeBinary,
		MsgType:   MsgTypeRequest,
		Seq:       999,
	}

	if err := Encode(&buf, header, largeBody); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	_, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if !bytes.Equal(decodedBody, largeBody) {
		t.Errorf("large body mismatch")
	}
}
